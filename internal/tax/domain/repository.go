package domain

import (
	"context"
)

type Repository interface {
	ListJurisdictions(ctx context.Context) ([]Jurisdiction, error)
	UpsertJurisdiction(ctx context.Context, j *Jurisdiction) error
}
