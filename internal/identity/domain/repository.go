package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Profile, error)
	UpdateTaxProfile(ctx context.Context, db *gorm.DB, profile *Profile) error
	SetVATVerified(ctx context.Context, db *gorm.DB, userID snowflake.ID, verified bool) (bool, error)
	// SetExternalCustomerIDIfEmpty writes only when no id is stored yet.
	SetExternalCustomerIDIfEmpty(ctx context.Context, db *gorm.DB, userID snowflake.ID, externalID string) (bool, error)
}
