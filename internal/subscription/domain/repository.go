package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	// Upsert writes the projection keyed by user. Upsert reports false and
	// leaves the row untouched when the external id was ever canceled.
	Upsert(ctx context.Context, db *gorm.DB, sub *Subscription) (bool, error)
	InsertIfAbsent(ctx context.Context, db *gorm.DB, sub *Subscription) (bool, error)
	// IsCanceled reports whether externalID has a cancellation tombstone.
	// Tombstones outlive the projection row, which is keyed by user.
	IsCanceled(ctx context.Context, db *gorm.DB, externalID string) (bool, error)
	RecordCanceled(ctx context.Context, db *gorm.DB, externalID string, userID snowflake.ID, at time.Time) error
	MarkCanceled(ctx context.Context, db *gorm.DB, externalID string, at time.Time) (bool, error)
	MarkPastDue(ctx context.Context, db *gorm.DB, externalID string, at time.Time) (bool, error)
	SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, cancel bool, at time.Time) error
}
