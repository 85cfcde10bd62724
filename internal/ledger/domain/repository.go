package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert reports false when either unique key already exists.
	Insert(ctx context.Context, db *gorm.DB, adj *Adjustment) (bool, error)
	FindByReference(ctx context.Context, db *gorm.DB, refType ReferenceType, refID string) (*Adjustment, error)
	SumByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, currency string) (int64, error)
	AddToBalance(ctx context.Context, db *gorm.DB, bal UserBalance) error
	SetBalance(ctx context.Context, db *gorm.DB, bal UserBalance) error
	FindBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID, currency string) (*UserBalance, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]*Adjustment, error)
}
