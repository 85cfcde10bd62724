package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	FindTier(ctx context.Context, db *gorm.DB, role, orderType string) (*FeeTier, error)
	UpsertTier(ctx context.Context, db *gorm.DB, tier *FeeTier) error
	ListTiers(ctx context.Context, db *gorm.DB) ([]FeeTier, error)
}
