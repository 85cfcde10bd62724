package repository

import (
	"context"

	"github.com/smallbiznis/marketledger/internal/fee/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindTier(ctx context.Context, db *gorm.DB, role, orderType string) (*domain.FeeTier, error) {
	var tier domain.FeeTier
	err := db.WithContext(ctx).Raw(
		`SELECT id, role, order_type, fee_percent, created_at, updated_at
		 FROM fee_tiers WHERE role = ? AND order_type = ?`,
		role,
		orderType,
	).Scan(&tier).Error
	if err != nil {
		return nil, err
	}
	if tier.ID == 0 {
		return nil, nil
	}
	return &tier, nil
}

func (r *repo) UpsertTier(ctx context.Context, db *gorm.DB, tier *domain.FeeTier) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO fee_tiers (id, role, order_type, fee_percent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (role, order_type)
		 DO UPDATE SET fee_percent = excluded.fee_percent, updated_at = excluded.updated_at`,
		tier.ID,
		tier.Role,
		tier.OrderType,
		tier.FeePercent,
		tier.CreatedAt,
		tier.UpdatedAt,
	).Error
}

func (r *repo) ListTiers(ctx context.Context, db *gorm.DB) ([]domain.FeeTier, error) {
	var tiers []domain.FeeTier
	err := db.WithContext(ctx).Raw(
		`SELECT id, role, order_type, fee_percent, created_at, updated_at
		 FROM fee_tiers ORDER BY role, order_type`,
	).Scan(&tiers).Error
	if err != nil {
		return nil, err
	}
	return tiers, nil
}
