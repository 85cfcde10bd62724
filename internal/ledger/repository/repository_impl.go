package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, adj *domain.Adjustment) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO ledger_adjustments (
			id, user_id, amount, currency, type, reference_type, reference_id,
			external_transaction_id, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		adj.ID,
		adj.UserID,
		adj.Amount,
		adj.Currency,
		adj.Type,
		adj.ReferenceType,
		adj.ReferenceID,
		adj.ExternalTransactionID,
		adj.Description,
		adj.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, refType domain.ReferenceType, refID string) (*domain.Adjustment, error) {
	var adj domain.Adjustment
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, amount, currency, type, reference_type, reference_id,
		        external_transaction_id, description, created_at
		 FROM ledger_adjustments
		 WHERE reference_type = ? AND reference_id = ?`,
		refType, refID,
	).Scan(&adj).Error
	if err != nil {
		return nil, err
	}
	if adj.ID == 0 {
		return nil, nil
	}
	return &adj, nil
}

func (r *repo) SumByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, currency string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_adjustments WHERE user_id = ? AND currency = ?`,
		userID, currency,
	).Scan(&total).Error
	return total, err
}

func (r *repo) AddToBalance(ctx context.Context, db *gorm.DB, bal domain.UserBalance) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO user_balances (user_id, currency, balance, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, currency) DO UPDATE
		 SET balance = user_balances.balance + excluded.balance, updated_at = excluded.updated_at`,
		bal.UserID, bal.Currency, bal.Balance, bal.UpdatedAt,
	).Error
}

func (r *repo) SetBalance(ctx context.Context, db *gorm.DB, bal domain.UserBalance) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO user_balances (user_id, currency, balance, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, currency) DO UPDATE
		 SET balance = excluded.balance, updated_at = excluded.updated_at`,
		bal.UserID, bal.Currency, bal.Balance, bal.UpdatedAt,
	).Error
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID, currency string) (*domain.UserBalance, error) {
	var bal domain.UserBalance
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, currency, balance, updated_at FROM user_balances WHERE user_id = ? AND currency = ?`,
		userID, currency,
	).Scan(&bal).Error
	if err != nil {
		return nil, err
	}
	if bal.UserID == 0 {
		return nil, nil
	}
	return &bal, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]*domain.Adjustment, error) {
	var items []*domain.Adjustment
	query := `SELECT id, user_id, amount, currency, type, reference_type, reference_id,
		        external_transaction_id, description, created_at
		 FROM ledger_adjustments
		 WHERE user_id = ?`
	args := []any{userID}
	if beforeID != 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
