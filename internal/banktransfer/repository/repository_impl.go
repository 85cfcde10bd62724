package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	"gorm.io/gorm"
)

const requestColumns = `id, user_id, amount, currency, status, processor_reference_id,
	idempotency_key, instructions, reference_number, hosted_instructions_url,
	expires_at, completed_at, failure_reason, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *domain.Request) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bank_transfer_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.UserID,
		req.Amount,
		req.Currency,
		req.Status,
		req.ProcessorReferenceID,
		req.IdempotencyKey,
		req.Instructions,
		req.ReferenceNumber,
		req.HostedInstructionsURL,
		req.ExpiresAt,
		req.CompletedAt,
		req.FailureReason,
		req.CreatedAt,
		req.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Request, error) {
	return r.findOne(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindByProcessorReference(ctx context.Context, db *gorm.DB, ref string) (*domain.Request, error) {
	return r.findOne(ctx, db, `WHERE processor_reference_id = ?`, ref)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Request, error) {
	var item domain.Request
	err := db.WithContext(ctx).Raw(
		`SELECT `+requestColumns+`
		 FROM bank_transfer_requests `+where+`
		 LIMIT 1`,
		arg,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]*domain.Request, error) {
	query := `SELECT ` + requestColumns + `
		 FROM bank_transfer_requests
		 WHERE user_id = ?`
	args := []any{userID}
	if beforeID != 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var items []*domain.Request
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, from []domain.Status, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bank_transfer_requests
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		status,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bank_transfer_requests
		 SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.StatusCompleted,
		at,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Fail(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, from []domain.Status, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bank_transfer_requests
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.StatusFailed,
		reason,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListOverdue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Request, error) {
	var items []*domain.Request
	err := db.WithContext(ctx).Raw(
		`SELECT `+requestColumns+`
		 FROM bank_transfer_requests
		 WHERE status = ? AND expires_at < ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		domain.StatusAwaitingFunds,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
