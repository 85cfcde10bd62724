package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, user_id, external_subscription_id, external_customer_id, tier,
	billing_period, status, current_period_start, current_period_end,
	cancel_at_period_end, trial_end, canceled_at, last_event_at, created_at, updated_at`

const insertSubscription = `INSERT INTO user_subscriptions (` + subscriptionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, db, `WHERE user_id = ?`, userID)
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Subscription, error) {
	return r.findOne(ctx, db, `WHERE external_subscription_id = ?`, externalID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM user_subscriptions `+where+`
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

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (bool, error) {
	res := db.WithContext(ctx).Exec(
		insertSubscription+`
		ON CONFLICT (user_id) DO UPDATE SET
			external_subscription_id = excluded.external_subscription_id,
			external_customer_id = CASE WHEN excluded.external_customer_id <> '' THEN excluded.external_customer_id ELSE user_subscriptions.external_customer_id END,
			tier = CASE WHEN excluded.tier <> '' THEN excluded.tier ELSE user_subscriptions.tier END,
			billing_period = CASE WHEN excluded.billing_period <> '' THEN excluded.billing_period ELSE user_subscriptions.billing_period END,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			trial_end = excluded.trial_end,
			canceled_at = excluded.canceled_at,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at
		WHERE NOT (
			user_subscriptions.external_subscription_id = excluded.external_subscription_id
			AND user_subscriptions.status = 'canceled'
		) AND NOT EXISTS (
			SELECT 1 FROM canceled_subscriptions WHERE external_subscription_id = ?
		)`,
		append(args(sub), sub.ExternalSubscriptionID)...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (bool, error) {
	res := db.WithContext(ctx).Exec(insertSubscription+` ON CONFLICT DO NOTHING`, args(sub)...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) IsCanceled(ctx context.Context, db *gorm.DB, externalID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Table("canceled_subscriptions").
		Where("external_subscription_id = ?", externalID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordCanceled keeps the first cancellation time for externalID.
func (r *repo) RecordCanceled(ctx context.Context, db *gorm.DB, externalID string, userID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO canceled_subscriptions (external_subscription_id, user_id, canceled_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (external_subscription_id) DO NOTHING`,
		externalID,
		userID,
		at,
	).Error
}

func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, externalID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET status = ?, canceled_at = ?, last_event_at = ?, updated_at = ?
		 WHERE external_subscription_id = ? AND status <> ?`,
		domain.StatusCanceled,
		at,
		at,
		at,
		externalID,
		domain.StatusCanceled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkPastDue(ctx context.Context, db *gorm.DB, externalID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET status = ?, last_event_at = ?, updated_at = ?
		 WHERE external_subscription_id = ? AND status NOT IN ?`,
		domain.StatusPastDue,
		at,
		at,
		externalID,
		[]domain.Status{domain.StatusCanceled, domain.StatusPastDue},
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, cancel bool, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ?`,
		cancel,
		at,
		id,
	).Error
}

func args(sub *domain.Subscription) []any {
	return []any{
		sub.ID,
		sub.UserID,
		sub.ExternalSubscriptionID,
		sub.ExternalCustomerID,
		sub.Tier,
		sub.BillingPeriod,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.TrialEnd,
		sub.CanceledAt,
		sub.LastEventAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	}
}
