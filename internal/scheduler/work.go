package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type driftedBalance struct {
	UserID   snowflake.ID `gorm:"column:user_id"`
	Currency string       `gorm:"column:currency"`
}

func (s *Scheduler) fetchDriftedBalances(ctx context.Context, limit int) ([]driftedBalance, error) {
	var rows []driftedBalance
	err := s.db.WithContext(ctx).Raw(
		`SELECT b.user_id, b.currency
		 FROM user_balances b
		 LEFT JOIN (
			SELECT user_id, currency, SUM(amount) AS total
			FROM ledger_adjustments
			GROUP BY user_id, currency
		 ) a ON a.user_id = b.user_id AND a.currency = b.currency
		 WHERE b.balance <> COALESCE(a.total, 0)
		 ORDER BY b.user_id, b.currency
		 LIMIT ?`,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
