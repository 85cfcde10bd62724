package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/marketledger/internal/authorization"
	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	"github.com/smallbiznis/marketledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/marketledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/marketledger/internal/ledger/service"
	"github.com/smallbiznis/marketledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubAuthz struct {
	err   error
	calls int
}

func (a *stubAuthz) Authorize(ctx context.Context, actor, object, action string) error {
	a.calls++
	if actor != authorization.ActorSystem {
		return authorization.ErrForbidden
	}
	return a.err
}

// expiringTransfers serves ExpireOverdue from a fixed backlog and fails the
// rest of the interface.
type expiringTransfers struct {
	banktransferdomain.Service
	backlog int
	calls   []int
	err     error
}

func (e *expiringTransfers) ExpireOverdue(ctx context.Context, now time.Time, limit int) (banktransferdomain.ExpireResult, error) {
	e.calls = append(e.calls, limit)
	if e.err != nil {
		return banktransferdomain.ExpireResult{}, e.err
	}
	n := min(limit, e.backlog)
	e.backlog -= n
	return banktransferdomain.ExpireResult{Scanned: n, Expired: n}, nil
}

func newTestScheduler(t *testing.T, db *gorm.DB, transfers banktransferdomain.Service, ledger ledgerdomain.Service, authz authorization.Service) *Scheduler {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	if ledger == nil {
		ledger = ledgerservice.NewService(ledgerservice.Params{
			DB: db, Log: zap.NewNop(), GenID: node, Repo: ledgerrepository.Provide(),
		})
	}
	s, err := New(Params{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		BankTransferSvc: transfers,
		LedgerSvc:       ledger,
		AuthzSvc:        authz,
		Clock:           clock.NewFakeClock(time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)),
		Config:          Config{BatchSize: 2, ReconcileWorkers: 2},
	})
	require.NoError(t, err)
	return s
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExpireBankTransfersJobDrainsBacklog(t *testing.T) {
	db := testutil.OpenSQLite(t, "ledger_adjustments")
	transfers := &expiringTransfers{backlog: 5}
	authz := &stubAuthz{}
	s := newTestScheduler(t, db, transfers, nil, authz)

	require.NoError(t, s.ExpireBankTransfersJob(context.Background()))
	assert.Equal(t, []int{2, 2, 2}, transfers.calls)
	assert.Zero(t, transfers.backlog)
	assert.Equal(t, 1, authz.calls)
}

func TestExpireBankTransfersJobStopsWhenUnauthorized(t *testing.T) {
	db := testutil.OpenSQLite(t, "ledger_adjustments")
	transfers := &expiringTransfers{backlog: 5}
	s := newTestScheduler(t, db, transfers, nil, &stubAuthz{err: authorization.ErrForbidden})

	err := s.ExpireBankTransfersJob(context.Background())
	assert.ErrorIs(t, err, authorization.ErrForbidden)
	assert.Empty(t, transfers.calls)
}

func TestRunOnceWrapsJobErrors(t *testing.T) {
	db := testutil.OpenSQLite(t, "ledger_adjustments")
	transfers := &expiringTransfers{err: errors.New("db unavailable")}
	s := newTestScheduler(t, db, transfers, nil, &stubAuthz{})
	s.cfg.EnabledJobs = []string{JobExpireBankTransfers}

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobExpireBankTransfers)
}

func TestReconcileBalancesJobRepairsDrift(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t, "ledger_adjustments")
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: ledgerrepository.Provide(),
	})

	for i, userID := range []snowflake.ID{701, 702, 703} {
		_, err := ledger.Apply(ctx, ledgerdomain.ApplyRequest{
			UserID:        userID,
			Amount:        int64(1000 * (i + 1)),
			Currency:      "GBP",
			Type:          ledgerdomain.AdjustmentTypeCredit,
			ReferenceType: ledgerdomain.ReferenceTypeBankTransfer,
			ReferenceID:   userID.String(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, db.Exec(`UPDATE user_balances SET balance = 1 WHERE user_id IN (701, 703)`).Error)

	s := newTestScheduler(t, db, &expiringTransfers{}, ledger, &stubAuthz{})
	s.cfg.ReconcileWorkers = 1
	drifted, err := s.fetchDriftedBalances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, drifted, 2)

	require.NoError(t, s.ReconcileBalancesJob(ctx))

	for userID, want := range map[int64]int64{701: 1000, 702: 2000, 703: 3000} {
		testutil.AssertCount(t, db,
			`SELECT COUNT(*) FROM user_balances WHERE user_id = ? AND currency = 'GBP' AND balance = ?`,
			1, userID, want,
		)
	}
	drifted, err = s.fetchDriftedBalances(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, drifted)
}
