package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	"github.com/smallbiznis/marketledger/internal/ledger/repository"
	"github.com/smallbiznis/marketledger/internal/ledger/service"
	"github.com/smallbiznis/marketledger/internal/testutil"
	"github.com/smallbiznis/marketledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newLedger(t *testing.T) (ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenSQLite(t, "ledger_adjustments")
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	svc := service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)),
	})
	return svc, db
}

func credit(userID snowflake.ID, amount int64, ref string) ledgerdomain.ApplyRequest {
	return ledgerdomain.ApplyRequest{
		UserID:        userID,
		Amount:        amount,
		Currency:      "gbp",
		Type:          ledgerdomain.AdjustmentTypeCredit,
		ReferenceType: ledgerdomain.ReferenceTypeBankTransfer,
		ReferenceID:   ref,
	}
}

func TestApplyIsIdempotentPerReference(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()
	user := snowflake.ID(42)

	first, err := svc.Apply(ctx, credit(user, 50_000, "bt-1"))
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, "GBP", first.Adjustment.Currency)

	second, err := svc.Apply(ctx, credit(user, 50_000, "bt-1"))
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, first.Adjustment.ID, second.Adjustment.ID)

	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM ledger_adjustments", 1)
	bal, err := svc.Balance(ctx, user, "GBP")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), bal.Balance)
	testutil.AssertCount(t, db, "SELECT balance FROM user_balances WHERE user_id = ?", 50_000, user)
}

func TestApplyReplaysNeverDoubleCredit(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()
	user := snowflake.ID(7)

	applied := 0
	for i := 0; i < 8; i++ {
		res, err := svc.Apply(ctx, credit(user, 10_000, "bt-replay"))
		require.NoError(t, err)
		if res.Applied {
			applied++
		}
	}

	assert.Equal(t, 1, applied)
	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM ledger_adjustments WHERE reference_id = 'bt-replay'", 1)
	bal, err := svc.Balance(ctx, user, "GBP")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), bal.Balance)
}

func TestApplyDedupesExternalTransactionID(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()
	ext := "txn_123"

	req := credit(1, 100, "a")
	req.ExternalTransactionID = &ext
	_, err := svc.Apply(ctx, req)
	require.NoError(t, err)

	req = credit(1, 100, "b")
	req.ExternalTransactionID = &ext
	res, err := svc.Apply(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM ledger_adjustments", 1)
}

func TestDebitAndBalance(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, credit(9, 30_000, "bt-9"))
	require.NoError(t, err)
	_, err = svc.Apply(ctx, ledgerdomain.ApplyRequest{
		UserID:        9,
		Amount:        12_500,
		Currency:      "GBP",
		Type:          ledgerdomain.AdjustmentTypeDebit,
		ReferenceType: ledgerdomain.ReferenceTypeManual,
		ReferenceID:   "ops-1",
	})
	require.NoError(t, err)

	bal, err := svc.Balance(ctx, 9, "gbp")
	require.NoError(t, err)
	assert.Equal(t, int64(17_500), bal.Balance)

	eur, err := svc.Balance(ctx, 9, "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(0), eur.Balance)
}

func TestApplyValidation(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, credit(0, 100, "x"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidUser)
	_, err = svc.Apply(ctx, credit(1, 0, "x"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
	_, err = svc.Apply(ctx, credit(1, 100, " "))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidReference)

	req := credit(1, 100, "x")
	req.Currency = "pound"
	_, err = svc.Apply(ctx, req)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidCurrency)

	req = credit(1, 100, "x")
	req.Type = "refund"
	_, err = svc.Apply(ctx, req)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidType)
}

func TestRecomputeBalanceRepairsCache(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, credit(5, 60_000, "bt-5"))
	require.NoError(t, err)
	require.NoError(t, db.Exec("UPDATE user_balances SET balance = 1 WHERE user_id = 5").Error)

	bal, err := svc.RecomputeBalance(ctx, 5, "GBP")
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), bal.Balance)
	testutil.AssertCount(t, db, "SELECT balance FROM user_balances WHERE user_id = 5", 60_000)
}

func TestListByUserPaginates(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	for _, ref := range []string{"r1", "r2", "r3", "r4", "r5"} {
		_, err := svc.Apply(ctx, credit(11, 100, ref))
		require.NoError(t, err)
	}
	_, err := svc.Apply(ctx, credit(12, 100, "other"))
	require.NoError(t, err)

	page1, err := svc.ListByUser(ctx, ledgerdomain.ListRequest{UserID: 11, Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	assert.True(t, page1.PageInfo.HasMore)
	assert.Equal(t, "r5", page1.Items[0].ReferenceID)

	seen := map[string]bool{}
	for _, item := range page1.Items {
		seen[item.ReferenceID] = true
	}
	token := page1.PageInfo.NextPageToken
	for token != "" {
		page, err := svc.ListByUser(ctx, ledgerdomain.ListRequest{UserID: 11, Pagination: pagination.Pagination{PageSize: 2, PageToken: token}})
		require.NoError(t, err)
		for _, item := range page.Items {
			assert.False(t, seen[item.ReferenceID], "duplicate %s", item.ReferenceID)
			seen[item.ReferenceID] = true
		}
		token = page.PageInfo.NextPageToken
	}
	assert.Len(t, seen, 5)

	_, err = svc.ListByUser(ctx, ledgerdomain.ListRequest{UserID: 11, Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)
}
