package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	"github.com/smallbiznis/marketledger/internal/banktransfer/repository"
	"github.com/smallbiznis/marketledger/internal/banktransfer/service"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/config"
	customerdomain "github.com/smallbiznis/marketledger/internal/customer/domain"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/marketledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/marketledger/internal/ledger/service"
	"github.com/smallbiznis/marketledger/internal/providers/stripe"
	"github.com/smallbiznis/marketledger/internal/providers/stripe/stripetest"
	"github.com/smallbiznis/marketledger/internal/testutil"
	"github.com/smallbiznis/marketledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const owner = snowflake.ID(501)

type staticCustomers struct {
	err error
}

func (c staticCustomers) Resolve(ctx context.Context, userID snowflake.ID) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "cus_" + userID.String(), nil
}

type fixture struct {
	svc       domain.Service
	ledger    ledgerdomain.Service
	db        *gorm.DB
	clock     *clock.FakeClock
	processor *stripetest.Client
}

func newFixture(t *testing.T, customers customerdomain.Service) fixture {
	t.Helper()
	db := testutil.OpenSQLite(t, "bank_transfer_requests", "ledger_adjustments")
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	holder, err := config.NewStaticPolicyHolder(config.DefaultPolicyConfig())
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: ledgerrepository.Provide(), Clock: clk,
	})
	processor := &stripetest.Client{}
	svc := service.NewService(service.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Repo:        repository.Provide(),
		CustomerSvc: customers,
		Processor:   processor,
		LedgerSvc:   ledger,
		Policy:      holder,
		Clock:       clk,
	})
	return fixture{svc: svc, ledger: ledger, db: db, clock: clk, processor: processor}
}

func (f fixture) expectIntent(intentID string) {
	f.processor.On("CreateBankTransferIntent", mock.Anything, mock.MatchedBy(func(in stripe.BankTransferInput) bool {
		return in.CustomerID == "cus_"+owner.String()
	})).Return(stripe.BankTransferIntent{
		IntentID:        intentID,
		ReferenceNumber: "REF-" + intentID,
		Instructions:    json.RawMessage(`{"reference":"REF-` + intentID + `"}`),
	}, nil).Once()
}

func (f fixture) create(t *testing.T, intentID string) domain.Request {
	t.Helper()
	f.expectIntent(intentID)
	req, err := f.svc.Create(context.Background(), domain.CreateRequest{UserID: owner, Amount: 50_000, Currency: "gbp"})
	require.NoError(t, err)
	return req
}

func TestCreateEnforcesMinimumAndTTL(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, domain.CreateRequest{UserID: owner, Amount: 49_999, Currency: "GBP"})
	assert.ErrorIs(t, err, domain.ErrBelowMinimum)
	f.processor.AssertNotCalled(t, "CreateBankTransferIntent", mock.Anything, mock.Anything)

	req := f.create(t, "pi_1")
	assert.Equal(t, domain.StatusAwaitingFunds, req.Status)
	assert.Equal(t, "GBP", req.Currency)
	assert.Equal(t, "REF-pi_1", req.ReferenceNumber)
	assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), req.ExpiresAt)

	got, err := f.svc.Get(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", got.ProcessorReferenceID)
	assert.JSONEq(t, `{"reference":"REF-pi_1"}`, string(got.Instructions))
}

func TestCreateProcessorFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	f.processor.On("CreateBankTransferIntent", mock.Anything, mock.Anything).
		Return(stripe.BankTransferIntent{}, errors.New("503 service unavailable"))

	_, err := f.svc.Create(context.Background(), domain.CreateRequest{UserID: owner, Amount: 60_000, Currency: "GBP"})
	assert.ErrorIs(t, err, domain.ErrProcessorUnavailable)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM bank_transfer_requests", 0)

	down := newFixture(t, staticCustomers{err: customerdomain.ErrProcessorUnavailable})
	_, err = down.svc.Create(context.Background(), domain.CreateRequest{UserID: owner, Amount: 60_000, Currency: "GBP"})
	assert.ErrorIs(t, err, domain.ErrProcessorUnavailable)
}

func TestFundsEventReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()
	req := f.create(t, "pi_replay")

	require.NoError(t, f.svc.OnFundsReceived(ctx, "pi_replay"))
	got, err := f.svc.Get(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.OnFundsConfirmed(ctx, domain.FundsConfirmed{ProcessorReferenceID: "pi_replay"}))
	}
	// a late "received" must not move a completed request backwards
	require.NoError(t, f.svc.OnFundsReceived(ctx, "pi_replay"))

	got, err = f.svc.Get(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM ledger_adjustments WHERE reference_type = 'bank_transfer' AND reference_id = ?", 1, req.ID.String())
	balance, err := f.ledger.Balance(ctx, owner, "GBP")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), balance.Balance)
}

func TestFundsConfirmedSkipsReceivedAndUsesEventAmount(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()
	req := f.create(t, "pi_direct")

	amount := int64(50_250)
	require.NoError(t, f.svc.OnFundsConfirmed(ctx, domain.FundsConfirmed{ProcessorReferenceID: "pi_direct", Amount: &amount, Currency: "gbp"}))

	got, err := f.svc.Get(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	balance, err := f.ledger.Balance(ctx, owner, "GBP")
	require.NoError(t, err)
	assert.Equal(t, amount, balance.Balance)
}

func TestFundsConfirmedRejectsCurrencyMismatch(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	req := f.create(t, "pi_eur")

	err := f.svc.OnFundsConfirmed(context.Background(), domain.FundsConfirmed{ProcessorReferenceID: "pi_eur", Currency: "EUR"})
	assert.ErrorIs(t, err, domain.ErrCurrencyMismatch)

	got, err := f.svc.Get(context.Background(), req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingFunds, got.Status)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM ledger_adjustments", 0)
}

func TestUnknownReferencesAreDropped(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	assert.NoError(t, f.svc.OnFundsReceived(context.Background(), "pi_nope"))
	assert.NoError(t, f.svc.OnFundsConfirmed(context.Background(), domain.FundsConfirmed{ProcessorReferenceID: "pi_nope"}))
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM ledger_adjustments", 0)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()
	req := f.create(t, "pi_cancel")
	f.processor.On("CancelPaymentIntent", mock.Anything, "pi_cancel").Return(errors.New("timeout")).Once()

	_, err := f.svc.Cancel(ctx, req.ID, snowflake.ID(999))
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	cancelled, err := f.svc.Cancel(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, cancelled.Status)

	_, err = f.svc.Cancel(ctx, req.ID, owner)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	done := f.create(t, "pi_done")
	require.NoError(t, f.svc.OnFundsConfirmed(ctx, domain.FundsConfirmed{ProcessorReferenceID: "pi_done"}))
	_, err = f.svc.Cancel(ctx, done.ID, owner)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()
	stale := f.create(t, "pi_stale")
	f.clock.Advance(3 * 24 * time.Hour)
	fresh := f.create(t, "pi_fresh")
	f.processor.On("CancelPaymentIntent", mock.Anything, "pi_stale").Return(nil).Once()

	f.clock.Advance(4*24*time.Hour + time.Second)
	result, err := f.svc.ExpireOverdue(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	got, err := f.svc.Get(ctx, stale.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	got, err = f.svc.Get(ctx, fresh.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingFunds, got.Status)

	result, err = f.svc.ExpireOverdue(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Expired)

	f.processor.AssertExpectations(t)
}

func TestLateSettlementAfterExpiry(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()
	req := f.create(t, "pi_late")
	f.processor.On("CancelPaymentIntent", mock.Anything, "pi_late").Return(errors.New("already processing")).Once()

	f.clock.Advance(8 * 24 * time.Hour)
	result, err := f.svc.ExpireOverdue(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.OnFundsConfirmed(ctx, domain.FundsConfirmed{ProcessorReferenceID: "pi_late"}))
	}

	got, err := f.svc.Get(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM ledger_adjustments WHERE reference_type = 'bank_transfer' AND reference_id = ?", 1, req.ID.String())
	balance, err := f.ledger.Balance(ctx, owner, "GBP")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), balance.Balance)
}

func TestSettlementAfterUserCancel(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()
	req := f.create(t, "pi_raced")
	f.processor.On("CancelPaymentIntent", mock.Anything, "pi_raced").Return(nil).Once()

	_, err := f.svc.Cancel(ctx, req.ID, owner)
	require.NoError(t, err)
	require.NoError(t, f.svc.OnFundsConfirmed(ctx, domain.FundsConfirmed{ProcessorReferenceID: "pi_raced"}))

	got, err := f.svc.Get(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	balance, err := f.ledger.Balance(ctx, owner, "GBP")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), balance.Balance)

	_, err = f.svc.Cancel(ctx, req.ID, owner)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestFundsFailed(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()
	req := f.create(t, "pi_fail")

	require.NoError(t, f.svc.OnFundsFailed(ctx, domain.FundsFailed{ProcessorReferenceID: "pi_fail", Reason: "insufficient_funds"}))
	got, err := f.svc.Get(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "insufficient_funds", *got.FailureReason)

	// a second failure keeps the first reason
	require.NoError(t, f.svc.OnFundsFailed(ctx, domain.FundsFailed{ProcessorReferenceID: "pi_fail"}))
	got, err = f.svc.Get(ctx, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, "insufficient_funds", *got.FailureReason)

	_, err = f.svc.Cancel(ctx, req.ID, owner)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	received := f.create(t, "pi_processing")
	require.NoError(t, f.svc.OnFundsReceived(ctx, "pi_processing"))
	require.NoError(t, f.svc.OnFundsFailed(ctx, domain.FundsFailed{ProcessorReferenceID: "pi_processing"}))
	got, err = f.svc.Get(ctx, received.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)

	assert.NoError(t, f.svc.OnFundsFailed(ctx, domain.FundsFailed{ProcessorReferenceID: "pi_nope"}))
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM ledger_adjustments", 0)
}

func TestListByUserPaginates(t *testing.T) {
	f := newFixture(t, staticCustomers{})
	ctx := context.Background()
	for _, id := range []string{"pi_a", "pi_b", "pi_c"} {
		f.create(t, id)
	}

	page, err := f.svc.ListByUser(ctx, domain.ListRequest{UserID: owner, Pagination: paginationOf("", 2)})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.PageInfo.HasMore)
	assert.Equal(t, "pi_c", page.Items[0].ProcessorReferenceID)

	next, err := f.svc.ListByUser(ctx, domain.ListRequest{UserID: owner, Pagination: paginationOf(page.PageInfo.NextPageToken, 2)})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "pi_a", next.Items[0].ProcessorReferenceID)
	assert.False(t, next.PageInfo.HasMore)

	_, err = f.svc.ListByUser(ctx, domain.ListRequest{UserID: owner, Pagination: paginationOf("%%%", 2)})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func paginationOf(token string, size int) pagination.Pagination {
	return pagination.Pagination{PageToken: token, PageSize: size}
}
