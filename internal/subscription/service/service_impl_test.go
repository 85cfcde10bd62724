package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/config"
	"github.com/smallbiznis/marketledger/internal/providers/stripe"
	"github.com/smallbiznis/marketledger/internal/providers/stripe/stripetest"
	"github.com/smallbiznis/marketledger/internal/subscription/domain"
	"github.com/smallbiznis/marketledger/internal/subscription/repository"
	"github.com/smallbiznis/marketledger/internal/subscription/service"
	"github.com/smallbiznis/marketledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const user = snowflake.ID(7001)

type customers struct{}

func (customers) Resolve(ctx context.Context, userID snowflake.ID) (string, error) {
	return "cus_" + userID.String(), nil
}

type fixture struct {
	svc       domain.Service
	db        *gorm.DB
	clock     *clock.FakeClock
	processor *stripetest.Client
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenSQLite(t, "user_subscriptions", "canceled_subscriptions")
	node, err := snowflake.NewNode(8)
	require.NoError(t, err)

	policy := config.DefaultPolicyConfig()
	for i := range policy.Subscription.Tiers {
		if policy.Subscription.Tiers[i].Name == "pro" {
			policy.Subscription.Tiers[i].Prices = map[string]string{"monthly": "price_pro_monthly", "annual": "price_pro_annual"}
		}
	}
	holder, err := config.NewStaticPolicyHolder(policy)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	processor := &stripetest.Client{}
	svc := service.NewService(service.ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Repo:        repository.Provide(),
		CustomerSvc: customers{},
		Processor:   processor,
		Policy:      holder,
		Cfg:         config.Config{Stripe: config.StripeConfig{SuccessURL: "https://app.example/ok", CancelURL: "https://app.example/cancel"}},
		Clock:       clk,
	})
	return fixture{svc: svc, db: db, clock: clk, processor: processor}
}

func event(kind domain.EventType, extID string, status domain.Status) domain.LifecycleEvent {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return domain.LifecycleEvent{
		Type:                   kind,
		ExternalSubscriptionID: extID,
		ExternalCustomerID:     "cus_7001",
		UserID:                 user,
		Tier:                   "pro",
		BillingPeriod:          "monthly",
		Status:                 status,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       &end,
		OccurredAt:             start.Add(time.Hour),
	}
}

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Checkout(ctx, domain.CheckoutRequest{UserID: user, Tier: "free", BillingPeriod: "monthly"})
	assert.ErrorIs(t, err, domain.ErrFreeTierCheckout)

	_, err = f.svc.Checkout(ctx, domain.CheckoutRequest{UserID: user, Tier: "platinum", BillingPeriod: "monthly"})
	assert.ErrorIs(t, err, domain.ErrInvalidTier)

	_, err = f.svc.Checkout(ctx, domain.CheckoutRequest{UserID: user, Tier: "pro", BillingPeriod: "weekly"})
	assert.ErrorIs(t, err, domain.ErrInvalidBillingPeriod)

	_, err = f.svc.Checkout(ctx, domain.CheckoutRequest{UserID: user, Tier: "business", BillingPeriod: "monthly"})
	assert.ErrorIs(t, err, domain.ErrPriceNotConfigured)

	f.processor.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
}

func TestCheckoutCreatesSessionOnly(t *testing.T) {
	f := newFixture(t)
	f.processor.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(in stripe.CheckoutInput) bool {
		return in.UserID == "7001" &&
			in.CustomerID == "cus_7001" &&
			in.PriceID == "price_pro_annual" &&
			in.Tier == "pro" &&
			in.BillingPeriod == "annual" &&
			in.TrialDays == 14 &&
			in.SuccessURL == "https://app.example/ok"
	})).Return(stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil).Once()

	sess, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{UserID: user, Tier: "Pro", BillingPeriod: "annual"})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/cs_1", sess.URL)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM user_subscriptions", 0)
	f.processor.AssertExpectations(t)
}

func TestCheckoutProcessorFailure(t *testing.T) {
	f := newFixture(t)
	f.processor.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Return(stripe.CheckoutSession{}, errors.New("rate limited"))

	_, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{UserID: user, Tier: "pro", BillingPeriod: "monthly"})
	assert.ErrorIs(t, err, domain.ErrProcessorUnavailable)
}

func TestLifecycleCreateAndUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_1", domain.StatusTrialing)))
	sub, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrialing, sub.Status)
	assert.Equal(t, "pro", sub.Tier)
	firstID := sub.ID

	updated := event(domain.EventUpdated, "sub_1", domain.StatusActive)
	updated.CancelAtPeriodEnd = true
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, updated))
	sub, err = f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, firstID, sub.ID)

	noMetadata := event(domain.EventUpdated, "sub_other", domain.StatusActive)
	noMetadata.UserID = 0
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, noMetadata))
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM user_subscriptions", 1)
}

func TestNoResurrectionAfterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_1", domain.StatusActive)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventDeleted, "sub_1", domain.StatusCanceled)))

	// delayed deliveries of earlier events
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventUpdated, "sub_1", domain.StatusActive)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_1", domain.StatusTrialing)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventPaymentFailed, "sub_1", "")))

	sub, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)

	// a fresh subscription under a new id is a different object
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_2", domain.StatusActive)))
	sub, err = f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "sub_2", sub.ExternalSubscriptionID)
	assert.Equal(t, domain.StatusActive, sub.Status)
}

func TestCanceledSubscriptionStaysCanceledAfterResubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_A", domain.StatusActive)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventDeleted, "sub_A", domain.StatusCanceled)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_B", domain.StatusActive)))

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventUpdated, "sub_A", domain.StatusActive)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_A", domain.StatusTrialing)))

	sub, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "sub_B", sub.ExternalSubscriptionID)
	assert.Equal(t, domain.StatusActive, sub.Status)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM canceled_subscriptions WHERE external_subscription_id = 'sub_A'", 1)
}

func TestLateDeleteOfReplacedSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_A", domain.StatusActive)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_B", domain.StatusActive)))
	// sub_A's deletion arrives after the projection already moved to sub_B
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventDeleted, "sub_A", domain.StatusCanceled)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventUpdated, "sub_A", domain.StatusActive)))

	sub, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "sub_B", sub.ExternalSubscriptionID)
	assert.Equal(t, domain.StatusActive, sub.Status)
}

func TestCanceledStatusUpdateIsTombstoned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_A", domain.StatusActive)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventUpdated, "sub_A", domain.StatusCanceled)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_B", domain.StatusActive)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventUpdated, "sub_A", domain.StatusPastDue)))

	sub, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "sub_B", sub.ExternalSubscriptionID)
	assert.Equal(t, domain.StatusActive, sub.Status)
}

func TestDeleteBeforeCreateStoresStub(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventDeleted, "sub_9", domain.StatusCanceled)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_9", domain.StatusActive)))

	sub, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, sub.Status)

	anonymous := event(domain.EventDeleted, "sub_unknown", domain.StatusCanceled)
	anonymous.UserID = 0
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, anonymous))
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM user_subscriptions", 1)
}

func TestPaymentFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_1", domain.StatusActive)))
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, domain.LifecycleEvent{Type: domain.EventPaymentFailed, ExternalSubscriptionID: "sub_1"}))
	sub, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, sub.Status)

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, domain.LifecycleEvent{Type: domain.EventPaymentFailed, ExternalSubscriptionID: "sub_missing"}))
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM user_subscriptions", 1)
}

func TestCancelAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_1", domain.StatusActive)))

	f.processor.On("SetCancelAtPeriodEnd", mock.Anything, "sub_1", true).Return(errors.New("upstream down")).Once()
	_, err := f.svc.Cancel(ctx, user)
	assert.ErrorIs(t, err, domain.ErrProcessorUnavailable)
	sub, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)

	f.processor.On("SetCancelAtPeriodEnd", mock.Anything, "sub_1", true).Return(nil).Once()
	sub, err = f.svc.Cancel(ctx, user)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)

	// already set: no second upstream call
	_, err = f.svc.Cancel(ctx, user)
	require.NoError(t, err)

	f.processor.On("SetCancelAtPeriodEnd", mock.Anything, "sub_1", false).Return(nil).Once()
	sub, err = f.svc.Resume(ctx, user)
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
	f.processor.AssertExpectations(t)

	_, err = f.svc.Cancel(ctx, snowflake.ID(1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	limit, err := f.svc.CheckLimit(ctx, user, "active_listings")
	require.NoError(t, err)
	assert.Equal(t, "free", limit.Tier)
	assert.Equal(t, int64(3), limit.Max)

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, event(domain.EventCreated, "sub_1", domain.StatusActive)))
	limit, err = f.svc.CheckLimit(ctx, user, "active_listings")
	require.NoError(t, err)
	assert.Equal(t, "pro", limit.Tier)
	assert.Equal(t, int64(50), limit.Max)
	assert.False(t, limit.Unlimited)

	business := event(domain.EventUpdated, "sub_1", domain.StatusActive)
	business.Tier = "business"
	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, business))
	limit, err = f.svc.CheckLimit(ctx, user, "team_members")
	require.NoError(t, err)
	assert.True(t, limit.Unlimited)

	require.NoError(t, f.svc.ApplyLifecycleEvent(ctx, domain.LifecycleEvent{Type: domain.EventPaymentFailed, ExternalSubscriptionID: "sub_1"}))
	limit, err = f.svc.CheckLimit(ctx, user, "team_members")
	require.NoError(t, err)
	assert.Equal(t, "free", limit.Tier)
	assert.Equal(t, int64(1), limit.Max)

	_, err = f.svc.CheckLimit(ctx, user, "rocket_launches")
	assert.ErrorIs(t, err, domain.ErrInvalidFeature)
}
