package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/smallbiznis/marketledger/internal/customer/domain"
	"github.com/smallbiznis/marketledger/internal/providers/stripe"
)

type CheckoutRequest struct {
	UserID        snowflake.ID `json:"-"`
	Tier          string       `json:"tier" binding:"required"`
	BillingPeriod string       `json:"billing_period" binding:"required,oneof=monthly annual"`
}

type Service interface {
	// Checkout starts a hosted checkout. No local record is written; the
	// projection appears when the processor reports the subscription.
	Checkout(ctx context.Context, req CheckoutRequest) (stripe.CheckoutSession, error)
	ApplyLifecycleEvent(ctx context.Context, evt LifecycleEvent) error
	Cancel(ctx context.Context, userID snowflake.ID) (Subscription, error)
	Resume(ctx context.Context, userID snowflake.ID) (Subscription, error)
	CheckLimit(ctx context.Context, userID snowflake.ID, feature string) (Limit, error)
	Get(ctx context.Context, userID snowflake.ID) (Subscription, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user_id")
	ErrInvalidTier          = errors.New("invalid_tier")
	ErrInvalidBillingPeriod = errors.New("invalid_billing_period")
	ErrInvalidFeature       = errors.New("invalid_feature")
	ErrFreeTierCheckout     = errors.New("invalid_tier_free_checkout")
	ErrPriceNotConfigured   = errors.New("subscription_price_not_configured")
	ErrNotFound             = errors.New("subscription_not_found")
	ErrNotCancellable       = errors.New("subscription_not_cancellable")
	ErrProcessorUnavailable = customerdomain.ErrProcessorUnavailable
)
