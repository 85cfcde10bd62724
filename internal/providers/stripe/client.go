package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotConfigured = errors.New("processor_not_configured")
	ErrInvalidInput  = errors.New("invalid_processor_request")
)

// Client is the outbound surface of the payment processor.
type Client interface {
	CreateCustomer(ctx context.Context, in CustomerInput) (string, error)
	CreateBankTransferIntent(ctx context.Context, in BankTransferInput) (BankTransferIntent, error)
	CancelPaymentIntent(ctx context.Context, intentID string) error
	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (CheckoutSession, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error
}

type CustomerInput struct {
	UserID string
	Email  string
	Name   string
}

type BankTransferInput struct {
	UserID     string
	CustomerID string
	Amount     int64
	Currency   string
	// IdempotencyKey is sent verbatim so a retried Create reuses the intent.
	IdempotencyKey string
}

// BankTransferIntent carries the instructions a payer needs to fund the
// customer balance.
type BankTransferIntent struct {
	IntentID              string
	ReferenceNumber       string
	HostedInstructionsURL string
	Instructions          json.RawMessage
}

type CheckoutInput struct {
	UserID        string
	CustomerID    string
	PriceID       string
	Tier          string
	BillingPeriod string
	TrialDays     int
	SuccessURL    string
	CancelURL     string
}

type CheckoutSession struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Metadata keys written on every processor object this service creates.
const (
	MetadataUserID        = "userId"
	MetadataTier          = "tier"
	MetadataBillingPeriod = "billingPeriod"
)
