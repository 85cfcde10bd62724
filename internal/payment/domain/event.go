package domain

import (
	"time"

	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	subscriptiondomain "github.com/smallbiznis/marketledger/internal/subscription/domain"
)

type EventKind string

const (
	KindSubscriptionCreated        EventKind = "subscription_created"
	KindSubscriptionUpdated        EventKind = "subscription_updated"
	KindSubscriptionDeleted        EventKind = "subscription_deleted"
	KindInvoicePaymentFailed       EventKind = "invoice_payment_failed"
	KindBankTransferFundsReceived  EventKind = "bank_transfer_funds_received"
	KindBankTransferFundsConfirmed EventKind = "bank_transfer_funds_confirmed"
	KindBankTransferFundsFailed    EventKind = "bank_transfer_funds_failed"
)

// Event is the closed set of processor events the dispatcher routes.
// Implementations live in this package only.
type Event interface {
	EventID() string
	Kind() EventKind
	OccurredAt() time.Time
	sealed()
}

// Envelope carries the processor identity of an event.
type Envelope struct {
	ID       string
	Occurred time.Time
}

func (e Envelope) EventID() string       { return e.ID }
func (e Envelope) OccurredAt() time.Time { return e.Occurred }
func (Envelope) sealed()                 {}

// SubscriptionChanged covers created, updated and deleted subscriptions.
type SubscriptionChanged struct {
	Envelope
	Lifecycle subscriptiondomain.LifecycleEvent
}

func (e SubscriptionChanged) Kind() EventKind {
	switch e.Lifecycle.Type {
	case subscriptiondomain.EventCreated:
		return KindSubscriptionCreated
	case subscriptiondomain.EventDeleted:
		return KindSubscriptionDeleted
	default:
		return KindSubscriptionUpdated
	}
}

// InvoicePaymentFailed reports a failed renewal charge for a subscription.
type InvoicePaymentFailed struct {
	Envelope
	ExternalSubscriptionID string
	ExternalInvoiceID      string
}

func (InvoicePaymentFailed) Kind() EventKind { return KindInvoicePaymentFailed }

// FundsReceived means the processor saw money arrive but has not settled it.
type FundsReceived struct {
	Envelope
	ProcessorReferenceID string
}

func (FundsReceived) Kind() EventKind { return KindBankTransferFundsReceived }

// FundsConfirmed means the transfer settled and may be credited.
type FundsConfirmed struct {
	Envelope
	Confirmation banktransferdomain.FundsConfirmed
}

func (FundsConfirmed) Kind() EventKind { return KindBankTransferFundsConfirmed }

// FundsFailed means the processor failed or canceled the transfer intent.
type FundsFailed struct {
	Envelope
	Failure banktransferdomain.FundsFailed
}

func (FundsFailed) Kind() EventKind { return KindBankTransferFundsFailed }
