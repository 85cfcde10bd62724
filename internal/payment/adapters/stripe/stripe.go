package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	paymentdomain "github.com/smallbiznis/marketledger/internal/payment/domain"
	processor "github.com/smallbiznis/marketledger/internal/providers/stripe"
	subscriptiondomain "github.com/smallbiznis/marketledger/internal/subscription/domain"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

const (
	Provider        = "stripe"
	SignatureHeader = "Stripe-Signature"

	paymentMethodCustomerBalance = "customer_balance"
)

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func New(webhookSecret string) *Adapter {
	return &Adapter{
		webhookSecret: strings.TrimSpace(webhookSecret),
		tolerance:     webhook.DefaultTolerance,
	}
}

func (a *Adapter) Provider() string {
	return Provider
}

func (a *Adapter) Construct(ctx context.Context, payload []byte, headers http.Header) (paymentdomain.Event, error) {
	if a.webhookSecret == "" {
		return nil, paymentdomain.ErrProviderNotFound
	}
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, paymentdomain.ErrInvalidSignature
		}
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	envelope := paymentdomain.Envelope{
		ID:       event.ID,
		Occurred: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case stripego.EventTypeCustomerSubscriptionCreated:
		return parseSubscription(envelope, event.Data.Raw, subscriptiondomain.EventCreated)
	case stripego.EventTypeCustomerSubscriptionUpdated:
		return parseSubscription(envelope, event.Data.Raw, subscriptiondomain.EventUpdated)
	case stripego.EventTypeCustomerSubscriptionDeleted:
		return parseSubscription(envelope, event.Data.Raw, subscriptiondomain.EventDeleted)
	case stripego.EventTypeInvoicePaymentFailed:
		return parseInvoiceFailed(envelope, event.Data.Raw)
	case stripego.EventTypePaymentIntentProcessing, stripego.EventTypePaymentIntentPartiallyFunded:
		return parseFundsReceived(envelope, event.Data.Raw)
	case stripego.EventTypeCustomerCashBalanceTransactionCreated:
		return parseCashBalanceTransaction(envelope, event.Data.Raw)
	case stripego.EventTypePaymentIntentSucceeded:
		return parseFundsConfirmed(envelope, event.Data.Raw)
	case stripego.EventTypePaymentIntentPaymentFailed, stripego.EventTypePaymentIntentCanceled:
		return parseFundsFailed(envelope, event.Data.Raw)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func parseSubscription(envelope paymentdomain.Envelope, raw json.RawMessage, eventType subscriptiondomain.EventType) (paymentdomain.Event, error) {
	var sub stripego.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	lifecycle := subscriptiondomain.LifecycleEvent{
		Type:                   eventType,
		ExternalSubscriptionID: sub.ID,
		Status:                 subscriptiondomain.Status(sub.Status),
		CurrentPeriodStart:     unixPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       unixPtr(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		TrialEnd:               unixPtr(sub.TrialEnd),
		OccurredAt:             envelope.Occurred,
	}
	if sub.Customer != nil {
		lifecycle.ExternalCustomerID = sub.Customer.ID
	}
	if sub.Metadata != nil {
		lifecycle.UserID = parseUserID(sub.Metadata[processor.MetadataUserID])
		lifecycle.Tier = strings.TrimSpace(sub.Metadata[processor.MetadataTier])
		lifecycle.BillingPeriod = strings.TrimSpace(sub.Metadata[processor.MetadataBillingPeriod])
	}

	return paymentdomain.SubscriptionChanged{Envelope: envelope, Lifecycle: lifecycle}, nil
}

func parseInvoiceFailed(envelope paymentdomain.Envelope, raw json.RawMessage) (paymentdomain.Event, error) {
	var invoice stripego.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	// One-off invoices carry no subscription and have nothing to project.
	if invoice.Subscription == nil || strings.TrimSpace(invoice.Subscription.ID) == "" {
		return nil, paymentdomain.ErrEventIgnored
	}
	return paymentdomain.InvoicePaymentFailed{
		Envelope:               envelope,
		ExternalSubscriptionID: invoice.Subscription.ID,
		ExternalInvoiceID:      invoice.ID,
	}, nil
}

func parseFundsReceived(envelope paymentdomain.Envelope, raw json.RawMessage) (paymentdomain.Event, error) {
	intent, err := decodeBankTransferIntent(raw)
	if err != nil {
		return nil, err
	}
	return paymentdomain.FundsReceived{Envelope: envelope, ProcessorReferenceID: intent.ID}, nil
}

func parseCashBalanceTransaction(envelope paymentdomain.Envelope, raw json.RawMessage) (paymentdomain.Event, error) {
	var txn stripego.CustomerCashBalanceTransaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	// Unapplied funding lands on the customer balance, not on a request.
	if txn.Type != stripego.CustomerCashBalanceTransactionTypeAppliedToPayment ||
		txn.AppliedToPayment == nil ||
		txn.AppliedToPayment.PaymentIntent == nil ||
		strings.TrimSpace(txn.AppliedToPayment.PaymentIntent.ID) == "" {
		return nil, paymentdomain.ErrEventIgnored
	}
	return paymentdomain.FundsReceived{
		Envelope:             envelope,
		ProcessorReferenceID: txn.AppliedToPayment.PaymentIntent.ID,
	}, nil
}

func parseFundsConfirmed(envelope paymentdomain.Envelope, raw json.RawMessage) (paymentdomain.Event, error) {
	intent, err := decodeBankTransferIntent(raw)
	if err != nil {
		return nil, err
	}

	confirmation := banktransferdomain.FundsConfirmed{
		ProcessorReferenceID: intent.ID,
		Currency:             strings.ToUpper(string(intent.Currency)),
	}
	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	if amount > 0 {
		confirmation.Amount = &amount
	}
	if intent.LatestCharge != nil && strings.TrimSpace(intent.LatestCharge.ID) != "" {
		chargeID := intent.LatestCharge.ID
		confirmation.ExternalTransactionID = &chargeID
	}

	return paymentdomain.FundsConfirmed{Envelope: envelope, Confirmation: confirmation}, nil
}

func parseFundsFailed(envelope paymentdomain.Envelope, raw json.RawMessage) (paymentdomain.Event, error) {
	intent, err := decodeBankTransferIntent(raw)
	if err != nil {
		return nil, err
	}

	reason := "canceled"
	switch {
	case intent.LastPaymentError != nil && intent.LastPaymentError.Code != "":
		reason = string(intent.LastPaymentError.Code)
	case intent.LastPaymentError != nil:
		reason = "payment_failed"
	case intent.CancellationReason != "":
		reason = "canceled_" + string(intent.CancellationReason)
	}
	return paymentdomain.FundsFailed{
		Envelope: envelope,
		Failure: banktransferdomain.FundsFailed{
			ProcessorReferenceID: intent.ID,
			Reason:               reason,
		},
	}, nil
}

// decodeBankTransferIntent returns ErrEventIgnored for intents that were not
// funded from the customer balance, such as card renewals.
func decodeBankTransferIntent(raw json.RawMessage) (*stripego.PaymentIntent, error) {
	var intent stripego.PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	for _, method := range intent.PaymentMethodTypes {
		if method == paymentMethodCustomerBalance {
			return &intent, nil
		}
	}
	return nil, paymentdomain.ErrEventIgnored
}

func parseUserID(value string) snowflake.ID {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func unixPtr(value int64) *time.Time {
	if value <= 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}
