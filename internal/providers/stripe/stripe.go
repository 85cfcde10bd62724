package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/marketledger/internal/config"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"
)

const euBankTransfer = "eu_bank_transfer"

type Params struct {
	Cfg config.Config
	Log *zap.Logger
	// Backends overrides the API endpoint, used by tests.
	Backends *stripego.Backends
}

type api struct {
	sc               *client.API
	log              *zap.Logger
	bankTransferType string
	euCountry        string
}

// New returns a processor client. Without a secret key every call fails
// with ErrNotConfigured.
func New(p Params) Client {
	log := p.Log.Named("stripe.client")
	key := strings.TrimSpace(p.Cfg.Stripe.SecretKey)
	if key == "" {
		log.Warn("stripe secret key not set, processor calls are disabled")
		return &api{log: log}
	}
	return &api{
		sc:               client.New(key, p.Backends),
		log:              log,
		bankTransferType: strings.TrimSpace(p.Cfg.Stripe.BankTransferType),
		euCountry:        strings.ToUpper(strings.TrimSpace(p.Cfg.Stripe.EUCountry)),
	}
}

func (a *api) CreateCustomer(ctx context.Context, in CustomerInput) (string, error) {
	if a.sc == nil {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(in.UserID) == "" {
		return "", ErrInvalidInput
	}

	params := &stripego.CustomerParams{}
	params.Context = ctx
	if email := strings.TrimSpace(in.Email); email != "" {
		params.Email = stripego.String(email)
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		params.Name = stripego.String(name)
	}
	params.AddMetadata(MetadataUserID, in.UserID)
	params.SetIdempotencyKey("customer-" + in.UserID)

	cust, err := a.sc.Customers.New(params)
	if err != nil {
		a.log.Error("create customer failed", zap.String("user_id", in.UserID), zap.Error(err))
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	return cust.ID, nil
}

func (a *api) CreateBankTransferIntent(ctx context.Context, in BankTransferInput) (BankTransferIntent, error) {
	if a.sc == nil {
		return BankTransferIntent{}, ErrNotConfigured
	}
	if in.CustomerID == "" || in.Amount <= 0 || len(in.Currency) != 3 {
		return BankTransferIntent{}, ErrInvalidInput
	}

	transfer := &stripego.PaymentIntentPaymentMethodOptionsCustomerBalanceBankTransferParams{
		Type: stripego.String(a.bankTransferType),
	}
	if a.bankTransferType == euBankTransfer {
		transfer.EUBankTransfer = &stripego.PaymentIntentPaymentMethodOptionsCustomerBalanceBankTransferEUBankTransferParams{
			Country: stripego.String(a.euCountry),
		}
	}

	params := &stripego.PaymentIntentParams{
		Amount:             stripego.Int64(in.Amount),
		Currency:           stripego.String(strings.ToLower(in.Currency)),
		Customer:           stripego.String(in.CustomerID),
		Confirm:            stripego.Bool(true),
		PaymentMethodTypes: stripego.StringSlice([]string{"customer_balance"}),
		PaymentMethodData: &stripego.PaymentIntentPaymentMethodDataParams{
			Type: stripego.String("customer_balance"),
		},
		PaymentMethodOptions: &stripego.PaymentIntentPaymentMethodOptionsParams{
			CustomerBalance: &stripego.PaymentIntentPaymentMethodOptionsCustomerBalanceParams{
				FundingType:  stripego.String("bank_transfer"),
				BankTransfer: transfer,
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, in.UserID)
	key := in.IdempotencyKey
	if key == "" {
		key = ulid.Make().String()
	}
	params.SetIdempotencyKey(key)

	pi, err := a.sc.PaymentIntents.New(params)
	if err != nil {
		a.log.Error("create bank transfer intent failed", zap.String("user_id", in.UserID), zap.Error(err))
		return BankTransferIntent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	out := BankTransferIntent{IntentID: pi.ID}
	if pi.NextAction != nil && pi.NextAction.DisplayBankTransferInstructions != nil {
		instr := pi.NextAction.DisplayBankTransferInstructions
		out.ReferenceNumber = instr.Reference
		out.HostedInstructionsURL = instr.HostedInstructionsURL
		raw, err := json.Marshal(instr)
		if err != nil {
			return BankTransferIntent{}, fmt.Errorf("stripe: encode instructions: %w", err)
		}
		out.Instructions = raw
	}
	if len(out.Instructions) == 0 {
		out.Instructions = json.RawMessage(`{}`)
	}
	return out, nil
}

func (a *api) CancelPaymentIntent(ctx context.Context, intentID string) error {
	if a.sc == nil {
		return ErrNotConfigured
	}
	params := &stripego.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := a.sc.PaymentIntents.Cancel(intentID, params); err != nil {
		return fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	return nil
}

func (a *api) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (CheckoutSession, error) {
	if a.sc == nil {
		return CheckoutSession{}, ErrNotConfigured
	}
	if in.CustomerID == "" || in.PriceID == "" {
		return CheckoutSession{}, ErrInvalidInput
	}

	metadata := map[string]string{
		MetadataUserID:        in.UserID,
		MetadataTier:          in.Tier,
		MetadataBillingPeriod: in.BillingPeriod,
	}
	subData := &stripego.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	if in.TrialDays > 0 {
		subData.TrialPeriodDays = stripego.Int64(int64(in.TrialDays))
	}

	params := &stripego.CheckoutSessionParams{
		Mode:       stripego.String(string(stripego.CheckoutSessionModeSubscription)),
		Customer:   stripego.String(in.CustomerID),
		SuccessURL: stripego.String(in.SuccessURL),
		CancelURL:  stripego.String(in.CancelURL),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{Price: stripego.String(in.PriceID), Quantity: stripego.Int64(1)},
		},
		SubscriptionData: subData,
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(ulid.Make().String())

	sess, err := a.sc.CheckoutSessions.New(params)
	if err != nil {
		a.log.Error("create checkout session failed", zap.String("user_id", in.UserID), zap.Error(err))
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	out := CheckoutSession{ID: sess.ID, URL: sess.URL}
	if sess.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return out, nil
}

func (a *api) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	if a.sc == nil {
		return ErrNotConfigured
	}
	if strings.TrimSpace(subscriptionID) == "" {
		return ErrInvalidInput
	}
	params := &stripego.SubscriptionParams{CancelAtPeriodEnd: stripego.Bool(cancel)}
	params.Context = ctx
	if _, err := a.sc.Subscriptions.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("stripe: update subscription: %w", err)
	}
	return nil
}
