// Package stripetest provides a testify mock of the processor client.
package stripetest

import (
	"context"

	"github.com/smallbiznis/marketledger/internal/providers/stripe"
	"github.com/stretchr/testify/mock"
)

type Client struct {
	mock.Mock
}

var _ stripe.Client = (*Client)(nil)

func (m *Client) CreateCustomer(ctx context.Context, in stripe.CustomerInput) (string, error) {
	args := m.Called(ctx, in)
	return args.String(0), args.Error(1)
}

func (m *Client) CreateBankTransferIntent(ctx context.Context, in stripe.BankTransferInput) (stripe.BankTransferIntent, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(stripe.BankTransferIntent), args.Error(1)
}

func (m *Client) CancelPaymentIntent(ctx context.Context, intentID string) error {
	return m.Called(ctx, intentID).Error(0)
}

func (m *Client) CreateCheckoutSession(ctx context.Context, in stripe.CheckoutInput) (stripe.CheckoutSession, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(stripe.CheckoutSession), args.Error(1)
}

func (m *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	return m.Called(ctx, subscriptionID, cancel).Error(0)
}
