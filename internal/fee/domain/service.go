package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type PreviewRequest struct {
	SellerID  snowflake.ID
	OrderType string
	Amount    int64
	Currency  string
}

type PreviewResponse struct {
	Resolution Resolution `json:"resolution"`
	Breakdown  Breakdown  `json:"breakdown"`
}

type UpsertTierRequest struct {
	Role       string
	OrderType  string
	FeePercent decimal.Decimal
}

type Service interface {
	// ResolveFee never fails: configuration errors degrade to the next layer.
	ResolveFee(ctx context.Context, sellerID snowflake.ID, orderType string) Resolution
	Preview(ctx context.Context, req PreviewRequest) (PreviewResponse, error)
	UpsertTier(ctx context.Context, req UpsertTierRequest) (FeeTier, error)
	ListTiers(ctx context.Context) ([]FeeTier, error)
}

var (
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrInvalidPercent  = errors.New("invalid_fee_percent")
	ErrInvalidRole     = errors.New("invalid_role")
	ErrInvalidSeller   = errors.New("invalid_seller_id")
)
