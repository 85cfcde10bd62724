package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type ApplyRequest struct {
	UserID                snowflake.ID
	Amount                int64 // always positive; Type decides the sign
	Currency              string
	Type                  AdjustmentType
	ReferenceType         ReferenceType
	ReferenceID           string
	ExternalTransactionID *string
	Description           string
}

type ApplyResult struct {
	Adjustment Adjustment `json:"adjustment"`
	Applied    bool       `json:"applied"`
}

type BalanceResponse struct {
	UserID   snowflake.ID `json:"user_id"`
	Currency string       `json:"currency"`
	Balance  int64        `json:"balance"`
}

type ListRequest struct {
	UserID snowflake.ID
	pagination.Pagination
}

type ListResponse struct {
	Items    []Adjustment        `json:"items"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Service interface {
	Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error)
	// ApplyTx runs inside the caller's transaction.
	ApplyTx(ctx context.Context, tx *gorm.DB, req ApplyRequest) (ApplyResult, error)
	Balance(ctx context.Context, userID snowflake.ID, currency string) (BalanceResponse, error)
	ListByUser(ctx context.Context, req ListRequest) (ListResponse, error)
	RecomputeBalance(ctx context.Context, userID snowflake.ID, currency string) (BalanceResponse, error)
}

var (
	ErrInvalidUser      = errors.New("invalid_user_id")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrInvalidType      = errors.New("invalid_adjustment_type")
	ErrInvalidReference = errors.New("invalid_reference")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
