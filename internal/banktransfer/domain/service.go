package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/smallbiznis/marketledger/internal/customer/domain"
	"github.com/smallbiznis/marketledger/pkg/db/pagination"
)

type CreateRequest struct {
	UserID   snowflake.ID `json:"-"`
	Amount   int64        `json:"amount" binding:"required,gt=0"`
	Currency string       `json:"currency" binding:"required,len=3"`
}

// FundsConfirmed is the processor's confirmation that money arrived.
// Amount and Currency are optional; the request values apply when absent.
type FundsConfirmed struct {
	ProcessorReferenceID  string
	Amount                *int64
	Currency              string
	ExternalTransactionID *string
}

// FundsFailed means the processor gave up on the transfer before any money
// settled, either on a payment error or an upstream cancel.
type FundsFailed struct {
	ProcessorReferenceID string
	Reason               string
}

type ListRequest struct {
	UserID snowflake.ID
	pagination.Pagination
}

type ListResponse struct {
	Items    []Request           `json:"items"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type ExpireResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (Request, error)
	OnFundsReceived(ctx context.Context, processorRef string) error
	OnFundsConfirmed(ctx context.Context, evt FundsConfirmed) error
	OnFundsFailed(ctx context.Context, evt FundsFailed) error
	Cancel(ctx context.Context, id, userID snowflake.ID) (Request, error)
	ExpireOverdue(ctx context.Context, now time.Time, limit int) (ExpireResult, error)
	Get(ctx context.Context, id, userID snowflake.ID) (Request, error)
	ListByUser(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user_id")
	ErrInvalidID            = errors.New("invalid_bank_transfer_id")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
	ErrBelowMinimum         = errors.New("invalid_amount_below_minimum")
	ErrNotFound             = errors.New("bank_transfer_not_found")
	ErrNotOwner             = errors.New("bank_transfer_not_owner")
	ErrNotCancellable       = errors.New("bank_transfer_not_cancellable")
	ErrCurrencyMismatch     = errors.New("bank_transfer_currency_mismatch")
	ErrProcessorUnavailable = customerdomain.ErrProcessorUnavailable
)
