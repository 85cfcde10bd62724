package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type ComposeResponse struct {
	Invoice     Invoice  `json:"invoice"`
	PlatformFee *Invoice `json:"platform_fee,omitempty"`
	// Created is false when the drafts already existed for the order.
	Created bool `json:"created"`
}

type CreditNoteRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// RenderedDocument is a PDF ready for download.
type RenderedDocument struct {
	Filename string
	Content  []byte
}

type Service interface {
	ComposeForOrder(ctx context.Context, order Order) (ComposeResponse, error)
	Generate(ctx context.Context, id snowflake.ID) (Invoice, error)
	MarkSent(ctx context.Context, id snowflake.ID) (Invoice, error)
	MarkPaid(ctx context.Context, id snowflake.ID) (Invoice, error)
	Void(ctx context.Context, id snowflake.ID) (Invoice, error)
	Cancel(ctx context.Context, id snowflake.ID) (Invoice, error)
	IssueCreditNote(ctx context.Context, originalID snowflake.ID, reason string) (Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (Invoice, error)
	ListByOrder(ctx context.Context, orderID string) ([]Invoice, error)
	RenderPDF(ctx context.Context, id snowflake.ID) (RenderedDocument, error)
}

var (
	ErrInvalidInvoiceID   = errors.New("invalid_invoice_id")
	ErrInvalidOrder       = errors.New("invalid_order")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidReason      = errors.New("invalid_reason")
	ErrInvoiceNotFound    = errors.New("invoice_not_found")
	ErrInvalidTransition  = errors.New("invoice_invalid_transition")
	ErrAlreadyCredited    = errors.New("invoice_already_credited")
	ErrNotCreditable      = errors.New("invoice_not_creditable")
	ErrNotRenderable      = errors.New("invoice_not_renderable")
	ErrCurrencyMismatch   = errors.New("currency_mismatch")
	ErrInvariantViolation = errors.New("invariant_violation")
)
