// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
	"gorm.io/datatypes"
)

// DocumentType separates buyer-facing invoices from platform fee documents
// and corrections. Each type has its own number sequence.
type DocumentType string

const (
	DocumentTypeInvoice     DocumentType = "invoice"
	DocumentTypePlatformFee DocumentType = "platform_fee"
	DocumentTypeCreditNote  DocumentType = "credit_note"
)

// Status represents the document lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusGenerated Status = "generated"
	StatusSent      Status = "sent"
	StatusPaid      Status = "paid"
	StatusVoid      Status = "void"
	StatusCancelled Status = "cancelled"
)

// Issued reports whether the document has a number and is immutable.
func (s Status) Issued() bool {
	switch s {
	case StatusGenerated, StatusSent, StatusPaid, StatusVoid:
		return true
	}
	return false
}

// PartySnapshot freezes the issuer or recipient at compose time.
type PartySnapshot struct {
	UserID      string  `json:"user_id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Email       string  `json:"email,omitempty"`
	Address     string  `json:"address,omitempty"`
	CountryCode string  `json:"country_code"`
	VATNumber   *string `json:"vat_number,omitempty"`
	VATVerified bool    `json:"vat_verified"`
	TaxExempt   bool    `json:"tax_exempt"`
}

// Party returns the tax view of the snapshot.
func (p PartySnapshot) Party() taxdomain.Party {
	return taxdomain.Party{
		CountryCode: p.CountryCode,
		VATNumber:   p.VATNumber,
		VATVerified: p.VATVerified,
		TaxExempt:   p.TaxExempt,
	}
}

// Invoice is any issued document. SellerSnapshot is always the issuer and
// BuyerSnapshot the recipient; on a platform fee document the seller of the
// order is the recipient.
type Invoice struct {
	ID                snowflake.ID                      `gorm:"primaryKey" json:"id"`
	DocumentType      DocumentType                      `gorm:"column:document_type;type:text;not null" json:"document_type"`
	Status            Status                            `gorm:"type:text;not null" json:"status"`
	OrderID           string                            `gorm:"column:order_id;type:text;not null" json:"order_id"`
	SellerID          snowflake.ID                      `gorm:"column:seller_id;not null" json:"seller_id"`
	BuyerID           snowflake.ID                      `gorm:"column:buyer_id;not null" json:"buyer_id"`
	OriginalInvoiceID *snowflake.ID                     `gorm:"column:original_invoice_id" json:"original_invoice_id,omitempty"`
	InvoiceSequence   *int64                            `gorm:"column:invoice_sequence" json:"-"`
	InvoiceNumber     *string                           `gorm:"column:invoice_number" json:"invoice_number,omitempty"`
	Currency          string                            `gorm:"type:text;not null" json:"currency"`
	SellerSnapshot    datatypes.JSONType[PartySnapshot] `gorm:"column:seller_snapshot;not null" json:"seller"`
	BuyerSnapshot     datatypes.JSONType[PartySnapshot] `gorm:"column:buyer_snapshot;not null" json:"buyer"`
	TaxTreatment      taxdomain.Treatment               `gorm:"column:tax_treatment;type:text;not null" json:"tax_treatment"`
	VATRate           decimal.Decimal                   `gorm:"column:vat_rate;type:numeric(6,4);not null" json:"vat_rate"`
	NetAmount         int64                             `gorm:"column:net_amount;not null" json:"net_amount"`
	VATAmount         int64                             `gorm:"column:vat_amount;not null" json:"vat_amount"`
	GrossAmount       int64                             `gorm:"column:gross_amount;not null" json:"gross_amount"`
	Subtotal          int64                             `gorm:"not null" json:"subtotal"`
	Total             int64                             `gorm:"not null" json:"total"`
	FeePercent        *decimal.Decimal                  `gorm:"column:fee_percent;type:numeric(5,2)" json:"fee_percent,omitempty"`
	Note              string                            `gorm:"type:text;not null;default:''" json:"note,omitempty"`
	IssuedAt          *time.Time                        `json:"issued_at,omitempty"`
	SentAt            *time.Time                        `json:"sent_at,omitempty"`
	PaidAt            *time.Time                        `json:"paid_at,omitempty"`
	VoidedAt          *time.Time                        `json:"voided_at,omitempty"`
	CreatedAt         time.Time                         `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time                         `gorm:"not null" json:"updated_at"`
	Lines             []LineItem                        `gorm:"-" json:"lines"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// VAT returns the VAT breakdown stored on the document.
func (i Invoice) VAT() taxdomain.VATBreakdown {
	return taxdomain.VATBreakdown{
		NetAmount:    i.NetAmount,
		VATRate:      i.VATRate,
		VATAmount:    i.VATAmount,
		GrossAmount:  i.GrossAmount,
		TaxTreatment: i.TaxTreatment,
	}
}

// LineItem is one line of a document.
type LineItem struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID `gorm:"column:invoice_id;not null;index" json:"-"`
	Position    int          `gorm:"not null" json:"position"`
	Description string       `gorm:"type:text;not null" json:"description"`
	Quantity    int64        `gorm:"not null" json:"quantity"`
	UnitAmount  int64        `gorm:"column:unit_amount;not null" json:"unit_amount"`
	Amount      int64        `gorm:"not null" json:"amount"`
	CreatedAt   time.Time    `gorm:"not null" json:"-"`
}

// TableName sets the database table name.
func (LineItem) TableName() string { return "invoice_line_items" }

// Order is the immutable order handed over at completion time.
type Order struct {
	OrderID   string       `json:"order_id" binding:"required"`
	Amount    int64        `json:"amount" binding:"gte=0"`
	Currency  string       `json:"currency" binding:"required,len=3"`
	SellerID  snowflake.ID `json:"seller_id" binding:"required"`
	BuyerID   snowflake.ID `json:"buyer_id" binding:"required"`
	OrderType string       `json:"order_type"`
}
