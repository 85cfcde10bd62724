package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AdjustmentType is the direction of a balance movement.
type AdjustmentType string

const (
	AdjustmentTypeCredit AdjustmentType = "credit"
	AdjustmentTypeDebit  AdjustmentType = "debit"
)

// ReferenceType names the business object an adjustment settles. Together
// with ReferenceID it is unique: one object moves money at most once.
type ReferenceType string

const (
	ReferenceTypeBankTransfer ReferenceType = "bank_transfer"
	ReferenceTypeSubscription ReferenceType = "subscription"
	ReferenceTypeCreditNote   ReferenceType = "credit_note"
	ReferenceTypeManual       ReferenceType = "manual"
)

// Adjustment is an append-only balance movement. Amount is signed: credits
// are positive and debits negative.
type Adjustment struct {
	ID                    snowflake.ID   `gorm:"primaryKey" json:"id"`
	UserID                snowflake.ID   `gorm:"column:user_id;not null;index" json:"user_id"`
	Amount                int64          `gorm:"not null" json:"amount"`
	Currency              string         `gorm:"type:text;not null" json:"currency"`
	Type                  AdjustmentType `gorm:"type:text;not null" json:"type"`
	ReferenceType         ReferenceType  `gorm:"column:reference_type;type:text;not null" json:"reference_type"`
	ReferenceID           string         `gorm:"column:reference_id;type:text;not null" json:"reference_id"`
	ExternalTransactionID *string        `gorm:"column:external_transaction_id" json:"external_transaction_id,omitempty"`
	Description           string         `gorm:"type:text;not null;default:''" json:"description"`
	CreatedAt             time.Time      `gorm:"not null" json:"created_at"`
}

func (Adjustment) TableName() string { return "ledger_adjustments" }

// UserBalance caches the sum of a user's adjustments in one currency.
type UserBalance struct {
	UserID    snowflake.ID `gorm:"primaryKey;column:user_id" json:"user_id"`
	Currency  string       `gorm:"primaryKey" json:"currency"`
	Balance   int64        `gorm:"not null" json:"balance"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (UserBalance) TableName() string { return "user_balances" }
