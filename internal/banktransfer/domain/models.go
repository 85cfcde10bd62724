package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusAwaitingFunds Status = "awaiting_funds"
	StatusProcessing    Status = "processing"
	StatusCompleted     Status = "completed"
	StatusExpired       Status = "expired"
	StatusFailed        Status = "failed"
)

var rank = map[Status]int{
	StatusPending:       0,
	StatusAwaitingFunds: 1,
	StatusProcessing:    2,
	StatusCompleted:     3,
}

// Terminal statuses take no further payer action. Expired and failed
// requests still move to completed if the processor settles them late.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusFailed
}

// AtLeast reports whether s has progressed as far as target on the
// funding path. Expired and failed are off the path and never count.
func (s Status) AtLeast(target Status) bool {
	r, ok := rank[s]
	if !ok {
		return false
	}
	t, ok := rank[target]
	if !ok {
		return false
	}
	return r >= t
}

// Cancellable statuses are those still waiting on the payer.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusAwaitingFunds
}

type Request struct {
	ID                    snowflake.ID   `gorm:"primaryKey" json:"id"`
	UserID                snowflake.ID   `gorm:"column:user_id;not null;index" json:"user_id"`
	Amount                int64          `gorm:"not null" json:"amount"`
	Currency              string         `gorm:"type:text;not null" json:"currency"`
	Status                Status         `gorm:"type:text;not null" json:"status"`
	ProcessorReferenceID  string         `gorm:"column:processor_reference_id;uniqueIndex;not null" json:"processor_reference_id"`
	IdempotencyKey        string         `gorm:"column:idempotency_key;not null" json:"-"`
	Instructions          datatypes.JSON `gorm:"type:jsonb;not null" json:"instructions"`
	ReferenceNumber       string         `gorm:"column:reference_number;not null" json:"reference_number"`
	HostedInstructionsURL string         `gorm:"column:hosted_instructions_url;not null" json:"hosted_instructions_url,omitempty"`
	ExpiresAt             time.Time      `gorm:"not null" json:"expires_at"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
	FailureReason         *string        `json:"failure_reason,omitempty"`
	CreatedAt             time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"not null" json:"updated_at"`
}

func (Request) TableName() string { return "bank_transfer_requests" }
