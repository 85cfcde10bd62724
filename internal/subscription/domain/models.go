// Package domain holds the local projection of processor-owned subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status mirrors the processor's subscription status verbatim.
type Status string

const (
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled,
		StatusUnpaid, StatusIncomplete, StatusIncompleteExpired, StatusPaused:
		return true
	}
	return false
}

// Entitled statuses unlock the subscribed tier's limits.
func (s Status) Entitled() bool {
	return s == StatusTrialing || s == StatusActive
}

// Subscription is keyed by user: a user holds at most one.
type Subscription struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID                 snowflake.ID `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	ExternalSubscriptionID string       `gorm:"column:external_subscription_id;uniqueIndex;not null" json:"external_subscription_id"`
	ExternalCustomerID     string       `gorm:"column:external_customer_id;not null" json:"external_customer_id,omitempty"`
	Tier                   string       `gorm:"type:text;not null" json:"tier"`
	BillingPeriod          string       `gorm:"column:billing_period;not null" json:"billing_period"`
	Status                 Status       `gorm:"type:text;not null" json:"status"`
	CurrentPeriodStart     *time.Time   `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time   `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool         `gorm:"not null;default:false" json:"cancel_at_period_end"`
	TrialEnd               *time.Time   `json:"trial_end,omitempty"`
	CanceledAt             *time.Time   `json:"canceled_at,omitempty"`
	LastEventAt            *time.Time   `json:"last_event_at,omitempty"`
	CreatedAt              time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "user_subscriptions" }

type EventType string

const (
	EventCreated       EventType = "subscription_created"
	EventUpdated       EventType = "subscription_updated"
	EventDeleted       EventType = "subscription_deleted"
	EventPaymentFailed EventType = "invoice_payment_failed"
)

// LifecycleEvent is a processor subscription change. UserID, Tier and
// BillingPeriod come from the metadata written at checkout and are zero
// when the processor object was not created through Checkout.
type LifecycleEvent struct {
	Type                   EventType
	ExternalSubscriptionID string
	ExternalCustomerID     string
	UserID                 snowflake.ID
	Tier                   string
	BillingPeriod          string
	Status                 Status
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	TrialEnd               *time.Time
	OccurredAt             time.Time
}

// Outcomes recorded per applied event.
const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
	OutcomeDropped = "dropped"
)

// Limit is a tier's allowance for one feature.
type Limit struct {
	Feature   string `json:"feature"`
	Tier      string `json:"tier"`
	Unlimited bool   `json:"unlimited"`
	Max       int64  `json:"max"`
}
