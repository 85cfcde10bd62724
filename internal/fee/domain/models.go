package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const (
	RoleDefault      = "default"
	OrderTypeDefault = "default"
	OrderTypeService = "service"
	roleApprentice   = "apprentice"
	maxPercent       = 100
	percentBase      = 100
)

// Source names the layer that answered a fee lookup.
type Source string

const (
	SourceStoreExact        Source = "store_exact"
	SourceStoreRoleDefault  Source = "store_role_default"
	SourceStoreDefaultType  Source = "store_default_type"
	SourceStaticExact       Source = "static_exact"
	SourceStaticRoleDefault Source = "static_role_default"
	SourceStaticDefaultType Source = "static_default_type"
	SourceGlobal            Source = "global"
)

// FeeTier is one row of the mutable fee configuration store.
type FeeTier struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	Role       string          `gorm:"not null" json:"role"`
	OrderType  string          `gorm:"column:order_type;not null" json:"order_type"`
	FeePercent decimal.Decimal `gorm:"column:fee_percent;type:numeric(5,2);not null" json:"fee_percent"`
	CreatedAt  time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"not null" json:"updated_at"`
}

func (FeeTier) TableName() string { return "fee_tiers" }

type Resolution struct {
	Percent   decimal.Decimal `json:"fee_percent"`
	Source    Source          `json:"source"`
	Role      string          `json:"role"`
	OrderType string          `json:"order_type"`
}

// Breakdown is the split of one order amount in minor units.
type Breakdown struct {
	Amount       int64           `json:"amount"`
	Currency     string          `json:"currency"`
	FeePercent   decimal.Decimal `json:"fee_percent"`
	FeeAmount    int64           `json:"fee_amount"`
	SellerAmount int64           `json:"seller_amount"`
}

// Balanced reports whether fee and seller shares add back to the amount.
func (b Breakdown) Balanced() bool {
	return b.FeeAmount+b.SellerAmount == b.Amount
}

// Split divides amount between platform fee and seller using round-half-up.
// Percent is clamped to [0,100]. Split never fails.
func Split(amount int64, percent decimal.Decimal, currency string) Breakdown {
	p := ClampPercent(percent)
	fee := decimal.NewFromInt(amount).
		Mul(p).
		Div(decimal.NewFromInt(percentBase)).
		Round(0).
		IntPart()
	return Breakdown{
		Amount:       amount,
		Currency:     strings.ToUpper(strings.TrimSpace(currency)),
		FeePercent:   p,
		FeeAmount:    fee,
		SellerAmount: amount - fee,
	}
}

func ClampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(decimal.NewFromInt(maxPercent)) {
		return decimal.NewFromInt(maxPercent)
	}
	return p
}

func ValidPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && !p.GreaterThan(decimal.NewFromInt(maxPercent))
}

// GlobalDefault is the last-resort percent when no configured layer answers.
func GlobalDefault(role, orderType string) decimal.Decimal {
	service := NormalizeOrderType(orderType) == OrderTypeService
	if NormalizeRole(role) == roleApprentice {
		if service {
			return decimal.NewFromInt(7)
		}
		return decimal.NewFromInt(5)
	}
	if service {
		return decimal.NewFromInt(10)
	}
	return decimal.NewFromInt(8)
}

func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return RoleDefault
	}
	return role
}

func NormalizeOrderType(orderType string) string {
	orderType = strings.ToLower(strings.TrimSpace(orderType))
	switch orderType {
	case "", OrderTypeDefault, "standard", "product":
		return OrderTypeDefault
	case OrderTypeService, "retainer", "recurring":
		return OrderTypeService
	default:
		return orderType
	}
}
