package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	RoleDefault    = "default"
	RoleApprentice = "apprentice"
	RoleExecutive  = "executive"
	RoleFounder    = "founder"
)

const (
	AccessRoleUser     = "user"
	AccessRoleOperator = "operator"
	AccessRoleSystem   = "system"
)

// Profile is the slice of a marketplace user this engine reads. Only
// ExternalCustomerID and the tax fields are ever written from here.
type Profile struct {
	UserID             snowflake.ID `gorm:"primaryKey;column:user_id" json:"user_id"`
	Email              string       `gorm:"not null" json:"email"`
	DisplayName        string       `gorm:"column:display_name" json:"display_name"`
	Role               string       `gorm:"not null;default:'default'" json:"role"`
	AccessRole         string       `gorm:"column:access_role;not null;default:'user'" json:"access_role"`
	CountryCode        string       `gorm:"column:country_code;size:2" json:"country_code"`
	VATNumber          *string      `gorm:"column:vat_number" json:"vat_number,omitempty"`
	VATVerified        bool         `gorm:"column:vat_verified;not null;default:false" json:"vat_verified"`
	TaxExempt          bool         `gorm:"column:tax_exempt;not null;default:false" json:"tax_exempt"`
	ExternalCustomerID *string      `gorm:"column:external_customer_id" json:"external_customer_id,omitempty"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Profile) TableName() string { return "user_profiles" }

// NormalizedRole maps an empty role to the default role.
func (p Profile) NormalizedRole() string {
	role := strings.ToLower(strings.TrimSpace(p.Role))
	if role == "" {
		return RoleDefault
	}
	return role
}

// VATPending reports a VAT number that has not been verified yet.
func (p Profile) VATPending() bool {
	return p.VATNumber != nil && strings.TrimSpace(*p.VATNumber) != "" && !p.VATVerified
}

func (p Profile) CustomerID() string {
	if p.ExternalCustomerID == nil {
		return ""
	}
	return strings.TrimSpace(*p.ExternalCustomerID)
}
