package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type UpdateTaxProfileRequest struct {
	CountryCode string  `json:"country_code" validate:"required,iso3166_1_alpha2"`
	VATNumber   *string `json:"vat_number" validate:"omitempty,vatnumber"`
	TaxExempt   bool    `json:"tax_exempt"`
}

type Service interface {
	GetProfile(ctx context.Context, userID snowflake.ID) (Profile, error)
	UpdateTaxProfile(ctx context.Context, userID snowflake.ID, req UpdateTaxProfileRequest) (Profile, error)
	SetVATVerified(ctx context.Context, userID snowflake.ID, verified bool) error
	// SetExternalCustomerID records a processor customer id the first time
	// one is created and returns the id that is stored afterwards.
	SetExternalCustomerID(ctx context.Context, userID snowflake.ID, externalID string) (string, error)
}

var (
	ErrInvalidUserID     = errors.New("invalid_user_id")
	ErrInvalidCountry    = errors.New("invalid_country_code")
	ErrInvalidVATNumber  = errors.New("invalid_vat_number")
	ErrInvalidCustomerID = errors.New("invalid_external_customer_id")
	ErrNotFound          = errors.New("profile_not_found")
)
