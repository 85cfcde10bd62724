package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Service interface {
	// Table returns the jurisdiction table: stored rows merged over the
	// policy defaults.
	Table(ctx context.Context) (JurisdictionTable, error)
	ClassifyParties(ctx context.Context, sellerID, buyerID snowflake.ID) (ClassifyResponse, error)
	UpsertJurisdiction(ctx context.Context, req UpsertJurisdictionRequest) (Jurisdiction, error)
	ListJurisdictions(ctx context.Context) ([]Jurisdiction, error)
}

type ClassifyRequest struct {
	SellerID string `json:"seller_id" binding:"required"`
	BuyerID  string `json:"buyer_id" binding:"required"`
	Amount   *int64 `json:"amount,omitempty"`
}

type ClassifyResponse struct {
	Classification
	Seller Party         `json:"seller"`
	Buyer  Party         `json:"buyer"`
	VAT    *VATBreakdown `json:"vat,omitempty"`
}

type UpsertJurisdictionRequest struct {
	CountryCode  string          `json:"country_code" binding:"required,len=2"`
	Bloc         string          `json:"bloc"`
	StandardRate decimal.Decimal `json:"standard_rate"`
}

var (
	ErrInvalidCountry = errors.New("invalid_country_code")
	ErrInvalidRate    = errors.New("invalid_standard_rate")
	ErrInvalidParty   = errors.New("invalid_party_id")
)
