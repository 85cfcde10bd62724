package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Treatment is the VAT regime applied to a supply between two parties.
// Values are persisted on invoices; do not rename.
type Treatment string

const (
	TreatmentStandard      Treatment = "standard"
	TreatmentReverseCharge Treatment = "reverse_charge"
	TreatmentExempt        Treatment = "exempt"
	TreatmentZeroRated     Treatment = "zero_rated"
)

func (t Treatment) Valid() bool {
	switch t {
	case TreatmentStandard, TreatmentReverseCharge, TreatmentExempt, TreatmentZeroRated:
		return true
	}
	return false
}

// Party is the tax-relevant view of a seller, buyer or the platform itself.
type Party struct {
	CountryCode string  `json:"country_code"`
	VATNumber   *string `json:"vat_number,omitempty"`
	VATVerified bool    `json:"vat_verified"`
	TaxExempt   bool    `json:"tax_exempt"`
}

func (p Party) country() string {
	return strings.ToUpper(strings.TrimSpace(p.CountryCode))
}

// Jurisdiction is one row of the bloc membership table. An empty Bloc means
// the country belongs to no bloc.
type Jurisdiction struct {
	CountryCode  string          `gorm:"primaryKey;column:country_code;size:2" json:"country_code"`
	Bloc         string          `gorm:"not null;default:''" json:"bloc"`
	StandardRate decimal.Decimal `gorm:"column:standard_rate;type:numeric(6,4);not null" json:"standard_rate"`
	UpdatedAt    time.Time       `gorm:"not null" json:"updated_at"`
}

func (Jurisdiction) TableName() string { return "tax_jurisdictions" }

// Classification is the outcome of Classify.
type Classification struct {
	Treatment Treatment       `json:"tax_treatment"`
	VATRate   decimal.Decimal `json:"vat_rate"`
}

// VATBreakdown is the VAT computation for one document.
type VATBreakdown struct {
	NetAmount    int64           `json:"net_amount"`
	VATRate      decimal.Decimal `json:"vat_rate"`
	VATAmount    int64           `json:"vat_amount"`
	GrossAmount  int64           `json:"gross_amount"`
	TaxTreatment Treatment       `json:"tax_treatment"`
}

// Balanced reports whether gross equals net plus VAT.
func (b VATBreakdown) Balanced() bool {
	return b.GrossAmount == b.NetAmount+b.VATAmount
}
