package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// JurisdictionTable answers bloc membership and standard rate questions.
// The zero value knows no countries and uses a zero default rate.
type JurisdictionTable struct {
	byCountry   map[string]Jurisdiction
	defaultRate decimal.Decimal
	domestic    string
}

// NewJurisdictionTable builds a table; later rows replace earlier rows for the
// same country.
func NewJurisdictionTable(defaultRate decimal.Decimal, rows ...Jurisdiction) JurisdictionTable {
	t := JurisdictionTable{
		byCountry:   make(map[string]Jurisdiction, len(rows)),
		defaultRate: defaultRate,
	}
	for _, row := range rows {
		code := strings.ToUpper(strings.TrimSpace(row.CountryCode))
		if code == "" {
			continue
		}
		row.CountryCode = code
		row.Bloc = strings.ToUpper(strings.TrimSpace(row.Bloc))
		t.byCountry[code] = row
	}
	return t
}

// WithDomestic marks country as the home jurisdiction. Its rate replaces the
// table default for unlisted countries.
func (t JurisdictionTable) WithDomestic(country string) JurisdictionTable {
	t.domestic = strings.ToUpper(strings.TrimSpace(country))
	return t
}

func (t JurisdictionTable) Domestic() string {
	return t.domestic
}

func (t JurisdictionTable) Lookup(country string) (Jurisdiction, bool) {
	j, ok := t.byCountry[strings.ToUpper(strings.TrimSpace(country))]
	return j, ok
}

func (t JurisdictionTable) Bloc(country string) string {
	j, _ := t.Lookup(country)
	return j.Bloc
}

// Rate returns the standard rate for country. Unlisted countries get the
// domestic rate, then the table default.
func (t JurisdictionTable) Rate(country string) decimal.Decimal {
	if j, ok := t.Lookup(country); ok {
		return j.StandardRate
	}
	if j, ok := t.byCountry[t.domestic]; ok && t.domestic != "" {
		return j.StandardRate
	}
	return t.defaultRate
}

// Rows returns every jurisdiction in the table.
func (t JurisdictionTable) Rows() []Jurisdiction {
	out := make([]Jurisdiction, 0, len(t.byCountry))
	for _, j := range t.byCountry {
		out = append(out, j)
	}
	return out
}

// Classify decides the VAT treatment of a supply from seller to buyer. The
// first matching rule wins:
//
//  1. either party exempt: exempt at 0
//  2. same country: standard at the seller's rate
//  3. verified buyer in the seller's (non-empty) bloc: reverse charge at 0
//  4. buyer outside the seller's bloc, or seller in no bloc and a different
//     country: zero rated at 0
//  5. standard at the seller's rate
//
// A buyer without a country is never zero rated.
func Classify(seller, buyer Party, table JurisdictionTable) Classification {
	if seller.TaxExempt || buyer.TaxExempt {
		return Classification{Treatment: TreatmentExempt, VATRate: decimal.Zero}
	}

	sellerCountry := seller.country()
	buyerCountry := buyer.country()
	standard := Classification{Treatment: TreatmentStandard, VATRate: table.Rate(sellerCountry)}

	if buyerCountry == "" || sellerCountry == buyerCountry {
		return standard
	}

	sellerBloc := table.Bloc(sellerCountry)
	buyerBloc := table.Bloc(buyerCountry)

	if buyer.VATVerified && sellerBloc != "" && buyerBloc == sellerBloc {
		return Classification{Treatment: TreatmentReverseCharge, VATRate: decimal.Zero}
	}
	if sellerBloc == "" || buyerBloc != sellerBloc {
		return Classification{Treatment: TreatmentZeroRated, VATRate: decimal.Zero}
	}
	return standard
}

// ComputeVAT applies a classification to a net amount in minor units. VAT is
// rounded half up; anything other than standard treatment carries no VAT.
func ComputeVAT(net int64, c Classification) VATBreakdown {
	out := VATBreakdown{
		NetAmount:    net,
		VATRate:      c.VATRate,
		TaxTreatment: c.Treatment,
	}
	if c.Treatment != TreatmentStandard || c.VATRate.Sign() <= 0 {
		out.VATRate = decimal.Zero
		out.GrossAmount = net
		return out
	}
	out.VATAmount = decimal.NewFromInt(net).Mul(c.VATRate).Round(0).IntPart()
	out.GrossAmount = net + out.VATAmount
	return out
}
