package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	feedomain "github.com/smallbiznis/marketledger/internal/fee/domain"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standard(rate string) taxdomain.Classification {
	return taxdomain.Classification{Treatment: taxdomain.TreatmentStandard, VATRate: decimal.RequireFromString(rate)}
}

func baseInput() ComposeInput {
	order := Order{OrderID: "ord_100", Amount: 10_000, Currency: "GBP", SellerID: 1, BuyerID: 2, OrderType: "default"}
	return ComposeInput{
		Order:             order,
		Breakdown:         feedomain.Split(order.Amount, decimal.NewFromInt(8), "GBP"),
		Treatment:         standard("0.20"),
		PlatformTreatment: standard("0.20"),
		Seller:            PartySnapshot{UserID: "1", CountryCode: "GB"},
		Buyer:             PartySnapshot{UserID: "2", CountryCode: "GB"},
		Platform:          PartySnapshot{Name: "Marketplace", CountryCode: "GB"},
	}
}

func TestComposeDomesticOrder(t *testing.T) {
	docs, err := Compose(baseInput())
	require.NoError(t, err)

	inv := docs.Invoice
	assert.Equal(t, DocumentTypeInvoice, inv.DocumentType)
	assert.Equal(t, StatusDraft, inv.Status)
	assert.Nil(t, inv.InvoiceNumber)
	assert.Equal(t, int64(10_000), inv.NetAmount)
	assert.Equal(t, int64(2_000), inv.VATAmount)
	assert.Equal(t, int64(12_000), inv.GrossAmount)
	assert.Equal(t, int64(12_000), inv.Total)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "1", inv.SellerSnapshot.Data().UserID)
	assert.Equal(t, "2", inv.BuyerSnapshot.Data().UserID)

	require.NotNil(t, docs.PlatformFee)
	fee := docs.PlatformFee
	assert.Equal(t, DocumentTypePlatformFee, fee.DocumentType)
	assert.Equal(t, int64(800), fee.NetAmount)
	assert.Equal(t, int64(160), fee.VATAmount)
	assert.Equal(t, int64(960), fee.Total)
	assert.Equal(t, "Marketplace", fee.SellerSnapshot.Data().Name)
	assert.Equal(t, "1", fee.BuyerSnapshot.Data().UserID)
	require.NotNil(t, fee.FeePercent)
	assert.True(t, fee.FeePercent.Equal(decimal.NewFromInt(8)))
}

func TestComposeKeepsDocumentsSeparate(t *testing.T) {
	in := baseInput()
	in.Treatment = taxdomain.Classification{Treatment: taxdomain.TreatmentReverseCharge, VATRate: decimal.Zero}

	docs, err := Compose(in)
	require.NoError(t, err)
	assert.Equal(t, int64(0), docs.Invoice.VATAmount)
	assert.Equal(t, int64(10_000), docs.Invoice.Total)
	// the fee document follows its own treatment
	assert.Equal(t, int64(160), docs.PlatformFee.VATAmount)
}

func TestComposeSkipsZeroFee(t *testing.T) {
	in := baseInput()
	in.Breakdown = feedomain.Split(in.Order.Amount, decimal.Zero, "GBP")

	docs, err := Compose(in)
	require.NoError(t, err)
	assert.Nil(t, docs.PlatformFee)
}

func TestComposeRejectsCurrencyMismatch(t *testing.T) {
	in := baseInput()
	in.Breakdown.Currency = "EUR"

	_, err := Compose(in)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestComposeRejectsUnbalancedSplit(t *testing.T) {
	in := baseInput()
	in.Breakdown.SellerAmount--

	_, err := Compose(in)
	assert.True(t, errors.Is(err, ErrInvariantViolation))

	in = baseInput()
	in.Breakdown.Amount = 9_999
	_, err = Compose(in)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestCheckTotalsCatchesTampering(t *testing.T) {
	docs, err := Compose(baseInput())
	require.NoError(t, err)

	inv := docs.Invoice
	inv.GrossAmount++
	assert.ErrorIs(t, CheckTotals(inv), ErrInvariantViolation)

	inv = docs.Invoice
	inv.Total--
	assert.ErrorIs(t, CheckTotals(inv), ErrInvariantViolation)

	inv = docs.Invoice
	inv.TaxTreatment = taxdomain.TreatmentZeroRated
	assert.ErrorIs(t, CheckTotals(inv), ErrInvariantViolation)
}

func TestCreditNoteMirrorsOriginal(t *testing.T) {
	docs, err := Compose(baseInput())
	require.NoError(t, err)
	original := docs.Invoice
	original.ID = 99
	original.Status = StatusGenerated

	note := CreditNoteFor(original, "  duplicate charge ")
	assert.Equal(t, DocumentTypeCreditNote, note.DocumentType)
	assert.Equal(t, StatusDraft, note.Status)
	require.NotNil(t, note.OriginalInvoiceID)
	assert.Equal(t, original.ID, *note.OriginalInvoiceID)
	assert.Equal(t, original.Total, note.Total)
	assert.Equal(t, original.VATAmount, note.VATAmount)
	assert.Equal(t, "duplicate charge", note.Note)
	assert.Len(t, note.Lines, len(original.Lines))
	assert.NoError(t, CheckTotals(note))
}
