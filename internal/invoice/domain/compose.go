package domain

import (
	"fmt"
	"strings"

	feedomain "github.com/smallbiznis/marketledger/internal/fee/domain"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
	"gorm.io/datatypes"
)

// ComposeInput carries everything Compose needs. Treatment applies to the
// seller to buyer supply, PlatformTreatment to the platform to seller fee.
type ComposeInput struct {
	Order             Order
	Breakdown         feedomain.Breakdown
	Treatment         taxdomain.Classification
	PlatformTreatment taxdomain.Classification
	Seller            PartySnapshot
	Buyer             PartySnapshot
	Platform          PartySnapshot
}

// ComposedDocuments holds the drafts for one order. PlatformFee is nil when
// the fee is zero.
type ComposedDocuments struct {
	Invoice     Invoice
	PlatformFee *Invoice
}

// Compose builds the draft documents for a completed order. It assigns no ids,
// numbers or timestamps.
func Compose(in ComposeInput) (ComposedDocuments, error) {
	currency := strings.ToUpper(strings.TrimSpace(in.Order.Currency))
	if strings.ToUpper(in.Breakdown.Currency) != currency {
		return ComposedDocuments{}, ErrCurrencyMismatch
	}
	if in.Breakdown.Amount != in.Order.Amount {
		return ComposedDocuments{}, fmt.Errorf("%w: breakdown amount %d differs from order amount %d",
			ErrInvariantViolation, in.Breakdown.Amount, in.Order.Amount)
	}
	if !in.Breakdown.Balanced() {
		return ComposedDocuments{}, fmt.Errorf("%w: fee %d + seller %d != amount %d",
			ErrInvariantViolation, in.Breakdown.FeeAmount, in.Breakdown.SellerAmount, in.Breakdown.Amount)
	}

	invoice := draft(DocumentTypeInvoice, in.Order, currency, in.Seller, in.Buyer, in.Treatment, []LineItem{
		{
			Position:    1,
			Description: orderLineDescription(in.Order),
			Quantity:    1,
			UnitAmount:  in.Order.Amount,
			Amount:      in.Order.Amount,
		},
	})
	if err := CheckTotals(invoice); err != nil {
		return ComposedDocuments{}, err
	}

	out := ComposedDocuments{Invoice: invoice}
	if in.Breakdown.FeeAmount == 0 {
		return out, nil
	}

	fee := draft(DocumentTypePlatformFee, in.Order, currency, in.Platform, in.Seller, in.PlatformTreatment, []LineItem{
		{
			Position:    1,
			Description: fmt.Sprintf("Platform fee (%s%%) on order %s", in.Breakdown.FeePercent.String(), in.Order.OrderID),
			Quantity:    1,
			UnitAmount:  in.Breakdown.FeeAmount,
			Amount:      in.Breakdown.FeeAmount,
		},
	})
	percent := in.Breakdown.FeePercent
	fee.FeePercent = &percent
	if err := CheckTotals(fee); err != nil {
		return ComposedDocuments{}, err
	}
	out.PlatformFee = &fee
	return out, nil
}

// CreditNoteFor mirrors an issued document as a credit note draft.
func CreditNoteFor(original Invoice, reason string) Invoice {
	lines := make([]LineItem, 0, len(original.Lines))
	for _, line := range original.Lines {
		lines = append(lines, LineItem{
			Position:    line.Position,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitAmount:  line.UnitAmount,
			Amount:      line.Amount,
		})
	}
	originalID := original.ID
	return Invoice{
		DocumentType:      DocumentTypeCreditNote,
		Status:            StatusDraft,
		OrderID:           original.OrderID,
		SellerID:          original.SellerID,
		BuyerID:           original.BuyerID,
		OriginalInvoiceID: &originalID,
		Currency:          original.Currency,
		SellerSnapshot:    original.SellerSnapshot,
		BuyerSnapshot:     original.BuyerSnapshot,
		TaxTreatment:      original.TaxTreatment,
		VATRate:           original.VATRate,
		NetAmount:         original.NetAmount,
		VATAmount:         original.VATAmount,
		GrossAmount:       original.GrossAmount,
		Subtotal:          original.Subtotal,
		Total:             original.Total,
		FeePercent:        original.FeePercent,
		Note:              strings.TrimSpace(reason),
		Lines:             lines,
	}
}

// CheckTotals verifies the arithmetic of a document before it is stored.
func CheckTotals(inv Invoice) error {
	var sum int64
	for _, line := range inv.Lines {
		if line.Quantity*line.UnitAmount != line.Amount {
			return fmt.Errorf("%w: line %d quantity*unit != amount", ErrInvariantViolation, line.Position)
		}
		sum += line.Amount
	}
	if inv.Subtotal != sum {
		return fmt.Errorf("%w: subtotal %d != sum of lines %d", ErrInvariantViolation, inv.Subtotal, sum)
	}
	if inv.NetAmount != inv.Subtotal {
		return fmt.Errorf("%w: net %d != subtotal %d", ErrInvariantViolation, inv.NetAmount, inv.Subtotal)
	}
	if !inv.VAT().Balanced() {
		return fmt.Errorf("%w: gross %d != net %d + vat %d", ErrInvariantViolation, inv.GrossAmount, inv.NetAmount, inv.VATAmount)
	}
	if inv.Total != sum+inv.VATAmount {
		return fmt.Errorf("%w: total %d != lines %d + vat %d", ErrInvariantViolation, inv.Total, sum, inv.VATAmount)
	}
	if inv.TaxTreatment != taxdomain.TreatmentStandard && inv.VATAmount != 0 {
		return fmt.Errorf("%w: %s document carries vat", ErrInvariantViolation, inv.TaxTreatment)
	}
	return nil
}

func draft(docType DocumentType, order Order, currency string, issuer, recipient PartySnapshot, c taxdomain.Classification, lines []LineItem) Invoice {
	var subtotal int64
	for _, line := range lines {
		subtotal += line.Amount
	}
	vat := taxdomain.ComputeVAT(subtotal, c)
	return Invoice{
		DocumentType:   docType,
		Status:         StatusDraft,
		OrderID:        order.OrderID,
		SellerID:       order.SellerID,
		BuyerID:        order.BuyerID,
		Currency:       currency,
		SellerSnapshot: datatypes.NewJSONType(issuer),
		BuyerSnapshot:  datatypes.NewJSONType(recipient),
		TaxTreatment:   vat.TaxTreatment,
		VATRate:        vat.VATRate,
		NetAmount:      vat.NetAmount,
		VATAmount:      vat.VATAmount,
		GrossAmount:    vat.GrossAmount,
		Subtotal:       subtotal,
		Total:          subtotal + vat.VATAmount,
		Lines:          lines,
	}
}

func orderLineDescription(order Order) string {
	if t := strings.TrimSpace(order.OrderType); t != "" {
		return fmt.Sprintf("Order %s (%s)", order.OrderID, t)
	}
	return "Order " + order.OrderID
}
