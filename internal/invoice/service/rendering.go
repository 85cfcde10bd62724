package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/marketledger/internal/invoice/domain"
	"github.com/smallbiznis/marketledger/internal/providers/pdf"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
)

const dateLayout = "2006-01-02"

func (s *Service) RenderPDF(ctx context.Context, id snowflake.ID) (invoicedomain.RenderedDocument, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return invoicedomain.RenderedDocument{}, err
	}
	if !inv.Status.Issued() || inv.InvoiceNumber == nil {
		return invoicedomain.RenderedDocument{}, invoicedomain.ErrNotRenderable
	}

	data, err := s.renderData(ctx, inv)
	if err != nil {
		return invoicedomain.RenderedDocument{}, err
	}

	var content []byte
	if inv.Status == invoicedomain.StatusPaid && inv.PaidAt != nil {
		content, err = s.pdf.GenerateReceipt(ctx, pdf.ReceiptData{
			InvoiceData: data,
			DatePaid:    inv.PaidAt.Format(dateLayout),
		})
	} else {
		content, err = s.pdf.GenerateInvoice(ctx, data)
	}
	if err != nil {
		return invoicedomain.RenderedDocument{}, fmt.Errorf("render %s: %w", inv.ID, err)
	}

	return invoicedomain.RenderedDocument{
		Filename: slug.Make(*inv.InvoiceNumber) + ".pdf",
		Content:  content,
	}, nil
}

func (s *Service) renderData(ctx context.Context, inv invoicedomain.Invoice) (pdf.InvoiceData, error) {
	data := pdf.InvoiceData{
		Title:         documentTitle(inv),
		InvoiceNumber: *inv.InvoiceNumber,
		OrderID:       inv.OrderID,
		Issuer:        pdfParty(inv.SellerSnapshot.Data()),
		Recipient:     pdfParty(inv.BuyerSnapshot.Data()),
		Subtotal:      formatMoney(inv.Subtotal, inv.Currency),
		VATLabel:      vatLabel(inv.VATRate),
		VATAmount:     formatMoney(inv.VATAmount, inv.Currency),
		Total:         formatMoney(inv.Total, inv.Currency),
		TaxNote:       taxNote(inv.TaxTreatment),
		Note:          inv.Note,
	}
	if inv.IssuedAt != nil {
		data.IssueDate = inv.IssuedAt.Format(dateLayout)
	}
	for _, line := range inv.Lines {
		data.Items = append(data.Items, pdf.InvoiceItem{
			Description: line.Description,
			Qty:         line.Quantity,
			UnitPrice:   formatMoney(line.UnitAmount, inv.Currency),
			Amount:      formatMoney(line.Amount, inv.Currency),
		})
	}

	if inv.OriginalInvoiceID != nil {
		original, err := s.loadInvoice(ctx, s.db, *inv.OriginalInvoiceID)
		if err != nil {
			return pdf.InvoiceData{}, err
		}
		if original != nil && original.InvoiceNumber != nil {
			data.Reference = *original.InvoiceNumber
		}
	}
	return data, nil
}

func documentTitle(inv invoicedomain.Invoice) string {
	switch inv.DocumentType {
	case invoicedomain.DocumentTypePlatformFee:
		return "Platform fee invoice"
	case invoicedomain.DocumentTypeCreditNote:
		return "Credit note"
	}
	if inv.Status == invoicedomain.StatusVoid {
		return "Invoice (void)"
	}
	return "Invoice"
}

func pdfParty(p invoicedomain.PartySnapshot) pdf.Party {
	out := pdf.Party{
		Name:    p.Name,
		Address: p.Address,
		Country: p.CountryCode,
	}
	if out.Name == "" {
		out.Name = p.Email
	}
	if p.VATNumber != nil {
		out.VATNumber = *p.VATNumber
	}
	return out
}

func vatLabel(rate decimal.Decimal) string {
	return "VAT (" + rate.Mul(decimal.NewFromInt(100)).String() + "%)"
}

func taxNote(t taxdomain.Treatment) string {
	switch t {
	case taxdomain.TreatmentReverseCharge:
		return "Reverse charge: the customer is liable to account for VAT on this supply."
	case taxdomain.TreatmentZeroRated:
		return "Zero-rated export supply."
	case taxdomain.TreatmentExempt:
		return "Exempt from VAT."
	}
	return ""
}

// formatMoney renders minor units with two decimals.
func formatMoney(amount int64, currency string) string {
	return strings.ToUpper(currency) + " " + decimal.New(amount, -2).StringFixed(2)
}
