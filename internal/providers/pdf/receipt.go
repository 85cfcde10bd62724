package pdf

import (
	"context"
)

// ReceiptData renders a paid document.
type ReceiptData struct {
	InvoiceData
	DatePaid string
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, data ReceiptData) ([]byte, error) {
	m := newDocument()
	addHeader(m, "Receipt", []string{
		"Number: " + data.InvoiceNumber,
		"Date of issue: " + data.IssueDate,
		"Date paid: " + data.DatePaid,
		"Order: " + data.OrderID,
	}, data.Reference)
	addParties(m, data.Issuer, data.Recipient)
	addItems(m, data.Items)
	addTotals(m, data.InvoiceData, "Paid")
	addNotes(m, data.TaxNote, data.Note)
	return generate(m)
}
