package pdf

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInvoice() InvoiceData {
	return InvoiceData{
		Title:         "Invoice",
		InvoiceNumber: "INV-20260301-000001",
		IssueDate:     "2026-03-01",
		OrderID:       "ord_1",
		Issuer:        Party{Name: "Seller Ltd", Country: "GB"},
		Recipient:     Party{Name: "Buyer GmbH", Country: "DE", VATNumber: "DE123456789"},
		Items: []InvoiceItem{
			{Description: "Order ord_1", Qty: 1, UnitPrice: "GBP 100.00", Amount: "GBP 100.00"},
		},
		Subtotal:  "GBP 100.00",
		VATLabel:  "VAT (20%)",
		VATAmount: "GBP 20.00",
		Total:     "GBP 120.00",
	}
}

func TestGenerateInvoiceProducesPDF(t *testing.T) {
	out, err := New().GenerateInvoice(context.Background(), sampleInvoice())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestGenerateReceiptProducesPDF(t *testing.T) {
	out, err := New().GenerateReceipt(context.Background(), ReceiptData{InvoiceData: sampleInvoice(), DatePaid: "2026-03-04"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
