package pdf

import (
	"context"
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type Party struct {
	Name      string
	Address   string
	Country   string
	VATNumber string
}

type InvoiceData struct {
	Title         string
	InvoiceNumber string
	IssueDate     string
	OrderID       string
	// Reference is the original document number on a credit note.
	Reference string

	Issuer    Party
	Recipient Party

	Items []InvoiceItem

	Subtotal  string
	VATLabel  string
	VATAmount string
	Total     string
	// TaxNote carries the legal wording for reverse charge, zero rating
	// or exemption.
	TaxNote string
	Note    string
}

type InvoiceItem struct {
	Description string
	Qty         int64
	UnitPrice   string
	Amount      string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateInvoice(ctx context.Context, data InvoiceData) ([]byte, error) {
	m := newDocument()
	addHeader(m, data.Title, []string{
		"Number: " + data.InvoiceNumber,
		"Date of issue: " + data.IssueDate,
		"Order: " + data.OrderID,
	}, data.Reference)
	addParties(m, data.Issuer, data.Recipient)
	addItems(m, data.Items)
	addTotals(m, data, "Total")
	addNotes(m, data.TaxNote, data.Note)
	return generate(m)
}

func newDocument() core.Maroto {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	return maroto.New(cfg)
}

func addHeader(m core.Maroto, title string, meta []string, reference string) {
	m.AddRow(12,
		text.NewCol(12, title, props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	if reference != "" {
		meta = append(meta, "Credits: "+reference)
	}
	c := col.New(6)
	for i, value := range meta {
		c.Add(text.New(value, props.Text{Top: float64(i * 4)}))
	}
	m.AddRow(float64(4*len(meta)+4), c, col.New(6))
}

func addParties(m core.Maroto, issuer, recipient Party) {
	m.AddRow(30,
		partyCol("From", issuer),
		col.New(2),
		partyCol("Bill to", recipient),
	)
}

func partyCol(label string, p Party) core.Col {
	c := col.New(5).Add(
		text.New(label, props.Text{Style: fontstyle.Bold}),
		text.New(p.Name, props.Text{Top: 5}),
		text.New(p.Address, props.Text{Top: 9}),
		text.New(p.Country, props.Text{Top: 13}),
	)
	if p.VATNumber != "" {
		c.Add(text.New("VAT: "+p.VATNumber, props.Text{Top: 17}))
	}
	return c
}

func addItems(m core.Maroto, items []InvoiceItem) {
	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Unit price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(2, line.NewCol(12))

	for _, item := range items {
		m.AddRow(10,
			text.NewCol(6, item.Description, props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("%d", item.Qty), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.UnitPrice, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}
}

func addTotals(m core.Maroto, data InvoiceData, totalLabel string) {
	m.AddRow(8,
		col.New(8),
		text.NewCol(2, "Subtotal", props.Text{Size: 9}),
		text.NewCol(2, data.Subtotal, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		col.New(8),
		text.NewCol(2, data.VATLabel, props.Text{Size: 9}),
		text.NewCol(2, data.VATAmount, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		col.New(8),
		text.NewCol(2, totalLabel, props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, data.Total, props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
}

func addNotes(m core.Maroto, notes ...string) {
	for _, note := range notes {
		if note == "" {
			continue
		}
		m.AddRow(10, text.NewCol(12, note, props.Text{Size: 8, Top: 3}))
	}
}

func generate(m core.Maroto) ([]byte, error) {
	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
