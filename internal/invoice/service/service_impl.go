package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/config"
	feedomain "github.com/smallbiznis/marketledger/internal/fee/domain"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	invoicedomain "github.com/smallbiznis/marketledger/internal/invoice/domain"
	invoiceformat "github.com/smallbiznis/marketledger/internal/invoice/format"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	"github.com/smallbiznis/marketledger/internal/providers/pdf"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
	"github.com/smallbiznis/marketledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const numberingAttempts = 3

var errAlreadyComposed = errors.New("already_composed")

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	FeeSvc      feedomain.Service
	TaxSvc      taxdomain.Service
	IdentitySvc identitydomain.Service
	Policy      *config.PolicyHolder
	PDF         pdf.Provider        `optional:"true"`
	Clock       clock.Clock         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	feeSvc      feedomain.Service
	taxSvc      taxdomain.Service
	identitySvc identitydomain.Service
	policy      *config.PolicyHolder
	pdf         pdf.Provider
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	renderer := p.PDF
	if renderer == nil {
		renderer = pdf.New()
	}
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("invoice.service"),
		genID:       p.GenID,
		feeSvc:      p.FeeSvc,
		taxSvc:      p.TaxSvc,
		identitySvc: p.IdentitySvc,
		policy:      p.Policy,
		pdf:         renderer,
		clock:       c,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) ComposeForOrder(ctx context.Context, order invoicedomain.Order) (invoicedomain.ComposeResponse, error) {
	order.OrderID = strings.TrimSpace(order.OrderID)
	order.Currency = strings.ToUpper(strings.TrimSpace(order.Currency))
	if order.OrderID == "" || order.SellerID == 0 || order.BuyerID == 0 {
		return invoicedomain.ComposeResponse{}, invoicedomain.ErrInvalidOrder
	}
	if order.Amount < 0 {
		return invoicedomain.ComposeResponse{}, invoicedomain.ErrInvalidAmount
	}
	if len(order.Currency) != 3 {
		return invoicedomain.ComposeResponse{}, invoicedomain.ErrCurrencyMismatch
	}

	if existing, ok, err := s.existingDrafts(ctx, s.db, order.OrderID); err != nil {
		return invoicedomain.ComposeResponse{}, err
	} else if ok {
		return existing, nil
	}

	resolution := s.feeSvc.ResolveFee(ctx, order.SellerID, order.OrderType)
	breakdown := feedomain.Split(order.Amount, resolution.Percent, order.Currency)

	seller, err := s.identitySvc.GetProfile(ctx, order.SellerID)
	if err != nil {
		return invoicedomain.ComposeResponse{}, fmt.Errorf("load seller profile: %w", err)
	}
	buyer, err := s.identitySvc.GetProfile(ctx, order.BuyerID)
	if err != nil {
		return invoicedomain.ComposeResponse{}, fmt.Errorf("load buyer profile: %w", err)
	}
	table, err := s.taxSvc.Table(ctx)
	if err != nil {
		return invoicedomain.ComposeResponse{}, err
	}

	sellerSnap := snapshotFromProfile(seller)
	buyerSnap := snapshotFromProfile(buyer)
	platformSnap := s.platformSnapshot()

	docs, err := invoicedomain.Compose(invoicedomain.ComposeInput{
		Order:             order,
		Breakdown:         breakdown,
		Treatment:         taxdomain.Classify(sellerSnap.Party(), buyerSnap.Party(), table),
		PlatformTreatment: taxdomain.Classify(platformSnap.Party(), sellerSnap.Party(), table),
		Seller:            sellerSnap,
		Buyer:             buyerSnap,
		Platform:          platformSnap,
	})
	if err != nil {
		if errors.Is(err, invoicedomain.ErrInvariantViolation) {
			s.obsMetrics.RecordInvariantViolation(ctx, "invoice_compose")
			s.log.Error("invoice invariant violated, nothing persisted",
				zap.String("order_id", order.OrderID),
				zap.Int64("amount", order.Amount),
				zap.String("fee_percent", resolution.Percent.String()),
				zap.Error(err),
			)
		}
		return invoicedomain.ComposeResponse{}, err
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.insertDocument(ctx, tx, &docs.Invoice, now)
		if err != nil {
			return err
		}
		if !inserted {
			return errAlreadyComposed
		}
		if docs.PlatformFee != nil {
			if _, err := s.insertDocument(ctx, tx, docs.PlatformFee, now); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errAlreadyComposed) {
		existing, _, err := s.existingDrafts(ctx, s.db, order.OrderID)
		return existing, err
	}
	if err != nil {
		return invoicedomain.ComposeResponse{}, err
	}

	s.obsMetrics.RecordInvoiceDocument(ctx, string(invoicedomain.DocumentTypeInvoice), string(invoicedomain.StatusDraft))
	if docs.PlatformFee != nil {
		s.obsMetrics.RecordInvoiceDocument(ctx, string(invoicedomain.DocumentTypePlatformFee), string(invoicedomain.StatusDraft))
	}
	s.log.Info("order documents composed",
		zap.String("order_id", order.OrderID),
		zap.String("invoice_id", docs.Invoice.ID.String()),
		zap.String("tax_treatment", string(docs.Invoice.TaxTreatment)),
		zap.String("fee_source", string(resolution.Source)),
		zap.Int64("fee_amount", breakdown.FeeAmount),
	)
	return invoicedomain.ComposeResponse{
		Invoice:     docs.Invoice,
		PlatformFee: docs.PlatformFee,
		Created:     true,
	}, nil
}

func (s *Service) existingDrafts(ctx context.Context, db *gorm.DB, orderID string) (invoicedomain.ComposeResponse, bool, error) {
	docs, err := s.listByOrder(ctx, db, orderID)
	if err != nil {
		return invoicedomain.ComposeResponse{}, false, err
	}
	var resp invoicedomain.ComposeResponse
	found := false
	for i := range docs {
		switch docs[i].DocumentType {
		case invoicedomain.DocumentTypeInvoice:
			resp.Invoice = docs[i]
			found = true
		case invoicedomain.DocumentTypePlatformFee:
			doc := docs[i]
			resp.PlatformFee = &doc
		}
	}
	return resp, found, nil
}

func (s *Service) Generate(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	if id == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var lastErr error
	for attempt := 0; attempt < numberingAttempts; attempt++ {
		inv, err := s.generateOnce(ctx, id)
		if err == nil {
			s.obsMetrics.RecordInvoiceDocument(ctx, string(inv.DocumentType), string(inv.Status))
			s.log.Info("invoice generated",
				zap.String("invoice_id", inv.ID.String()),
				zap.String("document_type", string(inv.DocumentType)),
				zap.String("invoice_number", deref(inv.InvoiceNumber)),
			)
			return inv, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return invoicedomain.Invoice{}, err
		}
		lastErr = err
		s.log.Warn("invoice sequence collision, retrying",
			zap.String("invoice_id", id.String()),
			zap.Int("attempt", attempt+1),
		)
	}
	return invoicedomain.Invoice{}, lastErr
}

func (s *Service) generateOnce(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	var out invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.loadInvoice(ctx, tx, id)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if inv.Status != invoicedomain.StatusDraft {
			return invoicedomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		seq, number, err := s.nextNumber(ctx, tx, inv.DocumentType, now)
		if err != nil {
			return err
		}
		result := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, invoice_sequence = ?, invoice_number = ?, issued_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			invoicedomain.StatusGenerated,
			seq,
			number,
			now,
			now,
			id,
			invoicedomain.StatusDraft,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invoicedomain.ErrInvalidTransition
		}

		reloaded, err := s.loadInvoice(ctx, tx, id)
		if err != nil {
			return err
		}
		out = *reloaded
		return nil
	})
	return out, err
}

func (s *Service) MarkSent(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, invoicedomain.StatusSent, "sent_at", invoicedomain.StatusGenerated)
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, invoicedomain.StatusPaid, "paid_at", invoicedomain.StatusGenerated, invoicedomain.StatusSent)
}

func (s *Service) Void(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, invoicedomain.StatusVoid, "voided_at", invoicedomain.StatusGenerated, invoicedomain.StatusSent)
}

// Cancel discards a draft. No number has been consumed.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, invoicedomain.StatusCancelled, "", invoicedomain.StatusDraft)
}

// transition moves a document to a new status with one conditional update.
// stampColumn is a fixed column name, never caller input.
func (s *Service) transition(ctx context.Context, id snowflake.ID, to invoicedomain.Status, stampColumn string, from ...invoicedomain.Status) (invoicedomain.Invoice, error) {
	if id == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	now := s.clock.Now()
	set := "status = ?, updated_at = ?"
	args := []any{to, now}
	if stampColumn != "" {
		set += ", " + stampColumn + " = ?"
		args = append(args, now)
	}
	args = append(args, id, from)

	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET `+set+` WHERE id = ? AND status IN ?`,
		args...,
	)
	if result.Error != nil {
		return invoicedomain.Invoice{}, result.Error
	}

	inv, err := s.loadInvoice(ctx, s.db, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if inv == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	if result.RowsAffected == 0 {
		if inv.Status == to {
			return *inv, nil
		}
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidTransition
	}

	s.obsMetrics.RecordInvoiceDocument(ctx, string(inv.DocumentType), string(to))
	s.log.Info("invoice status changed",
		zap.String("invoice_id", id.String()),
		zap.String("status", string(to)),
	)
	return *inv, nil
}

func (s *Service) IssueCreditNote(ctx context.Context, originalID snowflake.ID, reason string) (invoicedomain.Invoice, error) {
	if originalID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidReason
	}

	var lastErr error
	for attempt := 0; attempt < numberingAttempts; attempt++ {
		note, err := s.issueCreditNoteOnce(ctx, originalID, reason)
		if err == nil {
			s.obsMetrics.RecordInvoiceDocument(ctx, string(invoicedomain.DocumentTypeCreditNote), string(note.Status))
			s.log.Info("credit note issued",
				zap.String("credit_note_id", note.ID.String()),
				zap.String("original_invoice_id", originalID.String()),
				zap.String("invoice_number", deref(note.InvoiceNumber)),
			)
			return note, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return invoicedomain.Invoice{}, err
		}
		lastErr = err
	}
	return invoicedomain.Invoice{}, lastErr
}

func (s *Service) issueCreditNoteOnce(ctx context.Context, originalID snowflake.ID, reason string) (invoicedomain.Invoice, error) {
	var out invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		original, err := s.loadInvoice(ctx, tx, originalID)
		if err != nil {
			return err
		}
		if original == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if original.DocumentType == invoicedomain.DocumentTypeCreditNote {
			return invoicedomain.ErrNotCreditable
		}
		switch original.Status {
		case invoicedomain.StatusGenerated, invoicedomain.StatusSent, invoicedomain.StatusPaid:
		default:
			return invoicedomain.ErrNotCreditable
		}

		var existing int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM invoices WHERE original_invoice_id = ? AND document_type = ?`,
			originalID, invoicedomain.DocumentTypeCreditNote,
		).Scan(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return invoicedomain.ErrAlreadyCredited
		}

		note := invoicedomain.CreditNoteFor(*original, reason)
		if err := invoicedomain.CheckTotals(note); err != nil {
			s.obsMetrics.RecordInvariantViolation(ctx, "credit_note")
			s.log.Error("credit note invariant violated", zap.String("original_invoice_id", originalID.String()), zap.Error(err))
			return err
		}

		now := s.clock.Now()
		seq, number, err := s.nextNumber(ctx, tx, invoicedomain.DocumentTypeCreditNote, now)
		if err != nil {
			return err
		}
		note.Status = invoicedomain.StatusGenerated
		note.InvoiceSequence = &seq
		note.InvoiceNumber = &number
		note.IssuedAt = &now

		if _, err := s.insertDocument(ctx, tx, &note, now); err != nil {
			return err
		}
		out = note
		return nil
	})
	return out, err
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	if id == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}
	inv, err := s.loadInvoice(ctx, s.db, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if inv == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *inv, nil
}

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]invoicedomain.Invoice, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, invoicedomain.ErrInvalidOrder
	}
	return s.listByOrder(ctx, s.db, orderID)
}

func (s *Service) platformSnapshot() invoicedomain.PartySnapshot {
	platform := config.DefaultPolicyConfig().Platform
	if s.policy != nil {
		platform = s.policy.Get().Platform
	}
	snap := invoicedomain.PartySnapshot{
		Name:        platform.Name,
		Address:     platform.Address,
		CountryCode: strings.ToUpper(platform.CountryCode),
	}
	if vat := strings.TrimSpace(platform.VATNumber); vat != "" {
		snap.VATNumber = &vat
		snap.VATVerified = true
	}
	return snap
}

func snapshotFromProfile(p identitydomain.Profile) invoicedomain.PartySnapshot {
	return invoicedomain.PartySnapshot{
		UserID:      p.UserID.String(),
		Name:        p.DisplayName,
		Email:       p.Email,
		CountryCode: strings.ToUpper(strings.TrimSpace(p.CountryCode)),
		VATNumber:   p.VATNumber,
		VATVerified: p.VATVerified,
		TaxExempt:   p.TaxExempt,
	}
}

func (s *Service) nextNumber(ctx context.Context, tx *gorm.DB, docType invoicedomain.DocumentType, issuedAt time.Time) (int64, string, error) {
	var next int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(invoice_sequence), 0) + 1
		 FROM invoices
		 WHERE document_type = ?`,
		docType,
	).Scan(&next).Error
	if err != nil {
		return 0, "", err
	}
	number, err := invoiceformat.FormatInvoiceNumber(invoiceformat.TemplateFor(string(docType)), issuedAt, next)
	if err != nil {
		return 0, "", err
	}
	return next, number, nil
}

// insertDocument assigns ids and timestamps and stores the document with its
// lines. It reports false when the order already has a document of this type.
func (s *Service) insertDocument(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) (bool, error) {
	inv.ID = s.genID.Generate()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, document_type, status, order_id, seller_id, buyer_id, original_invoice_id,
			invoice_sequence, invoice_number, currency, seller_snapshot, buyer_snapshot,
			tax_treatment, vat_rate, net_amount, vat_amount, gross_amount, subtotal, total,
			fee_percent, note, issued_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		inv.ID,
		inv.DocumentType,
		inv.Status,
		inv.OrderID,
		inv.SellerID,
		inv.BuyerID,
		inv.OriginalInvoiceID,
		inv.InvoiceSequence,
		inv.InvoiceNumber,
		inv.Currency,
		inv.SellerSnapshot,
		inv.BuyerSnapshot,
		inv.TaxTreatment,
		inv.VATRate,
		inv.NetAmount,
		inv.VATAmount,
		inv.GrossAmount,
		inv.Subtotal,
		inv.Total,
		inv.FeePercent,
		inv.Note,
		inv.IssuedAt,
		inv.CreatedAt,
		inv.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		if inv.InvoiceSequence != nil {
			// A numbered document only conflicts on its sequence or its original.
			return false, fmt.Errorf("insert %s: %w", inv.DocumentType, gorm.ErrDuplicatedKey)
		}
		return false, nil
	}

	for i := range inv.Lines {
		line := &inv.Lines[i]
		line.ID = s.genID.Generate()
		line.InvoiceID = inv.ID
		line.CreatedAt = now
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO invoice_line_items (
				id, invoice_id, position, description, quantity, unit_amount, amount, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID,
			line.InvoiceID,
			line.Position,
			line.Description,
			line.Quantity,
			line.UnitAmount,
			line.Amount,
			line.CreatedAt,
		).Error; err != nil {
			return false, err
		}
	}
	return true, nil
}

const invoiceColumns = `id, document_type, status, order_id, seller_id, buyer_id, original_invoice_id,
	invoice_sequence, invoice_number, currency, seller_snapshot, buyer_snapshot,
	tax_treatment, vat_rate, net_amount, vat_amount, gross_amount, subtotal, total,
	fee_percent, note, issued_at, sent_at, paid_at, voided_at, created_at, updated_at`

func (s *Service) loadInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`,
		id,
	).Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, nil
	}
	lines, err := s.loadLines(ctx, tx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	return &inv, nil
}

func (s *Service) listByOrder(ctx context.Context, tx *gorm.DB, orderID string) ([]invoicedomain.Invoice, error) {
	var items []invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE order_id = ? ORDER BY id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	for i := range items {
		lines, err := s.loadLines(ctx, tx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Lines = lines
	}
	return items, nil
}

func (s *Service) loadLines(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.LineItem, error) {
	var lines []invoicedomain.LineItem
	err := tx.WithContext(ctx).Raw(
		`SELECT id, invoice_id, position, description, quantity, unit_amount, amount, created_at
		 FROM invoice_line_items
		 WHERE invoice_id = ?
		 ORDER BY position ASC`,
		invoiceID,
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
