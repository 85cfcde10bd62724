package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/config"
	customerdomain "github.com/smallbiznis/marketledger/internal/customer/domain"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	"github.com/smallbiznis/marketledger/internal/providers/stripe"
	"github.com/smallbiznis/marketledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	// Confirmed funds are credited from any status but completed, including a
	// request that expired or failed locally before the processor settled it.
	settleableStates = []domain.Status{
		domain.StatusPending, domain.StatusAwaitingFunds, domain.StatusProcessing,
		domain.StatusExpired, domain.StatusFailed,
	}
	cancellableStates = []domain.Status{domain.StatusPending, domain.StatusAwaitingFunds}

	errNotCompletable = errors.New("bank_transfer_not_completable")
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	CustomerSvc customerdomain.Service
	Processor   stripe.Client
	LedgerSvc   ledgerdomain.Service
	Policy      *config.PolicyHolder
	Clock       clock.Clock         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	customerSvc customerdomain.Service
	processor   stripe.Client
	ledgerSvc   ledgerdomain.Service
	policy      *config.PolicyHolder
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("banktransfer.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		customerSvc: p.CustomerSvc,
		processor:   p.Processor,
		ledgerSvc:   p.LedgerSvc,
		policy:      p.Policy,
		clock:       c,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (domain.Request, error) {
	if req.UserID == 0 {
		return domain.Request{}, domain.ErrInvalidUser
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return domain.Request{}, domain.ErrInvalidCurrency
	}
	if req.Amount <= 0 {
		return domain.Request{}, domain.ErrInvalidAmount
	}
	policy := s.policy.Get().BankTransfer
	if req.Amount < policy.MinimumAmount {
		return domain.Request{}, domain.ErrBelowMinimum
	}

	customerID, err := s.customerSvc.Resolve(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, customerdomain.ErrInvalidUser) {
			return domain.Request{}, domain.ErrInvalidUser
		}
		return domain.Request{}, err
	}

	id := s.genID.Generate()
	idempotencyKey := "btr_" + id.String()
	intent, err := s.processor.CreateBankTransferIntent(ctx, stripe.BankTransferInput{
		UserID:         req.UserID.String(),
		CustomerID:     customerID,
		Amount:         req.Amount,
		Currency:       currency,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		s.log.Warn("bank transfer instructions unavailable",
			zap.String("user_id", req.UserID.String()),
			zap.Error(err),
		)
		return domain.Request{}, fmt.Errorf("%w: %v", domain.ErrProcessorUnavailable, err)
	}

	now := s.clock.Now().UTC()
	record := domain.Request{
		ID:                    id,
		UserID:                req.UserID,
		Amount:                req.Amount,
		Currency:              currency,
		Status:                domain.StatusAwaitingFunds,
		ProcessorReferenceID:  intent.IntentID,
		IdempotencyKey:        idempotencyKey,
		Instructions:          datatypes.JSON(intent.Instructions),
		ReferenceNumber:       intent.ReferenceNumber,
		HostedInstructionsURL: intent.HostedInstructionsURL,
		ExpiresAt:             now.Add(policy.TTL),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.Insert(ctx, s.db, &record); err != nil {
		if cancelErr := s.processor.CancelPaymentIntent(ctx, intent.IntentID); cancelErr != nil {
			s.log.Error("orphaned bank transfer intent",
				zap.String("processor_reference_id", intent.IntentID),
				zap.Error(cancelErr),
			)
		}
		return domain.Request{}, err
	}

	s.obsMetrics.RecordBankTransferTransition(ctx, string(record.Status))
	s.log.Info("bank transfer requested",
		zap.String("bank_transfer_id", record.ID.String()),
		zap.String("user_id", record.UserID.String()),
		zap.Int64("amount", record.Amount),
		zap.String("currency", record.Currency),
	)
	return record, nil
}

func (s *Service) OnFundsReceived(ctx context.Context, processorRef string) error {
	processorRef = strings.TrimSpace(processorRef)
	req, err := s.repo.FindByProcessorReference(ctx, s.db, processorRef)
	if err != nil {
		return err
	}
	if req == nil {
		s.log.Warn("funds received for unknown bank transfer", zap.String("processor_reference_id", processorRef))
		return nil
	}
	if req.Status.AtLeast(domain.StatusProcessing) {
		return nil
	}
	if req.Status.Terminal() {
		s.log.Warn("funds received for closed bank transfer",
			zap.String("bank_transfer_id", req.ID.String()),
			zap.String("status", string(req.Status)),
		)
		return nil
	}

	moved, err := s.repo.Transition(ctx, s.db, req.ID, domain.StatusProcessing,
		[]domain.Status{domain.StatusPending, domain.StatusAwaitingFunds}, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if moved {
		s.obsMetrics.RecordBankTransferTransition(ctx, string(domain.StatusProcessing))
	}
	return nil
}

func (s *Service) OnFundsConfirmed(ctx context.Context, evt domain.FundsConfirmed) error {
	ref := strings.TrimSpace(evt.ProcessorReferenceID)
	req, err := s.repo.FindByProcessorReference(ctx, s.db, ref)
	if err != nil {
		return err
	}
	if req == nil {
		s.log.Warn("funds confirmed for unknown bank transfer", zap.String("processor_reference_id", ref))
		return nil
	}
	if req.Status == domain.StatusCompleted {
		return nil
	}

	currency := strings.ToUpper(strings.TrimSpace(evt.Currency))
	if currency != "" && currency != req.Currency {
		s.log.Error("bank transfer currency mismatch",
			zap.String("bank_transfer_id", req.ID.String()),
			zap.String("expected", req.Currency),
			zap.String("received", currency),
		)
		s.obsMetrics.RecordInvariantViolation(ctx, "bank_transfer_currency_mismatch")
		return domain.ErrCurrencyMismatch
	}
	amount := req.Amount
	if evt.Amount != nil && *evt.Amount > 0 {
		amount = *evt.Amount
	}

	now := s.clock.Now().UTC()
	var applied bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result, err := s.ledgerSvc.ApplyTx(ctx, tx, ledgerdomain.ApplyRequest{
			UserID:                req.UserID,
			Amount:                amount,
			Currency:              req.Currency,
			Type:                  ledgerdomain.AdjustmentTypeCredit,
			ReferenceType:         ledgerdomain.ReferenceTypeBankTransfer,
			ReferenceID:           req.ID.String(),
			ExternalTransactionID: evt.ExternalTransactionID,
			Description:           "bank transfer " + req.ReferenceNumber,
		})
		if err != nil {
			return err
		}
		applied = result.Applied

		completed, err := s.repo.Complete(ctx, tx, req.ID, settleableStates, now)
		if err != nil {
			return err
		}
		if !completed {
			return errNotCompletable
		}
		return nil
	})
	if errors.Is(err, errNotCompletable) {
		// Only a concurrent confirmation completes the row under us, and it
		// carries the same ledger reference.
		s.log.Info("bank transfer settled concurrently", zap.String("bank_transfer_id", req.ID.String()))
		return nil
	}
	if err != nil {
		return err
	}

	s.obsMetrics.RecordBankTransferTransition(ctx, string(domain.StatusCompleted))
	fields := []zap.Field{
		zap.String("bank_transfer_id", req.ID.String()),
		zap.Int64("amount", amount),
		zap.Bool("ledger_applied", applied),
	}
	if req.Status.Terminal() {
		s.log.Warn("bank transfer settled after close", append(fields, zap.String("previous_status", string(req.Status)))...)
		return nil
	}
	s.log.Info("bank transfer completed", fields...)
	return nil
}

func (s *Service) OnFundsFailed(ctx context.Context, evt domain.FundsFailed) error {
	ref := strings.TrimSpace(evt.ProcessorReferenceID)
	req, err := s.repo.FindByProcessorReference(ctx, s.db, ref)
	if err != nil {
		return err
	}
	if req == nil {
		s.log.Warn("funds failure for unknown bank transfer", zap.String("processor_reference_id", ref))
		return nil
	}
	// Our own cancel and expiry sweeps trigger the upstream cancel event too.
	if !req.Status.Cancellable() {
		return nil
	}

	reason := strings.TrimSpace(evt.Reason)
	if reason == "" {
		reason = "processor_failed"
	}
	moved, err := s.repo.Fail(ctx, s.db, req.ID, reason, cancellableStates, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	s.obsMetrics.RecordBankTransferTransition(ctx, string(domain.StatusFailed))
	s.log.Info("bank transfer failed",
		zap.String("bank_transfer_id", req.ID.String()),
		zap.String("failure_reason", reason),
	)
	return nil
}

func (s *Service) Cancel(ctx context.Context, id, userID snowflake.ID) (domain.Request, error) {
	req, err := s.load(ctx, id, userID)
	if err != nil {
		return domain.Request{}, err
	}
	if !req.Status.Cancellable() {
		return domain.Request{}, domain.ErrNotCancellable
	}

	if err := s.processor.CancelPaymentIntent(ctx, req.ProcessorReferenceID); err != nil {
		s.log.Warn("upstream cancel failed",
			zap.String("bank_transfer_id", req.ID.String()),
			zap.Error(err),
		)
	}

	moved, err := s.repo.Transition(ctx, s.db, req.ID, domain.StatusExpired, cancellableStates, s.clock.Now().UTC())
	if err != nil {
		return domain.Request{}, err
	}
	if !moved {
		return domain.Request{}, domain.ErrNotCancellable
	}
	s.obsMetrics.RecordBankTransferTransition(ctx, string(domain.StatusExpired))
	return s.load(ctx, id, userID)
}

func (s *Service) ExpireOverdue(ctx context.Context, now time.Time, limit int) (domain.ExpireResult, error) {
	if limit <= 0 {
		limit = s.policy.Get().BankTransfer.ExpiryBatch
	}
	now = now.UTC()
	overdue, err := s.repo.ListOverdue(ctx, s.db, now, limit)
	if err != nil {
		return domain.ExpireResult{}, err
	}

	result := domain.ExpireResult{Scanned: len(overdue)}
	for _, req := range overdue {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		moved, err := s.repo.Transition(ctx, s.db, req.ID, domain.StatusExpired,
			[]domain.Status{domain.StatusAwaitingFunds}, now)
		if err != nil {
			return result, err
		}
		if !moved {
			continue
		}
		result.Expired++
		s.obsMetrics.RecordBankTransferTransition(ctx, string(domain.StatusExpired))
		if err := s.processor.CancelPaymentIntent(ctx, req.ProcessorReferenceID); err != nil {
			s.log.Warn("upstream cancel of expired transfer failed",
				zap.String("bank_transfer_id", req.ID.String()),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, id, userID snowflake.ID) (domain.Request, error) {
	return s.load(ctx, id, userID)
}

func (s *Service) ListByUser(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.UserID == 0 {
		return domain.ListResponse{}, domain.ErrInvalidUser
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var beforeID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		beforeID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
	}

	items, err := s.repo.ListByUser(ctx, s.db, req.UserID, beforeID, pageSize+1)
	if err != nil {
		return domain.ListResponse{}, err
	}
	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(r *domain.Request) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: r.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}
	if !pageInfo.HasMore {
		pageInfo.NextPageToken = ""
	}

	out := make([]domain.Request, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return domain.ListResponse{Items: out, PageInfo: *pageInfo}, nil
}

// load returns the request when userID owns it. A zero userID skips the
// ownership check for internal callers.
func (s *Service) load(ctx context.Context, id, userID snowflake.ID) (domain.Request, error) {
	if id == 0 {
		return domain.Request{}, domain.ErrInvalidID
	}
	req, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Request{}, err
	}
	if req == nil {
		return domain.Request{}, domain.ErrNotFound
	}
	if userID != 0 && req.UserID != userID {
		return domain.Request{}, domain.ErrNotOwner
	}
	return *req, nil
}
