package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	"github.com/smallbiznis/marketledger/internal/clock"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/marketledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/marketledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventLocker serializes concurrent deliveries of one event id.
type EventLocker interface {
	TryLockEvent(ctx context.Context, provider, eventID string) (string, bool, error)
	ReleaseEvent(ctx context.Context, provider, eventID, token string) error
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Repo            paymentdomain.Repository
	BankTransferSvc banktransferdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Locker          EventLocker         `optional:"true"`
	Clock           clock.Clock         `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

// Service records and routes decoded processor events.
type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	repo            paymentdomain.Repository
	bankTransferSvc banktransferdomain.Service
	subscriptionSvc subscriptiondomain.Service
	locker          EventLocker
	clock           clock.Clock
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		repo:            p.Repo,
		bankTransferSvc: p.BankTransferSvc,
		subscriptionSvc: p.SubscriptionSvc,
		locker:          p.Locker,
		clock:           c,
		obsMetrics:      p.ObsMetrics,
	}
}

// ProcessEvent dedupes the event by id, routes it and marks it processed.
// A failed route leaves the record unprocessed so a redelivery retries it.
func (s *Service) ProcessEvent(ctx context.Context, provider string, event paymentdomain.Event, payload []byte) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	eventID := strings.TrimSpace(event.EventID())
	if eventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	release, err := s.lock(ctx, provider, eventID)
	if err != nil {
		return err
	}
	defer release()

	now := s.clock.Now()
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: eventID,
		EventKind:       event.Kind(),
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, provider, eventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.ErrEventAlreadyProcessed
		}
	}

	if err := s.route(ctx, event); err != nil {
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return err
	}

	if inserted {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, string(event.Kind()))
	}
	return nil
}

// lock takes the in-flight lock when a locker is wired. Lock backend
// failures degrade to unlocked processing; the state machines stay
// idempotent without it.
func (s *Service) lock(ctx context.Context, provider, eventID string) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}
	token, ok, err := s.locker.TryLockEvent(ctx, provider, eventID)
	if err != nil {
		s.log.Warn("event lock unavailable",
			zap.String("provider", provider),
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		return noop, nil
	}
	if !ok {
		return nil, paymentdomain.ErrEventInFlight
	}
	return func() {
		if err := s.locker.ReleaseEvent(context.WithoutCancel(ctx), provider, eventID, token); err != nil {
			s.log.Warn("event lock release failed", zap.String("event_id", eventID), zap.Error(err))
		}
	}, nil
}

func (s *Service) route(ctx context.Context, event paymentdomain.Event) error {
	switch evt := event.(type) {
	case paymentdomain.SubscriptionChanged:
		return s.subscriptionSvc.ApplyLifecycleEvent(ctx, evt.Lifecycle)
	case paymentdomain.InvoicePaymentFailed:
		return s.subscriptionSvc.ApplyLifecycleEvent(ctx, subscriptiondomain.LifecycleEvent{
			Type:                   subscriptiondomain.EventPaymentFailed,
			ExternalSubscriptionID: evt.ExternalSubscriptionID,
			OccurredAt:             evt.OccurredAt(),
		})
	case paymentdomain.FundsReceived:
		return s.bankTransferSvc.OnFundsReceived(ctx, evt.ProcessorReferenceID)
	case paymentdomain.FundsConfirmed:
		err := s.bankTransferSvc.OnFundsConfirmed(ctx, evt.Confirmation)
		if errors.Is(err, banktransferdomain.ErrCurrencyMismatch) {
			// A redelivery carries the same currency; acknowledge it.
			s.log.Error("bank transfer confirmation rejected",
				zap.String("event_id", evt.EventID()),
				zap.String("processor_reference_id", evt.Confirmation.ProcessorReferenceID),
				zap.Error(err),
			)
			return nil
		}
		return err
	case paymentdomain.FundsFailed:
		return s.bankTransferSvc.OnFundsFailed(ctx, evt.Failure)
	default:
		return paymentdomain.ErrInvalidEvent
	}
}
