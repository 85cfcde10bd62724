package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/marketledger/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/marketledger/internal/payment/domain"
	paymentservice "github.com/smallbiznis/marketledger/internal/payment/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errDispatcherUnavailable = errors.New("payment_service_unavailable")

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc *paymentservice.Service
	Adapters   *adapters.Registry
}

// Service is the entry point for processor deliveries: it picks the
// provider adapter, verifies and decodes the payload, then hands the typed
// event to the dispatcher.
type Service struct {
	log        *zap.Logger
	tracer     trace.Tracer
	dispatcher *paymentservice.Service
	adapters   *adapters.Registry
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		tracer:     otel.Tracer("marketledger/payment"),
		dispatcher: p.PaymentSvc,
		adapters:   p.Adapters,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (err error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	ctx, span := s.tracer.Start(ctx, "payment.webhook.ingest",
		trace.WithAttributes(attribute.String("payment.provider", provider)))
	defer func() {
		if err != nil && !errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	event, err := s.decode(ctx, provider, payload, headers)
	if errors.Is(err, paymentdomain.ErrEventIgnored) {
		span.SetAttributes(attribute.Bool("payment.event_ignored", true))
		return nil
	}
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("payment.event_id", event.EventID()),
		attribute.String("payment.event_kind", string(event.Kind())),
	)

	if s.dispatcher == nil {
		return errDispatcherUnavailable
	}
	err = s.dispatcher.ProcessEvent(ctx, provider, event, payload)
	if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
		span.SetAttributes(attribute.Bool("payment.event_duplicate", true))
		s.log.Debug("webhook event replayed",
			zap.String("provider", provider),
			zap.String("event_id", event.EventID()),
		)
	}
	return err
}

// decode resolves the adapter and turns the raw delivery into a typed event.
func (s *Service) decode(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.Event, error) {
	if provider == "" {
		return nil, paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event, err := adapter.Construct(ctx, payload, headers)
	switch {
	case errors.Is(err, paymentdomain.ErrEventIgnored):
		s.log.Debug("webhook event ignored", zap.String("provider", provider))
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
	}
	return event, err
}
