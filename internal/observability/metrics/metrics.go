package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	feeResolutions     metric.Int64Counter
	invoiceDocuments   metric.Int64Counter
	invariantViolation metric.Int64Counter
	paymentEvents      metric.Int64Counter
	ledgerAdjustments  metric.Int64Counter
	bankTransfers      metric.Int64Counter
	subscriptionEvents metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

type counterSpec struct {
	name        string
	description string
	dst         *metric.Int64Counter
}

// New creates the billing counters on the service meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "marketledger"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	specs := []counterSpec{
		{"marketledger_fee_resolutions_total", "Fee lookups by the tier layer that answered.", &m.feeResolutions},
		{"marketledger_invoice_documents_total", "Invoice documents by type and status.", &m.invoiceDocuments},
		{"marketledger_invariant_violations_total", "Money computations rejected by a consistency check.", &m.invariantViolation},
		{"marketledger_payment_events_total", "Processor webhook events accepted.", &m.paymentEvents},
		{"marketledger_ledger_adjustments_total", "Ledger adjustments applied.", &m.ledgerAdjustments},
		{"marketledger_bank_transfer_transitions_total", "Bank transfer request status changes.", &m.bankTransfers},
		{"marketledger_subscription_events_total", "Subscription lifecycle events by outcome.", &m.subscriptionEvents},
		{"marketledger_rate_limit_allowed_total", "Processor-bound requests admitted.", &m.rateLimitAllowed},
		{"marketledger_rate_limit_denied_total", "Processor-bound requests throttled.", &m.rateLimitDenied},
	}
	for _, spec := range specs {
		counter, err := meter.Int64Counter(spec.name, metric.WithDescription(spec.description), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", spec.name, err)
		}
		*spec.dst = counter
	}
	return m, nil
}

func (m *Metrics) inc(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

// RecordFeeResolution counts which fallback layer answered a fee lookup.
func (m *Metrics) RecordFeeResolution(ctx context.Context, source string) {
	if m != nil {
		m.inc(ctx, m.feeResolutions, label("source", source))
	}
}

func (m *Metrics) RecordInvoiceDocument(ctx context.Context, documentType, status string) {
	if m != nil {
		m.inc(ctx, m.invoiceDocuments, label("document_type", documentType), label("status", status))
	}
}

// RecordInvariantViolation counts totals that failed to reconcile, such as
// a tax breakdown that does not sum to the invoice total.
func (m *Metrics) RecordInvariantViolation(ctx context.Context, reason string) {
	if m != nil {
		m.inc(ctx, m.invariantViolation, label("reason", reason))
	}
}

func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m != nil {
		m.inc(ctx, m.paymentEvents, label("provider", strings.ToLower(provider)), label("event_type", eventType))
	}
}

func (m *Metrics) RecordLedgerAdjustment(ctx context.Context, sourceType string) {
	if m != nil {
		m.inc(ctx, m.ledgerAdjustments, label("source_type", sourceType))
	}
}

func (m *Metrics) RecordBankTransferTransition(ctx context.Context, status string) {
	if m != nil {
		m.inc(ctx, m.bankTransfers, label("status", status))
	}
}

// RecordSubscriptionEvent counts lifecycle events; outcome is applied,
// ignored or dropped.
func (m *Metrics) RecordSubscriptionEvent(ctx context.Context, eventType, outcome string) {
	if m != nil {
		m.inc(ctx, m.subscriptionEvents, label("event_type", eventType), label("reason", outcome))
	}
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m != nil {
		m.inc(ctx, m.rateLimitAllowed, label("endpoint", endpoint))
	}
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m != nil {
		m.inc(ctx, m.rateLimitDenied, label("endpoint", endpoint), label("reason", reason))
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":      {},
	"method":        {},
	"route":         {},
	"status_code":   {},
	"status":        {},
	"provider":      {},
	"event_type":    {},
	"source":        {},
	"source_type":   {},
	"document_type": {},
	"reason":        {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
