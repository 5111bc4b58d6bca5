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
	ledgerEntries     metric.Int64Counter
	gateEvaluations   metric.Int64Counter
	paymentEvents     metric.Int64Counter
	settlementRecords metric.Int64Counter
	liabilityEvents   metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "payrail"
	}
	meter := provider.Meter(name)

	ledgerEntries, err := meter.Int64Counter("payrail_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	gateEvaluations, err := meter.Int64Counter("payrail_gate_evaluations_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("payrail_payment_events_total")
	if err != nil {
		return nil, err
	}
	settlementRecords, err := meter.Int64Counter("payrail_settlement_records_total")
	if err != nil {
		return nil, err
	}
	liabilityEvents, err := meter.Int64Counter("payrail_liability_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerEntries:     ledgerEntries,
		gateEvaluations:   gateEvaluations,
		paymentEvents:     paymentEvents,
		settlementRecords: settlementRecords,
		liabilityEvents:   liabilityEvents,
	}, nil
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, entryType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("entry_type", strings.TrimSpace(entryType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGateEvaluation increments funding gate evaluation counts.
func (m *Metrics) RecordGateEvaluation(ctx context.Context, gateType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gate_type", strings.TrimSpace(gateType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.gateEvaluations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlementRecord increments processed settlement record counts.
func (m *Metrics) RecordSettlementRecord(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.settlementRecords.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLiabilityEvent increments liability classification counts.
func (m *Metrics) RecordLiabilityEvent(ctx context.Context, party string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("liability_party", strings.TrimSpace(party)))
	m.liabilityEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"entry_type":      {},
	"gate_type":       {},
	"outcome":         {},
	"provider":        {},
	"event_type":      {},
	"status":          {},
	"liability_party": {},
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
