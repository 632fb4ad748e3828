package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/invoicing/internal/currency"
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

const defaultServiceName = "invoicing"

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
	numbersReserved metric.Int64Counter
	totalsComputed  metric.Int64Counter
	invoicesCreated metric.Int64Counter
	rateLimited     metric.Int64Counter
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
		name = defaultServiceName
	}
	meter := provider.Meter(name)

	numbersReserved, err := meter.Int64Counter("invoicing_invoice_numbers_reserved_total")
	if err != nil {
		return nil, err
	}
	totalsComputed, err := meter.Int64Counter("invoicing_totals_computed_total")
	if err != nil {
		return nil, err
	}
	invoicesCreated, err := meter.Int64Counter("invoicing_invoices_created_total")
	if err != nil {
		return nil, err
	}
	rateLimited, err := meter.Int64Counter("invoicing_rate_limit_decisions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		numbersReserved: numbersReserved,
		totalsComputed:  totalsComputed,
		invoicesCreated: invoicesCreated,
		rateLimited:     rateLimited,
	}, nil
}

// RecordNumberReserved increments reserved invoice number counts.
func (m *Metrics) RecordNumberReserved(ctx context.Context, rollover bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.Bool("rollover", rollover))
	m.numbersReserved.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTotalsComputed increments totals computations by currency and variant.
func (m *Metrics) RecordTotalsComputed(ctx context.Context, currencyCode, variant string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("currency", currency.Normalize(currencyCode)),
		attribute.String("variant", strings.TrimSpace(variant)),
	)
	m.totalsComputed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInvoiceCreated increments created invoice counts.
func (m *Metrics) RecordInvoiceCreated(ctx context.Context, currencyCode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("currency", currency.Normalize(currencyCode)))
	m.invoicesCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimit counts invoice create rate limit decisions.
func (m *Metrics) RecordRateLimit(ctx context.Context, allowed bool) {
	if m == nil {
		return
	}
	reason := "allowed"
	if !allowed {
		reason = "denied"
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", reason))...))
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
	"currency":    {},
	"variant":     {},
	"rollover":    {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Organization and invoice identifiers never become labels.
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
