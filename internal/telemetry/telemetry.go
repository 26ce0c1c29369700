// Package telemetry records commit and handler metrics with OpenTelemetry.
//
// The Provider plugs into the rest of the graph through plain function
// values: Committed is an outbox callback, CommitFailed an outbox error
// observer, SubscriberFailed a bus failure observer and HandlerDone the
// handler engine's recorder.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"gridconsent/internal/domain"
	"gridconsent/internal/events"
	"gridconsent/internal/fsm"
	"gridconsent/internal/region"
)

const meterName = "gridconsent"

type Config struct {
	Enabled      bool
	OTLPEndpoint string // host:port of an OTLP gRPC collector
	Insecure     bool
	ServiceName  string
	Interval     time.Duration
}

type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	committed          metric.Int64Counter
	commitFailures     metric.Int64Counter
	handlerFailures    metric.Int64Counter
	subscriberFailures metric.Int64Counter
	handlerDuration    metric.Float64Histogram
}

// New exports to the configured OTLP endpoint. A disabled config yields a
// provider whose instruments record nothing.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telemetry")
	if !cfg.Enabled {
		logger.InfoContext(ctx, "telemetry disabled")
		return newProvider(noop.NewMeterProvider().Meter(meterName), nil, logger)
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p, err := NewWithReader(cfg.ServiceName, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)), logger)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(p.meterProvider)
	logger.InfoContext(ctx, "telemetry initialized", "endpoint", cfg.OTLPEndpoint, "insecure", cfg.Insecure)
	return p, nil
}

// NewWithReader builds a provider on an explicit reader, such as a
// ManualReader in tests.
func NewWithReader(serviceName string, reader sdkmetric.Reader, logger *slog.Logger) (*Provider, error) {
	if serviceName == "" {
		serviceName = "gridconsent"
	}
	if logger == nil {
		logger = slog.Default()
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)))
	if err != nil {
		// conflicting schema URLs between the sdk default and semconv
		res = resource.NewSchemaless(semconv.ServiceName(serviceName))
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	return newProvider(mp.Meter(meterName), mp, logger)
}

func newProvider(m metric.Meter, mp *sdkmetric.MeterProvider, logger *slog.Logger) (*Provider, error) {
	p := &Provider{meterProvider: mp, logger: logger}
	var err error
	if p.committed, err = m.Int64Counter("gridconsent.events.committed",
		metric.WithDescription("Events appended to the event store"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if p.commitFailures, err = m.Int64Counter("gridconsent.commit.failures",
		metric.WithDescription("Commits rejected by the state machine or the store"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if p.handlerFailures, err = m.Int64Counter("gridconsent.handler.failures",
		metric.WithDescription("Handler runs that ended in an error"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if p.subscriberFailures, err = m.Int64Counter("gridconsent.subscriber.failures",
		metric.WithDescription("Errors and panics escaping bus subscribers"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if p.handlerDuration, err = m.Float64Histogram("gridconsent.handler.duration",
		metric.WithDescription("Handler run time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Committed(ctx context.Context, e domain.Event) {
	p.committed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(e.Type)),
		attribute.String("status", string(e.Status)),
		attribute.String("region", e.Region),
	))
}

func (p *Provider) CommitFailed(ctx context.Context, e domain.Event, err error) {
	p.commitFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(e.Type)),
		attribute.String("reason", FailureReason(err)),
	))
}

func (p *Provider) HandlerDone(ctx context.Context, handler string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("handler", handler))
	p.handlerDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		p.handlerFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("handler", handler),
			attribute.String("kind", string(region.KindOf(err))),
		))
	}
}

func (p *Provider) SubscriberFailed(subscription string, e domain.Event, _ error) {
	p.subscriberFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("subscription", subscription),
		attribute.String("type", string(e.Type)),
	))
}

// Shutdown flushes pending measurements.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		return err
	}
	return nil
}

// FailureReason buckets a commit error for the reason attribute.
func FailureReason(err error) string {
	var pe *events.PersistenceError
	switch {
	case fsm.IsTransitionError(err):
		return "transition"
	case errors.Is(err, events.ErrConflict):
		return "conflict"
	case errors.As(err, &pe):
		return "persistence"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
