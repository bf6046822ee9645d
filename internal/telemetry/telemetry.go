// Package telemetry wires the ambient OTel metrics (and optional OTLP log
// export) the Gateway Supervisor exposes alongside its log.Printf logging:
// vlm crash_count, orchestrator iterations, event-bus drops, and
// rate-limiter rejections.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config gates the telemetry pipeline, off by default.
type Config struct {
	MetricsEnabled   bool
	LogExportEnabled bool
	OTLPEndpoint     string
}

// Metrics holds the instruments the orchestrator, vlmproc, events, and
// gateway packages record against. A Metrics with nil instruments (when
// telemetry is disabled) makes every Record* call a no-op.
type Metrics struct {
	CrashCount    metric.Int64Counter
	Iterations    metric.Int64Counter
	EventsDropped metric.Int64Counter
	RateLimited   metric.Int64Counter

	shutdown func(context.Context) error
}

// Setup builds the MeterProvider and registers it globally, plus, if
// enabled, a LoggerProvider that is not registered globally. The returned
// Metrics handle's Shutdown flushes both.
func Setup(ctx context.Context, cfg Config) (*Metrics, error) {
	if !cfg.MetricsEnabled {
		return &Metrics{shutdown: func(context.Context) error { return nil }}, nil
	}

	exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	meter := mp.Meter("vagent")

	crashCount, err := meter.Int64Counter("vlm.crash_count", metric.WithDescription("VLM child process crashes"))
	if err != nil {
		return nil, fmt.Errorf("creating vlm.crash_count counter: %w", err)
	}
	iterations, err := meter.Int64Counter("orchestrator.iterations", metric.WithDescription("control loop iterations"))
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator.iterations counter: %w", err)
	}
	eventsDropped, err := meter.Int64Counter("eventbus.dropped", metric.WithDescription("oldest events dropped on subscriber overflow"))
	if err != nil {
		return nil, fmt.Errorf("creating eventbus.dropped counter: %w", err)
	}
	rateLimited, err := meter.Int64Counter("gateway.rate_limited", metric.WithDescription("requests rejected by the token-bucket rate limiter"))
	if err != nil {
		return nil, fmt.Errorf("creating gateway.rate_limited counter: %w", err)
	}

	shutdownFns := []func(context.Context) error{mp.Shutdown}

	if cfg.LogExportEnabled {
		logExp, err := otlploghttp.New(ctx, otlploghttp.WithEndpoint(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
		}
		// The LoggerProvider is kept for its Shutdown method only: this
		// module logs via log.Printf and
		// does not route through the OTel logs API, so no bridge/global
		// logger is installed here.
		lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)))
		shutdownFns = append(shutdownFns, lp.Shutdown)
	}

	return &Metrics{
		CrashCount:    crashCount,
		Iterations:    iterations,
		EventsDropped: eventsDropped,
		RateLimited:   rateLimited,
		shutdown: func(ctx context.Context) error {
			for _, fn := range shutdownFns {
				if err := fn(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

// Shutdown flushes and closes any exporters Setup created.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// RecordCrash increments the vlm.crash_count counter, if telemetry is
// enabled.
func (m *Metrics) RecordCrash(ctx context.Context) {
	if m == nil || m.CrashCount == nil {
		return
	}
	m.CrashCount.Add(ctx, 1)
}

// RecordIteration increments the orchestrator.iterations counter.
func (m *Metrics) RecordIteration(ctx context.Context) {
	if m == nil || m.Iterations == nil {
		return
	}
	m.Iterations.Add(ctx, 1)
}

// RecordEventDropped increments the eventbus.dropped counter.
func (m *Metrics) RecordEventDropped(ctx context.Context) {
	if m == nil || m.EventsDropped == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1)
}

// RecordRateLimited increments the gateway.rate_limited counter.
func (m *Metrics) RecordRateLimited(ctx context.Context) {
	if m == nil || m.RateLimited == nil {
		return
	}
	m.RateLimited.Add(ctx, 1)
}
