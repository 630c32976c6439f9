// Package observability holds boxd's Prometheus metrics, OpenTelemetry
// tracing and readiness checks. Every component is optional; the accessors
// below are nil-safe so callers wire them without branching.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/boxd/internal/config"
)

// Observability bundles the enabled components. Metrics and Tracer are nil
// when disabled; Health is always set on a non-nil Observability.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg disables
// observability entirely and yields a nil *Observability.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	obs := &Observability{Health: NewHealthChecker(logger)}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	ts, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs.Tracer = ts
	return obs, nil
}

// Shutdown flushes the tracer.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if err := o.Tracer.Shutdown(ctx); err != nil && o.Health != nil && o.Health.logger != nil {
		o.Health.logger.Warn("flushing traces", slog.String("error", err.Error()))
	}
}

// TracerOrNil returns the service tracer, or nil when tracing is off.
func (o *Observability) TracerOrNil() trace.Tracer {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Tracer()
}

// TracerSetupOrNil returns the tracer setup, or nil when tracing is off.
func (o *Observability) TracerSetupOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the collector, or nil when metrics are off.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// HealthOrNew returns the health checker, or a fresh empty one when
// observability is disabled.
func (o *Observability) HealthOrNew(logger *slog.Logger) *HealthChecker {
	if o == nil || o.Health == nil {
		return NewHealthChecker(logger)
	}
	return o.Health
}
