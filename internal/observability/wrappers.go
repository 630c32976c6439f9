package observability

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/boxd/internal/process"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a process.Runner with metrics and tracing.
type InstrumentedRunner struct {
	inner   process.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps a runner with observability. It returns inner
// unchanged when both metrics and tracing are disabled.
func NewInstrumentedRunner(inner process.Runner, metrics *MetricsCollector, ts *TracerSetup) process.Runner {
	if metrics == nil && ts == nil {
		return inner
	}
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, name string, args []string, opts process.Options) *process.Result {
	command := commandLabel(name, args)

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "process.run",
			trace.WithAttributes(
				attribute.String("process.command", command),
				attribute.Int("process.args", len(args)),
			))
		defer span.End()
	}

	start := time.Now()
	res := r.inner.Run(ctx, name, args, opts)
	duration := time.Since(start).Seconds()

	outcome := runOutcome(res)
	if span != nil {
		span.SetAttributes(
			attribute.Int("process.exit_code", res.ExitCode),
			attribute.Bool("process.timed_out", res.TimedOut),
		)
		if outcome != "ok" {
			span.SetStatus(codes.Error, outcome)
		}
	}

	if r.metrics != nil {
		r.metrics.ProcessRunsTotal.WithLabelValues(command, outcome).Inc()
		r.metrics.ProcessRunDuration.WithLabelValues(command).Observe(duration)
	}

	return res
}

// commandLabel keeps metric cardinality bounded: the binary base name plus
// the engine subcommand.
func commandLabel(name string, args []string) string {
	base := filepath.Base(name)
	if len(args) == 0 {
		return base
	}
	return base + " " + args[0]
}

func runOutcome(res *process.Result) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.ExitCode == process.SpawnFailedExitCode:
		return "spawn_failed"
	case res.ExitCode != 0:
		return "failed"
	default:
		return "ok"
	}
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
