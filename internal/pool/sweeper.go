package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep stops and unregisters every sandbox idle for longer than the idle
// timeout and returns their identifiers. Sandboxes with an execution in
// flight are never evicted. Teardown problems are logged and reported to
// the eviction hook; the sweep always continues with the next entry.
func (r *Registry) Sweep(ctx context.Context) []string {
	start := time.Now()
	now := r.now()

	r.mu.Lock()
	var idle []*entry
	for _, e := range r.entries {
		if e.running == 0 && now.Sub(e.lastUsed) > r.idleTimeout {
			idle = append(idle, e)
		}
	}
	r.mu.Unlock()

	var evicted []string
	for _, e := range idle {
		ev, ok := r.evict(ctx, e, now)
		if !ok {
			continue
		}
		evicted = append(evicted, e.id)
		r.notifyEviction(ev)
	}

	if r.metrics != nil {
		r.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if len(evicted) > 0 {
		r.logger.Info("idle sweep evicted sandboxes", slog.Int("evicted", len(evicted)), slog.Int("active", r.Len()))
	}
	return evicted
}

// evict removes e if it is still registered and still idle, then tears it down.
func (r *Registry) evict(ctx context.Context, e *entry, now time.Time) (Eviction, bool) {
	r.mu.Lock()
	cur, ok := r.entries[e.id]
	if !ok || cur != e || e.running > 0 || now.Sub(e.lastUsed) <= r.idleTimeout {
		r.mu.Unlock()
		return Eviction{}, false
	}
	delete(r.entries, e.id)
	active := len(r.entries)
	idleFor := now.Sub(e.lastUsed)
	r.mu.Unlock()

	ev := Eviction{ID: e.id, Image: e.config.Image, IdleFor: idleFor}
	if err := e.sb.Stop(ctx); err != nil {
		ev.Err = err
		r.logger.Warn("idle sandbox teardown reported errors",
			slog.String("sandbox_id", e.id),
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.Evicted.Inc()
		r.metrics.Active.Set(float64(active))
	}
	r.logger.Info("idle sandbox evicted",
		slog.String("sandbox_id", e.id),
		slog.Duration("idle_for", idleFor),
	)
	return ev, true
}

func (r *Registry) notifyEviction(ev Eviction) {
	if r.onEvict == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("eviction hook panicked", slog.String("sandbox_id", ev.ID), slog.Any("panic", p))
		}
	}()
	r.onEvict(ev)
}

// StartSweeper schedules Sweep every sweep interval until ctx is cancelled
// or the returned function is called. The returned function waits for an
// in-flight sweep to finish. Close also stops the sweeper.
func (r *Registry) StartSweeper(ctx context.Context) (func(), error) {
	logger := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(ctx)
	spec := fmt.Sprintf("@every %s", r.sweepInterval)
	if _, err := c.AddFunc(spec, func() { r.Sweep(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduling idle sweep %q: %w", spec, err)
	}
	c.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	r.logger.Info("idle sweeper started",
		slog.Duration("interval", r.sweepInterval),
		slog.Duration("idle_timeout", r.idleTimeout),
	)

	stop := func() {
		cancel()
		<-done
	}
	r.sweepMu.Lock()
	prev := r.stopSweep
	r.stopSweep = stop
	r.sweepMu.Unlock()
	if prev != nil {
		prev()
	}
	return stop, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
