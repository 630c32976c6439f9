// Package pool tracks live sandboxes by identifier, bounds how many may run
// at once and reclaims the ones left idle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/boxd/internal/observability"
	"github.com/jkaninda/boxd/internal/process"
	"github.com/jkaninda/boxd/internal/sandbox"
)

var (
	ErrCapacity = errors.New("maximum number of sandboxes reached")
	ErrNotFound = errors.New("sandbox not found")
	ErrClosed   = errors.New("registry is closed")
)

const (
	DefaultMaxSandboxes  = 10
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	// MaxReadBytes caps the content returned by ReadFile.
	MaxReadBytes = 1 << 20
)

// Eviction describes a sandbox removed by the idle sweep.
type Eviction struct {
	ID      string
	Image   string
	IdleFor time.Duration
	Err     error // Teardown problem, if any. The entry is removed regardless.
}

// Options configures a Registry. Zero values use defaults.
type Options struct {
	MaxSandboxes  int
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Defaults fills fields left empty in a create or ephemeral config.
	Defaults sandbox.Config
	// Sandbox is the template passed to every sandbox.New call.
	Sandbox sandbox.Options

	Logger       *slog.Logger
	Metrics      *Metrics
	Tracer       trace.Tracer
	EvictionHook func(Eviction)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Summary is the list view of one registered sandbox.
type Summary struct {
	ID        string    `json:"id"`
	Image     string    `json:"image"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
	Memory    string    `json:"memory,omitempty"`
	CPUs      string    `json:"cpus,omitempty"`
}

// Details is the inspect view: the registered config plus live engine state.
// Container is nil when the engine no longer knows the container.
type Details struct {
	Summary
	ContainerName string                 `json:"containerName"`
	Config        sandbox.Config         `json:"config"`
	Container     *sandbox.ContainerInfo `json:"container"`
}

type entry struct {
	id        string
	sb        *sandbox.Sandbox
	config    sandbox.Config
	createdAt time.Time
	lastUsed  time.Time // Guarded by Registry.mu.
	running   int       // In-flight executions. Guarded by Registry.mu.
}

// Registry owns every tracked sandbox. It is safe for concurrent use.
type Registry struct {
	maxSandboxes  int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	defaults      sandbox.Config
	sandboxOpts   sandbox.Options
	logger        *slog.Logger
	metrics       *Metrics
	tracer        trace.Tracer
	onEvict       func(Eviction)
	now           func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	reserved int // Slots held by in-flight Create calls.
	closed   bool

	sweepMu   sync.Mutex
	stopSweep func()
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.MaxSandboxes <= 0 {
		opts.MaxSandboxes = DefaultMaxSandboxes
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sandbox.Logger == nil {
		opts.Sandbox.Logger = opts.Logger
	}
	return &Registry{
		maxSandboxes:  opts.MaxSandboxes,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		defaults:      opts.Defaults,
		sandboxOpts:   opts.Sandbox,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		onEvict:       opts.EvictionHook,
		now:           opts.Now,
		entries:       make(map[string]*entry),
	}
}

// MaxSandboxes returns the configured capacity.
func (r *Registry) MaxSandboxes() int { return r.maxSandboxes }

// Defaults returns the config applied to empty create fields.
func (r *Registry) Defaults() sandbox.Config { return r.defaults }

// Len returns the number of registered sandboxes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Create starts a sandbox and registers it under a new identifier. A slot is
// reserved before the container starts, so concurrent calls can never push
// the pool past its maximum. Start failures leave nothing registered.
func (r *Registry) Create(ctx context.Context, cfg sandbox.Config) (id string, err error) {
	ctx, end := r.span(ctx, "pool.create", attribute.String("sandbox.image", cfg.Image))
	defer func() { end(err) }()

	cfg = cfg.WithDefaults(r.defaults)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	if len(r.entries)+r.reserved >= r.maxSandboxes {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.CapacityRejections.Inc()
		}
		return "", fmt.Errorf("%w (%d)", ErrCapacity, r.maxSandboxes)
	}
	r.reserved++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		r.reserved--
		r.mu.Unlock()
	}

	sb, err := sandbox.New(cfg, r.sandboxOpts)
	if err != nil {
		release()
		return "", err
	}
	if err := sb.Start(ctx); err != nil {
		release()
		if r.metrics != nil {
			r.metrics.CreateFailures.Inc()
		}
		r.logger.Warn("sandbox start failed",
			slog.String("image", cfg.Image),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	now := r.now()
	e := &entry{id: uuid.NewString(), sb: sb, config: sb.Config(), createdAt: now, lastUsed: now}

	r.mu.Lock()
	r.reserved--
	if r.closed {
		r.mu.Unlock()
		_ = sb.Stop(ctx)
		return "", ErrClosed
	}
	r.entries[e.id] = e
	active := len(r.entries)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Created.Inc()
		r.metrics.Active.Set(float64(active))
	}
	r.logger.Info("sandbox registered",
		slog.String("sandbox_id", e.id),
		slog.String("container", sb.Name()),
		slog.String("image", cfg.Image),
		slog.Int("active", active),
	)
	return e.id, nil
}

// acquire looks up id and marks it used. lastUsed never moves backwards.
// With busy set the entry is also counted as running; the caller must
// decrement it.
func (r *Registry) acquire(id string, busy bool) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if now := r.now(); now.After(e.lastUsed) {
		e.lastUsed = now
	}
	if busy {
		e.running++
	}
	return e, nil
}

// Execute runs code in a registered sandbox. The entry is marked used before
// the run starts and the sweep skips it until the run returns, so a long
// execution never counts as idle.
func (r *Registry) Execute(ctx context.Context, id, code, language string, opts sandbox.ExecOptions) (res *process.Result, err error) {
	ctx, end := r.span(ctx, "pool.execute",
		attribute.String("sandbox.id", id),
		attribute.String("sandbox.language", language),
	)
	defer func() { end(err) }()

	e, err := r.acquire(id, true)
	if err != nil {
		return nil, err
	}
	defer func() {
		r.mu.Lock()
		e.running--
		r.mu.Unlock()
	}()

	res, err = e.sb.RunCode(ctx, code, language, opts)
	r.recordExecution(language, res, err)
	return res, err
}

// List returns a snapshot of every registered sandbox, oldest first.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.summary())
	}
	sortSummaries(out)
	return out
}

// Inspect returns the registered config and the live container state.
func (r *Registry) Inspect(ctx context.Context, id string) (*Details, error) {
	e, err := r.acquire(id, false)
	if err != nil {
		return nil, err
	}
	info := e.sb.Info(ctx)

	r.mu.Lock()
	d := &Details{Summary: e.summary(), ContainerName: e.sb.Name(), Config: e.config}
	r.mu.Unlock()
	d.Container = info
	return d, nil
}

// CopyInto writes content to containerPath inside the sandbox. Relative paths
// resolve against the working directory.
func (r *Registry) CopyInto(ctx context.Context, id string, content []byte, containerPath string) (err error) {
	ctx, end := r.span(ctx, "pool.copy_into", attribute.String("sandbox.id", id))
	defer func() { end(err) }()

	e, err := r.acquire(id, false)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp("", "boxd-upload-*")
	if err != nil {
		return fmt.Errorf("staging upload: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()

	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("staging upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("staging upload: %w", err)
	}
	// docker cp keeps the mode; the container user must be able to read it.
	_ = os.Chmod(f.Name(), 0o644)

	return e.sb.CopyToContainer(ctx, f.Name(), e.sb.ContainerPath(containerPath))
}

// ReadFile copies containerPath out of the sandbox and returns at most
// MaxReadBytes of it. truncated reports whether the file was longer.
func (r *Registry) ReadFile(ctx context.Context, id, containerPath string) (content []byte, truncated bool, err error) {
	ctx, end := r.span(ctx, "pool.read_file", attribute.String("sandbox.id", id))
	defer func() { end(err) }()

	e, err := r.acquire(id, false)
	if err != nil {
		return nil, false, err
	}

	dir, err := os.MkdirTemp("", "boxd-download-")
	if err != nil {
		return nil, false, fmt.Errorf("staging download: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	local := filepath.Join(dir, "file")
	if err := e.sb.CopyFromContainer(ctx, e.sb.ContainerPath(containerPath), local); err != nil {
		return nil, false, err
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, false, fmt.Errorf("reading copied file: %w", err)
	}
	defer f.Close()

	content, err = io.ReadAll(io.LimitReader(f, MaxReadBytes+1))
	if err != nil {
		return nil, false, fmt.Errorf("reading copied file: %w", err)
	}
	if len(content) > MaxReadBytes {
		return content[:MaxReadBytes], true, nil
	}
	return content, false, nil
}

// Logs returns the sandbox container's output.
func (r *Registry) Logs(ctx context.Context, id string, opts sandbox.LogOptions) (string, error) {
	e, err := r.acquire(id, false)
	if err != nil {
		return "", err
	}
	return e.sb.Logs(ctx, opts)
}

// Stop tears down a registered sandbox and removes its entry. Teardown
// problems are logged; the entry is removed regardless.
func (r *Registry) Stop(ctx context.Context, id string) (err error) {
	ctx, end := r.span(ctx, "pool.stop", attribute.String("sandbox.id", id))
	defer func() { end(err) }()

	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if stopErr := e.sb.Stop(ctx); stopErr != nil {
		r.logger.Warn("sandbox stop reported errors",
			slog.String("sandbox_id", id),
			slog.String("error", stopErr.Error()),
		)
	}

	active, removed := r.remove(e)
	if removed && r.metrics != nil {
		r.metrics.Stopped.Inc()
		r.metrics.Active.Set(float64(active))
	}
	r.logger.Info("sandbox unregistered", slog.String("sandbox_id", id), slog.Int("active", active))
	return nil
}

// remove deletes e if it is still the entry registered under its id.
func (r *Registry) remove(e *entry) (active int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.id]; ok && cur == e {
		delete(r.entries, e.id)
		removed = true
	}
	return len(r.entries), removed
}

// RunEphemeral runs code once in a throwaway sandbox that is never
// registered and does not count against capacity. The sandbox is torn down
// before returning, even when the run fails.
func (r *Registry) RunEphemeral(ctx context.Context, code, language string, cfg sandbox.Config, opts sandbox.ExecOptions) (res *process.Result, err error) {
	ctx, end := r.span(ctx, "pool.run_ephemeral", attribute.String("sandbox.language", language))
	defer func() { end(err) }()

	if _, err := sandbox.LookupLanguage(language); err != nil {
		return nil, err
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sb, err := sandbox.New(cfg.WithDefaults(r.defaults), r.sandboxOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if stopErr := sb.Stop(ctx); stopErr != nil {
			r.logger.Warn("ephemeral sandbox teardown reported errors",
				slog.String("container", sb.Name()),
				slog.String("error", stopErr.Error()),
			)
		}
	}()

	if r.metrics != nil {
		r.metrics.Ephemeral.Inc()
	}
	if err := sb.Start(ctx); err != nil {
		return nil, err
	}
	res, err = sb.RunCode(ctx, code, language, opts)
	r.recordExecution(language, res, err)
	return res, err
}

// Close stops the sweeper and tears down every registered sandbox.
// Later calls to Create, RunEphemeral and Close return ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	clear(r.entries)
	r.mu.Unlock()

	r.sweepMu.Lock()
	stop := r.stopSweep
	r.stopSweep = nil
	r.sweepMu.Unlock()
	if stop != nil {
		stop()
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.sb.Stop(ctx); err != nil {
				r.logger.Warn("sandbox shutdown reported errors",
					slog.String("sandbox_id", e.id),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	wg.Wait()

	if r.metrics != nil {
		r.metrics.Stopped.Add(float64(len(entries)))
		r.metrics.Active.Set(0)
	}
	r.logger.Info("sandbox registry closed", slog.Int("stopped", len(entries)))
	return nil
}

func (r *Registry) recordExecution(language string, res *process.Result, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.TimedOut:
		outcome = "timeout"
	case res.ExitCode != 0:
		outcome = "failed"
	}
	r.metrics.Executions.WithLabelValues(language, outcome).Inc()
	if res != nil {
		r.metrics.ExecDuration.WithLabelValues(language).Observe(res.Duration.Seconds())
	}
}

// span starts a span when tracing is enabled. The returned func ends it,
// recording err when non-nil.
func (r *Registry) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	return observability.StartSpan(ctx, r.tracer, name, attrs...)
}

func sortSummaries(s []Summary) {
	slices.SortFunc(s, func(a, b Summary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func (e *entry) summary() Summary {
	return Summary{
		ID:        e.id,
		Image:     e.config.Image,
		CreatedAt: e.createdAt,
		LastUsed:  e.lastUsed,
		Memory:    e.config.Memory,
		CPUs:      e.config.CPUs,
	}
}
