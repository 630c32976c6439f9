package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/boxd/internal/config"
	"github.com/jkaninda/boxd/internal/dispatch"
	"github.com/jkaninda/boxd/internal/observability"
	"github.com/jkaninda/boxd/internal/pool"
	"github.com/jkaninda/boxd/internal/process"
	"github.com/jkaninda/boxd/internal/sandbox"
)

// configPath is shared by every subcommand that reads configuration.
var configPath string

// Components holds the subsystems built from a Config. Built once by
// initComponents, torn down by Cleanup.
type Components struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Runner     process.Runner
	Registry   *pool.Registry
	Dispatcher *dispatch.Dispatcher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig reads the config file named by BOXD_CONFIG or --config,
// falling back to defaults when the file does not exist.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("BOXD_CONFIG", configPath))
}

// newLogger returns a JSON logger on w. stdout belongs to the MCP stdio
// transport, so callers pass stderr.
func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initComponents wires observability, the process runner, the sandbox
// registry and the dispatcher. Callers must call Cleanup when done.
func initComponents(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	})

	metrics := obs.MetricsOrNil()
	c.Runner = observability.NewInstrumentedRunner(process.NewExecRunner(process.DefaultTimeout, logger), metrics, obs.TracerSetupOrNil())

	c.Registry = pool.New(pool.Options{
		MaxSandboxes:  cfg.Pool.Max(),
		IdleTimeout:   cfg.Pool.IdleTimeout(),
		SweepInterval: cfg.Pool.SweepInterval(),
		Defaults:      cfg.Defaults.ToSandbox(),
		Sandbox: sandbox.Options{
			Binary:              cfg.Docker.BinaryName(),
			Runner:              c.Runner,
			Logger:              logger,
			StartupPollAttempts: cfg.Docker.PollAttempts(),
			StartupPollInterval: cfg.Docker.PollInterval(),
			TempRoot:            cfg.Docker.TempDir,
		},
		Logger:  logger,
		Metrics: pool.NewMetrics(metrics.RegistryOrNil()),
		Tracer:  obs.TracerOrNil(),
		EvictionHook: func(ev pool.Eviction) {
			attrs := []any{
				slog.String("sandbox_id", ev.ID),
				slog.String("image", ev.Image),
				slog.Duration("idle_for", ev.IdleFor),
			}
			if ev.Err != nil {
				logger.Warn("idle sandbox evicted with teardown error", append(attrs, slog.String("error", ev.Err.Error()))...)
				return
			}
			logger.Info("idle sandbox evicted", attrs...)
		},
	})
	c.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Registry.Close(ctx); err != nil {
			logger.Warn("closing sandbox registry", slog.String("error", err.Error()))
		}
	})

	c.Dispatcher = dispatch.New(dispatch.Options{
		Registry: c.Registry,
		Runner:   c.Runner,
		Binary:   cfg.Docker.BinaryName(),
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   obs.TracerOrNil(),
	})
	return c, nil
}
