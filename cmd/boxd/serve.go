package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/boxd/internal/config"
	"github.com/jkaninda/boxd/internal/dispatch"
	"github.com/jkaninda/boxd/internal/httpapi"
	"github.com/jkaninda/boxd/internal/ratelimit"
	"github.com/jkaninda/boxd/internal/sandbox"
)

var (
	serveTransport string
	serveHTTPAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve sandbox tools over MCP and/or HTTP",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `boxd --config path` and `boxd serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveTransport, "transport", "", `override MCP transport ("stdio", "http" or "none")`)
		cmd.Flags().StringVar(&serveHTTPAddr, "http", "", "enable the HTTP API on this address (e.g. :8080)")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

// runServe starts the MCP and HTTP transports and blocks until a signal
// arrives or a transport fails.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveHTTPAddr != "" {
		cfg.Server.HTTP.Enabled = true
		cfg.Server.HTTP.ListenAddr = serveHTTPAddr
	}
	if serveTransport != "" {
		cfg.Server.MCP.Transport = serveTransport
	}
	if cfg.Server.MCP.Transport == "http" && !cfg.Server.HTTP.Enabled {
		return fmt.Errorf("mcp transport %q requires the HTTP API (--http)", cfg.Server.MCP.Transport)
	}

	logger := newLogger(os.Stderr, cfg.LogLevel)
	logger.Info("starting boxd",
		slog.String("version", version),
		slog.String("mcp_transport", cfg.Server.MCP.Transport),
		slog.Bool("http", cfg.Server.HTTP.Enabled),
	)

	c, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancelSweeper, err := c.Registry.StartSweeper(ctx)
	if err != nil {
		return fmt.Errorf("starting idle sweeper: %w", err)
	}
	defer cancelSweeper()

	mcpServer := dispatch.NewMCPServer(c.Dispatcher, "boxd", version)

	errs := make(chan error, 2)
	running := 0

	var api *httpapi.Server
	if cfg.Server.HTTP.Enabled {
		api = newHTTPServer(ctx, c, dispatch.NewStreamableHandler(mcpServer, "/mcp"))
		running++
		go func() { errs <- api.Start(ctx) }()
	}

	if cfg.Server.MCP.Transport == "stdio" {
		running++
		go func() {
			errs <- dispatch.ServeStdio(ctx, mcpServer, os.Stdin, os.Stdout, slog.NewLogLogger(logger.Handler(), slog.LevelError))
		}()
	}

	if running == 0 {
		return fmt.Errorf("no transports enabled in config")
	}

	// Wait for signal or first transport exit.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && ctx.Err() == nil {
			logger.Error("transport exited with error", slog.String("error", err.Error()))
		} else {
			logger.Info("transport closed")
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if api != nil {
		if err := api.Stop(shutdownCtx); err != nil {
			logger.Error("stopping http api", slog.String("error", err.Error()))
		}
	}
	return nil
}

func newHTTPServer(ctx context.Context, c *Components, mcpHandler http.Handler) *httpapi.Server {
	cfg := c.Config
	health := c.Obs.HealthOrNew(c.Logger)
	if cfg.Observability != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeEngine {
		health.AddCheck("container_engine", func(ctx context.Context) error {
			if !sandbox.IsDockerAvailable(ctx, c.Runner, cfg.Docker.BinaryName()) {
				return fmt.Errorf("%s is not reachable", cfg.Docker.BinaryName())
			}
			return nil
		})
	}

	apiCfg := httpapi.Config{
		ListenAddr:     cfg.Server.HTTP.ListenAddr,
		EnableDocs:     cfg.Server.HTTP.EnableDocs,
		APIKeys:        cfg.Server.HTTP.APIKeys,
		MaxRequestSize: cfg.Server.HTTP.MaxRequestSizeBytes,
		Version:        version,
		HealthChecker:  health,
		Metrics:        c.Obs.MetricsOrNil(),
		Tracer:         c.Obs.TracerOrNil(),
	}
	if cfg.Server.MCP.Transport == "http" {
		apiCfg.MCP = mcpHandler
	}
	if m := c.Obs.MetricsOrNil(); m != nil {
		apiCfg.MetricsRegistry = m.Registry
		apiCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.HTTP.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.HTTP.RateLimit.BurstSize,
	})
	if !limiter.Unlimited() {
		go pruneLimiter(ctx, limiter, c.Logger)
	}
	return httpapi.New(apiCfg, c.Dispatcher, limiter, c.Logger)
}

// pruneLimiter drops idle client buckets every few minutes until ctx ends.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(10 * time.Minute); n > 0 {
				logger.Debug("rate limiter pruned", slog.Int("clients", n))
			}
		}
	}
}
