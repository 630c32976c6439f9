// Package config handles loading and validating boxd configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/boxd/internal/sandbox"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for boxd.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug|info|warn|error. Override: BOXD_LOG_LEVEL env var.
	Docker        DockerConfig         `json:"docker" yaml:"docker"`
	Pool          PoolConfig           `json:"pool" yaml:"pool"`
	Defaults      SandboxDefaults      `json:"defaults" yaml:"defaults"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// DockerConfig configures access to the container engine CLI.
type DockerConfig struct {
	Binary                string `json:"binary" yaml:"binary"` // Default: "docker". Override: BOXD_DOCKER_BINARY env var.
	StartupPollAttempts   int    `json:"startup_poll_attempts" yaml:"startup_poll_attempts"`
	StartupPollIntervalMS int    `json:"startup_poll_interval_ms" yaml:"startup_poll_interval_ms"`
	TempDir               string `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"` // Parent of per-sandbox host dirs. Default: os.TempDir().
}

// BinaryName returns the engine binary. Defaults to "docker".
func (d *DockerConfig) BinaryName() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "docker"
}

// PollAttempts returns the number of startup inspections. Defaults to 30.
func (d *DockerConfig) PollAttempts() int {
	if d.StartupPollAttempts > 0 {
		return d.StartupPollAttempts
	}
	return sandbox.DefaultStartupPollAttempts
}

// PollInterval returns the delay between startup inspections. Defaults to 1s.
func (d *DockerConfig) PollInterval() time.Duration {
	if d.StartupPollIntervalMS > 0 {
		return time.Duration(d.StartupPollIntervalMS) * time.Millisecond
	}
	return sandbox.DefaultStartupPollInterval
}

// PoolConfig configures the sandbox registry.
type PoolConfig struct {
	MaxSandboxes         int `json:"max_sandboxes" yaml:"max_sandboxes"`                   // Default: 10
	IdleTimeoutMinutes   int `json:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`     // Default: 30
	SweepIntervalMinutes int `json:"sweep_interval_minutes" yaml:"sweep_interval_minutes"` // Default: 5
}

// Max returns the sandbox cap. Defaults to 10.
func (p *PoolConfig) Max() int {
	if p.MaxSandboxes > 0 {
		return p.MaxSandboxes
	}
	return 10
}

// IdleTimeout returns how long a sandbox may go unused before eviction. Defaults to 30m.
func (p *PoolConfig) IdleTimeout() time.Duration {
	if p.IdleTimeoutMinutes > 0 {
		return time.Duration(p.IdleTimeoutMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// SweepInterval returns the idle sweep period. Defaults to 5m.
func (p *PoolConfig) SweepInterval() time.Duration {
	if p.SweepIntervalMinutes > 0 {
		return time.Duration(p.SweepIntervalMinutes) * time.Minute
	}
	return 5 * time.Minute
}

// SandboxDefaults fills fields a create request leaves empty.
type SandboxDefaults struct {
	Image       string            `json:"image" yaml:"image"`
	Memory      string            `json:"memory" yaml:"memory"`
	CPUs        string            `json:"cpus" yaml:"cpus"`
	PidsLimit   int               `json:"pids_limit" yaml:"pids_limit"`
	WorkingDir  string            `json:"working_dir" yaml:"working_dir"`
	NetworkMode string            `json:"network_mode" yaml:"network_mode"`
	User        string            `json:"user" yaml:"user"`
	ReadOnly    bool              `json:"read_only" yaml:"read_only"`
	TimeoutMS   int64             `json:"timeout_ms" yaml:"timeout_ms"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// ToSandbox converts the defaults to a sandbox config.
func (d SandboxDefaults) ToSandbox() sandbox.Config {
	return sandbox.Config{
		Image:       d.Image,
		Memory:      d.Memory,
		CPUs:        d.CPUs,
		PidsLimit:   d.PidsLimit,
		WorkingDir:  d.WorkingDir,
		NetworkMode: d.NetworkMode,
		User:        d.User,
		ReadOnly:    d.ReadOnly,
		TimeoutMS:   d.TimeoutMS,
		Environment: d.Environment,
	}
}

// ServerConfig configures the inbound transports.
type ServerConfig struct {
	MCP  MCPConfig  `json:"mcp" yaml:"mcp"`
	HTTP HTTPConfig `json:"http" yaml:"http"`
}

// MCPConfig selects how the MCP tool server is exposed.
type MCPConfig struct {
	Transport string `json:"transport" yaml:"transport"` // "stdio" (default), "http" (mounted at /mcp on the HTTP server) or "none".
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Override: BOXD_HTTP_ADDR env var.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"` // API key → client ID. Empty = no authentication.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics endpoint path.
func (m *MetricsConfig) MetricsPath() string {
	if m == nil || m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "boxd"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency checks for the readiness probe.
type HealthConfig struct {
	IncludeEngine bool `json:"include_engine" yaml:"include_engine"` // Probe the container engine on /readyz.
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		LogLevel: "info",
		Docker:   DockerConfig{Binary: "docker"},
		Pool: PoolConfig{
			MaxSandboxes:         10,
			IdleTimeoutMinutes:   30,
			SweepIntervalMinutes: 5,
		},
		Defaults: SandboxDefaults{
			Image:       "python:3.9-slim",
			Memory:      "512m",
			CPUs:        "1",
			PidsLimit:   256,
			WorkingDir:  "/workspace",
			NetworkMode: "none",
			User:        "nobody",
			TimeoutMS:   30000,
		},
		Server: ServerConfig{
			MCP: MCPConfig{Transport: "stdio"},
			HTTP: HTTPConfig{
				ListenAddr:          ":8080",
				MaxRequestSizeBytes: 2 << 20,
				RateLimit:           RateLimitConfig{RequestsPerMinute: 120, BurstSize: 20},
			},
		},
	}
	cfg.applyEnv()
	return cfg
}

// DefaultConfigPath returns the default config file path (~/.boxd/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/boxd.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".boxd", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Values missing from the file keep their Default() value.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when the file exists and falls back to Default()
// when it does not.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("BOXD_DOCKER_BINARY"); v != "" {
		c.Docker.Binary = v
	}
	if v := os.Getenv("BOXD_HTTP_ADDR"); v != "" {
		c.Server.HTTP.ListenAddr = v
		c.Server.HTTP.Enabled = true
	}
	if v := os.Getenv("BOXD_API_KEY"); v != "" {
		if c.Server.HTTP.APIKeys == nil {
			c.Server.HTTP.APIKeys = make(map[string]string)
		}
		c.Server.HTTP.APIKeys[v] = "default"
	}
	if v := os.Getenv("BOXD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BOXD_MAX_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxSandboxes = n
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel)
	}
	if c.Pool.MaxSandboxes < 0 {
		return fmt.Errorf("pool.max_sandboxes must not be negative")
	}
	if c.Pool.IdleTimeoutMinutes < 0 {
		return fmt.Errorf("pool.idle_timeout_minutes must not be negative")
	}
	if c.Pool.SweepIntervalMinutes < 0 {
		return fmt.Errorf("pool.sweep_interval_minutes must not be negative")
	}
	if c.Docker.StartupPollAttempts < 0 || c.Docker.StartupPollIntervalMS < 0 {
		return fmt.Errorf("docker startup polling values must not be negative")
	}
	if c.Defaults.TimeoutMS < 0 {
		return fmt.Errorf("defaults.timeout_ms must not be negative")
	}
	switch c.Server.MCP.Transport {
	case "", "stdio", "none":
	case "http":
		if !c.Server.HTTP.Enabled {
			return fmt.Errorf("server.mcp.transport \"http\" requires server.http.enabled")
		}
	default:
		return fmt.Errorf("server.mcp.transport %q must be stdio, http or none", c.Server.MCP.Transport)
	}
	if c.Server.HTTP.Enabled && c.Server.HTTP.ListenAddr == "" {
		return fmt.Errorf("server.http.listen_addr is required when the HTTP server is enabled")
	}
	if c.Server.HTTP.RateLimit.RequestsPerMinute < 0 || c.Server.HTTP.RateLimit.BurstSize < 0 {
		return fmt.Errorf("server.http.rate_limit values must not be negative")
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q must be grpc or http", o.Tracing.Protocol)
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	if c.Server.MCP.Transport == "none" && !c.Server.HTTP.Enabled {
		return fmt.Errorf("no transport enabled: set server.mcp.transport or server.http.enabled")
	}
	return nil
}
