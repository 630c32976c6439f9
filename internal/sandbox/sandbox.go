// Package sandbox manages the lifecycle of one long-running, resource-constrained
// container and executes code inside it. All engine interaction goes through
// the container CLI as explicit argument vectors, never through a shell.
package sandbox

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAlreadyRunning      = errors.New("sandbox is already running")
	ErrNotRunning          = errors.New("sandbox is not running")
	ErrStopped             = errors.New("sandbox was stopped and cannot be restarted")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrStartupTimeout      = errors.New("container did not reach running state")
	ErrInvalidConfig       = errors.New("invalid sandbox config")
)

// MaxTimeout bounds every per-operation timeout.
const MaxTimeout = 24 * time.Hour

// CommandError reports a management command that exited non-zero.
type CommandError struct {
	Op       string // "start", "copy", "logs", ...
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("%s failed (exit code %d): %s", e.Op, e.ExitCode, msg)
}

// Volume is an extra bind mount.
type Volume struct {
	HostPath      string `json:"hostPath" yaml:"host_path"`
	ContainerPath string `json:"containerPath" yaml:"container_path"`
	ReadOnly      bool   `json:"readOnly,omitempty" yaml:"read_only,omitempty"`
}

// Config is the immutable description of a sandbox, supplied at creation.
type Config struct {
	Image       string            `json:"image" yaml:"image"`
	Memory      string            `json:"memory,omitempty" yaml:"memory,omitempty"` // e.g. "512m"
	CPUs        string            `json:"cpus,omitempty" yaml:"cpus,omitempty"`     // e.g. "1" or "0.5"
	PidsLimit   int               `json:"pidsLimit,omitempty" yaml:"pids_limit,omitempty"`
	WorkingDir  string            `json:"workingDir" yaml:"working_dir"`
	NetworkMode string            `json:"networkMode" yaml:"network_mode"` // "none" = no network stack
	ReadOnly    bool              `json:"readOnly" yaml:"read_only"`
	User        string            `json:"user,omitempty" yaml:"user,omitempty"`
	TimeoutMS   int64             `json:"timeout" yaml:"timeout_ms"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Volumes     []Volume          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// Timeout returns the per-operation timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// WithDefaults returns a copy of c with empty fields taken from d.
// Environment maps are merged; c wins on conflicts.
func (c Config) WithDefaults(d Config) Config {
	out := c
	if out.Image == "" {
		out.Image = d.Image
	}
	if out.Memory == "" {
		out.Memory = d.Memory
	}
	if out.CPUs == "" {
		out.CPUs = d.CPUs
	}
	if out.PidsLimit <= 0 {
		out.PidsLimit = d.PidsLimit
	}
	if out.WorkingDir == "" {
		out.WorkingDir = d.WorkingDir
	}
	if out.NetworkMode == "" {
		out.NetworkMode = d.NetworkMode
	}
	if out.User == "" {
		out.User = d.User
	}
	if out.TimeoutMS <= 0 {
		out.TimeoutMS = d.TimeoutMS
	}
	if !out.ReadOnly {
		out.ReadOnly = d.ReadOnly
	}
	if len(d.Environment) > 0 || len(c.Environment) > 0 {
		env := make(map[string]string, len(d.Environment)+len(c.Environment))
		maps.Copy(env, d.Environment)
		maps.Copy(env, c.Environment)
		out.Environment = env
	}
	if len(out.Volumes) == 0 && len(d.Volumes) > 0 {
		out.Volumes = append([]Volume(nil), d.Volumes...)
	}
	return out
}

var (
	memoryPattern = regexp.MustCompile(`^[0-9]+[bkmgBKMG]?$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	tokenPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/@-]*$`)
)

// Validate rejects configs that would produce an unusable or ambiguous
// argument vector.
func (c Config) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidConfig)
	}
	if !tokenPattern.MatchString(c.Image) {
		return fmt.Errorf("%w: image %q is not a valid reference", ErrInvalidConfig, c.Image)
	}
	if c.Memory != "" && !memoryPattern.MatchString(c.Memory) {
		return fmt.Errorf("%w: memory %q must look like 512m or 1g", ErrInvalidConfig, c.Memory)
	}
	if c.CPUs != "" {
		v, err := strconv.ParseFloat(c.CPUs, 64)
		if err != nil || v <= 0 {
			return fmt.Errorf("%w: cpus %q must be a positive number", ErrInvalidConfig, c.CPUs)
		}
	}
	if c.PidsLimit < 0 {
		return fmt.Errorf("%w: pids limit must not be negative", ErrInvalidConfig)
	}
	if c.WorkingDir == "" || !path.IsAbs(c.WorkingDir) {
		return fmt.Errorf("%w: working directory %q must be an absolute path", ErrInvalidConfig, c.WorkingDir)
	}
	if c.NetworkMode != "" && !tokenPattern.MatchString(c.NetworkMode) {
		return fmt.Errorf("%w: network mode %q", ErrInvalidConfig, c.NetworkMode)
	}
	if c.User != "" && !tokenPattern.MatchString(c.User) {
		return fmt.Errorf("%w: user %q", ErrInvalidConfig, c.User)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.TimeoutMS > MaxTimeout.Milliseconds() {
		return fmt.Errorf("%w: timeout must not exceed %s", ErrInvalidConfig, MaxTimeout)
	}
	for k := range c.Environment {
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: environment variable name %q", ErrInvalidConfig, k)
		}
	}
	for _, v := range c.Volumes {
		if !path.IsAbs(v.HostPath) || !path.IsAbs(v.ContainerPath) {
			return fmt.Errorf("%w: volume %s:%s must use absolute paths", ErrInvalidConfig, v.HostPath, v.ContainerPath)
		}
		if strings.Contains(v.HostPath, ":") || strings.Contains(v.ContainerPath, ":") {
			return fmt.Errorf("%w: volume paths must not contain ':'", ErrInvalidConfig)
		}
	}
	return nil
}

// ContainerInfo is the live state reported by the engine.
type ContainerInfo struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Image     string    `json:"image"`
	CreatedAt time.Time `json:"createdAt"`
}

// LogOptions filters a log fetch.
type LogOptions struct {
	Tail  int    // Last N lines. 0 = all.
	Since string // Timestamp or relative duration accepted by the engine ("10m", RFC 3339).
}

// ExecOptions are per-execution overrides.
type ExecOptions struct {
	Timeout time.Duration     // 0 = Config.Timeout().
	Stdin   string            // Passed to the interpreter's stdin.
	Env     map[string]string // Extra variables for this execution only.
}
