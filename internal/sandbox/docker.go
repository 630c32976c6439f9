package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/boxd/internal/process"
)

const (
	// ManagedLabel marks containers created by boxd so they can be told
	// apart from unrelated containers on the same engine.
	ManagedLabel = "boxd.managed=true"

	DefaultBinary              = "docker"
	DefaultStartupPollAttempts = 30
	DefaultStartupPollInterval = time.Second

	// startTimeout covers "run", which may pull the image.
	startTimeout = 5 * time.Minute
	// teardownTimeout bounds stop + rm so teardown can never hang.
	teardownTimeout = 30 * time.Second
	// stopGraceSeconds is passed to "stop --time"; the keep-alive command ignores SIGTERM.
	stopGraceSeconds = 2
)

// keepAlive is the long-running no-op that keeps the container up for exec calls.
var keepAlive = []string{"tail", "-f", "/dev/null"}

// Options wires a Sandbox to its collaborators. Zero values use defaults.
type Options struct {
	Binary              string         // Container engine CLI. Default: "docker".
	Runner              process.Runner // Default: process.NewExecRunner.
	Observer            Observer       // Optional.
	Logger              *slog.Logger
	StartupPollAttempts int
	StartupPollInterval time.Duration
	TempRoot            string // Parent of the per-sandbox temp dir. Default: os.TempDir().
}

// Sandbox owns one container. It is safe for concurrent use; calls are not
// serialized against each other beyond guarding the sandbox's own state.
type Sandbox struct {
	name     string
	config   Config
	binary   string
	runner   process.Runner
	observer Observer
	logger   *slog.Logger

	pollAttempts int
	pollInterval time.Duration
	tempRoot     string

	mu          sync.Mutex
	containerID string // Non-empty iff running.
	running     bool
	tempDir     string
	stopped     bool
}

// New creates a Sandbox for cfg. The container is not started until Start.
func New(cfg Config, opts Options) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Runner == nil {
		opts.Runner = process.NewExecRunner(cfg.Timeout(), opts.Logger)
	}
	if opts.StartupPollAttempts <= 0 {
		opts.StartupPollAttempts = DefaultStartupPollAttempts
	}
	if opts.StartupPollInterval <= 0 {
		opts.StartupPollInterval = DefaultStartupPollInterval
	}
	cfg.Environment = maps.Clone(cfg.Environment)
	cfg.Volumes = slices.Clone(cfg.Volumes)

	return &Sandbox{
		name:         name,
		config:       cfg,
		binary:       opts.Binary,
		runner:       opts.Runner,
		observer:     opts.Observer,
		logger:       opts.Logger.With(slog.String("sandbox", name)),
		pollAttempts: opts.StartupPollAttempts,
		pollInterval: opts.StartupPollInterval,
		tempRoot:     opts.TempRoot,
	}, nil
}

// Name returns the generated container name.
func (s *Sandbox) Name() string { return s.name }

// Config returns the sandbox configuration.
func (s *Sandbox) Config() Config { return s.config }

// ContainerID returns the engine's container ID, or "" when not running.
func (s *Sandbox) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerID
}

// Running reports whether the container is up.
func (s *Sandbox) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TempDir returns the host directory bound to the working directory, or "".
func (s *Sandbox) TempDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempDir
}

// Start launches the container and waits until the engine reports it running.
// A failed start leaves no container and no temp dir behind.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.stopped {
		return ErrStopped
	}

	tempDir, err := os.MkdirTemp(s.tempRoot, "boxd-"+s.name+"-")
	if err != nil {
		return fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	// The container user is usually not the host user.
	if err := os.Chmod(tempDir, 0o777); err != nil {
		_ = os.RemoveAll(tempDir)
		return fmt.Errorf("preparing sandbox temp dir: %w", err)
	}
	s.tempDir = tempDir

	args := BuildRunArgs(s.name, s.config, tempDir)
	s.logger.Info("sandbox starting",
		slog.String("image", s.config.Image),
		slog.String("memory", s.config.Memory),
		slog.String("cpus", s.config.CPUs),
		slog.String("network", s.config.NetworkMode),
	)

	res := s.runner.Run(ctx, s.binary, args, process.Options{Timeout: startTimeout})
	if !res.OK() {
		s.removeByNameLocked(ctx)
		s.cleanupLocked()
		return commandError("start", res)
	}
	id := firstLine(res.Stdout)
	if id == "" {
		s.removeByNameLocked(ctx)
		s.cleanupLocked()
		return fmt.Errorf("start: engine returned no container id")
	}
	s.containerID = id
	s.running = true

	if err := s.waitRunning(ctx, id); err != nil {
		s.teardownLocked(ctx)
		return err
	}

	s.logger.Info("sandbox started", slog.String("container_id", shortID(id)))
	s.notify(Event{Type: EventStarted, ContainerID: id})
	return nil
}

// removeByNameLocked force-removes the named container after a failed run.
// A killed or timed-out run may still leave the engine creating it.
func (s *Sandbox) removeByNameLocked(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	res := s.runner.Run(ctx, s.binary, []string{"rm", "--force", s.name}, process.Options{Timeout: teardownTimeout})
	if !res.OK() && !isNoSuchContainer(res) {
		s.logger.Warn("removing container after failed start",
			slog.String("container", s.name),
			slog.String("error", commandError("remove", res).Error()),
		)
	}
}

// waitRunning polls the container status until it is "running".
func (s *Sandbox) waitRunning(ctx context.Context, id string) error {
	var last string
	for attempt := 1; attempt <= s.pollAttempts; attempt++ {
		res := s.runner.Run(ctx, s.binary, []string{"inspect", "--format", "{{.State.Status}}", id}, process.Options{
			Timeout: s.config.Timeout(),
		})
		if res.OK() {
			last = firstLine(res.Stdout)
			if last == "running" {
				return nil
			}
		}
		if attempt == s.pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrStartupTimeout, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
	return fmt.Errorf("%w after %d attempts (last status %q)", ErrStartupTimeout, s.pollAttempts, last)
}

// RunCode writes code to a uniquely named file in the shared directory and
// runs it with the language's interpreter inside the container. A non-zero
// exit or a timeout is reported in the Result, not as an error.
func (s *Sandbox) RunCode(ctx context.Context, code, language string, opts ExecOptions) (*process.Result, error) {
	lang, err := LookupLanguage(language)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id, tempDir, running := s.containerID, s.tempDir, s.running
	s.mu.Unlock()
	if !running || id == "" {
		return nil, ErrNotRunning
	}

	rel, err := lang.sourcePath(code)
	if err != nil {
		return nil, fmt.Errorf("naming source file: %w", err)
	}
	hostPath := filepath.Join(tempDir, filepath.FromSlash(rel))
	// Everything for this run lives under its top-level entry.
	cleanupPath := filepath.Join(tempDir, strings.SplitN(rel, "/", 2)[0])
	defer func() { _ = os.RemoveAll(cleanupPath) }()

	if err := os.MkdirAll(filepath.Dir(hostPath), 0o777); err != nil {
		return nil, fmt.Errorf("creating source dir: %w", err)
	}
	if err := os.WriteFile(hostPath, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("writing source file: %w", err)
	}
	// WriteFile honours the umask; the container user must be able to read it.
	_ = os.Chmod(hostPath, 0o644)
	_ = os.Chmod(filepath.Dir(hostPath), 0o777)

	env := map[string]string{}
	if lang.env != nil {
		maps.Copy(env, lang.env(s.config.WorkingDir))
	}
	maps.Copy(env, opts.Env)

	args := BuildExecArgs(id, s.config, env, opts.Stdin != "", lang.command(rel))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.Timeout()
	}
	res := s.runner.Run(ctx, s.binary, args, process.Options{Timeout: timeout, Stdin: opts.Stdin})

	s.logger.Info("sandbox code executed",
		slog.String("language", lang.Name),
		slog.String("file", rel),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Duration("duration", res.Duration),
	)
	s.notify(Event{
		Type:        EventCodeExecuted,
		Language:    lang.Name,
		Code:        code,
		File:        rel,
		Result:      res,
		ContainerID: id,
	})
	return res, nil
}

// CopyToContainer copies a host file into the container.
func (s *Sandbox) CopyToContainer(ctx context.Context, localPath, containerPath string) error {
	id := s.ContainerID()
	if id == "" {
		return ErrNotRunning
	}
	res := s.runner.Run(ctx, s.binary, []string{"cp", localPath, id + ":" + containerPath}, process.Options{
		Timeout: s.config.Timeout(),
	})
	if !res.OK() {
		return commandError("copy to container", res)
	}
	return nil
}

// CopyFromContainer copies a container file to the host.
func (s *Sandbox) CopyFromContainer(ctx context.Context, containerPath, localPath string) error {
	id := s.ContainerID()
	if id == "" {
		return ErrNotRunning
	}
	res := s.runner.Run(ctx, s.binary, []string{"cp", id + ":" + containerPath, localPath}, process.Options{
		Timeout: s.config.Timeout(),
	})
	if !res.OK() {
		return commandError("copy from container", res)
	}
	return nil
}

// Info inspects the container. It returns nil when there is no container
// or the inspect fails.
func (s *Sandbox) Info(ctx context.Context) *ContainerInfo {
	id := s.ContainerID()
	if id == "" {
		return nil
	}
	res := s.runner.Run(ctx, s.binary, []string{"inspect", "--format", "{{.State.Status}}|{{.Config.Image}}|{{.Created}}", id}, process.Options{
		Timeout: s.config.Timeout(),
	})
	if !res.OK() {
		return nil
	}
	parts := strings.SplitN(firstLine(res.Stdout), "|", 3)
	if len(parts) != 3 {
		return nil
	}
	info := &ContainerInfo{ID: id, Status: parts[0], Image: parts[1]}
	if created, err := time.Parse(time.RFC3339Nano, parts[2]); err == nil {
		info.CreatedAt = created
	}
	return info
}

// Logs returns the container's combined output.
func (s *Sandbox) Logs(ctx context.Context, opts LogOptions) (string, error) {
	id := s.ContainerID()
	if id == "" {
		return "", ErrNotRunning
	}
	args := []string{"logs"}
	if opts.Tail > 0 {
		args = append(args, "--tail", strconv.Itoa(opts.Tail))
	}
	if opts.Since != "" {
		args = append(args, "--since", opts.Since)
	}
	args = append(args, id)

	res := s.runner.Run(ctx, s.binary, args, process.Options{Timeout: s.config.Timeout()})
	if !res.OK() {
		return "", commandError("logs", res)
	}
	return res.Stdout + res.Stderr, nil
}

// Stop stops and removes the container, then deletes the temp dir. It is a
// no-op when nothing is running. Teardown always completes; a non-nil
// return only reports what failed along the way and has already been
// delivered to the Observer and the log.
func (s *Sandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containerID == "" {
		return nil
	}
	return s.teardownLocked(ctx)
}

func (s *Sandbox) teardownLocked(ctx context.Context) error {
	id := s.containerID
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	var errs []error
	if res := s.runner.Run(ctx, s.binary, []string{"stop", "--time", strconv.Itoa(stopGraceSeconds), id}, process.Options{}); !res.OK() && !isNoSuchContainer(res) {
		errs = append(errs, s.reportError(id, "stop", commandError("stop", res)))
	}
	// Safety net in case --rm did not fire.
	if res := s.runner.Run(ctx, s.binary, []string{"rm", "--force", id}, process.Options{}); !res.OK() && !isNoSuchContainer(res) {
		errs = append(errs, s.reportError(id, "remove", commandError("remove", res)))
	}

	s.cleanupLocked()
	s.stopped = true

	s.logger.Info("sandbox stopped", slog.String("container_id", shortID(id)))
	s.notify(Event{Type: EventStopped, ContainerID: id})
	return errors.Join(errs...)
}

// cleanupLocked clears runtime state and removes the temp dir. Failures are logged.
func (s *Sandbox) cleanupLocked() {
	s.running = false
	s.containerID = ""
	if s.tempDir == "" {
		return
	}
	if err := os.RemoveAll(s.tempDir); err != nil {
		s.logger.Warn("failed to remove sandbox temp dir",
			slog.String("dir", s.tempDir),
			slog.String("error", err.Error()),
		)
	}
	s.tempDir = ""
}

func (s *Sandbox) reportError(id, op string, err error) error {
	s.logger.Warn("sandbox teardown step failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	s.notify(Event{Type: EventError, ContainerID: id, Op: op, Err: err})
	return err
}

func (s *Sandbox) notify(e Event) {
	if s.observer == nil {
		return
	}
	e.Sandbox = s.name
	e.Time = time.Now().UTC()
	s.observer.Notify(e)
}

// IsDockerAvailable reports whether the engine CLI can reach a daemon.
// It never fails; any problem means false.
func IsDockerAvailable(ctx context.Context, runner process.Runner, binary string) bool {
	if binary == "" {
		binary = DefaultBinary
	}
	if runner == nil {
		runner = process.NewExecRunner(0, nil)
	}
	res := runner.Run(ctx, binary, []string{"version", "--format", "{{.Server.Version}}"}, process.Options{
		Timeout: 10 * time.Second,
	})
	return res.OK()
}

// BuildRunArgs constructs the full "run" argument vector for a sandbox
// container. The result is deterministic for a given input.
func BuildRunArgs(name string, cfg Config, tempDir string) []string {
	args := []string{
		"run",
		"--name", name,
		"--label", ManagedLabel,
		"--label", "boxd.sandbox=" + name,
		"--rm",
		"--interactive", "--tty", "--detach",
	}

	// --- Resource limits ---
	if cfg.Memory != "" {
		args = append(args, "--memory", cfg.Memory)
	}
	if cfg.CPUs != "" {
		args = append(args, "--cpus", cfg.CPUs)
	}
	if cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(cfg.PidsLimit))
	}

	if cfg.NetworkMode != "" {
		args = append(args, "--network", cfg.NetworkMode)
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	if cfg.ReadOnly {
		args = append(args, "--read-only")
	}
	args = append(args, "--workdir", cfg.WorkingDir)
	args = append(args, envFlags(cfg.Environment)...)

	// --- Mounts ---
	args = append(args, "--volume", tempDir+":"+cfg.WorkingDir)
	for _, v := range cfg.Volumes {
		spec := v.HostPath + ":" + v.ContainerPath
		if v.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "--volume", spec)
	}

	// --- Security hardening ---
	args = append(args,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	)

	args = append(args, cfg.Image)
	return append(args, keepAlive...)
}

// BuildExecArgs constructs an "exec" argument vector running command in
// the container as the configured user and working directory.
func BuildExecArgs(containerID string, cfg Config, env map[string]string, interactive bool, command []string) []string {
	args := []string{"exec"}
	if interactive {
		args = append(args, "--interactive")
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	args = append(args, "--workdir", cfg.WorkingDir)
	args = append(args, envFlags(env)...)
	args = append(args, containerID)
	return append(args, command...)
}

// envFlags renders one --env pair per variable, sorted by name.
func envFlags(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	flags := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		flags = append(flags, "--env", k+"="+env[k])
	}
	return flags
}

func commandError(op string, res *process.Result) *CommandError {
	return &CommandError{Op: op, ExitCode: res.ExitCode, Stderr: res.Stderr}
}

// isNoSuchContainer matches the engine's reply when --rm already removed the container.
func isNoSuchContainer(res *process.Result) bool {
	out := res.Stderr + res.Stdout
	return strings.Contains(out, "No such container") || strings.Contains(out, "is already in progress")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// generateContainerName returns a unique container name: boxd-<16 hex chars>.
func generateContainerName() (string, error) {
	suffix, err := randomHex(8)
	if err != nil {
		return "", err
	}
	return "boxd-" + suffix, nil
}

// ContainerPath joins a path relative to the working directory.
func (s *Sandbox) ContainerPath(rel string) string {
	if path.IsAbs(rel) {
		return rel
	}
	return path.Join(s.config.WorkingDir, rel)
}
