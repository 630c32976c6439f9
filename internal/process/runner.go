// Package process spawns and supervises external commands.
// A Runner never fails at the Go level: spawn errors, non-zero exits and
// timeouts are all reported inside the returned Result.
package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// MaxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	MaxOutputBytes = 1 << 20 // 1 MB

	// DefaultTimeout applies when neither the call nor the runner sets one.
	DefaultTimeout = 30 * time.Second

	// SpawnFailedExitCode is reported when the process could not be started
	// or was killed before it could report an exit status.
	SpawnFailedExitCode = -1

	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the direct child was killed.
	waitDelay = 2 * time.Second
)

// Runner spawns one process and waits for it.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts Options) *Result
}

// Options are per-call overrides. Zero values use the runner defaults.
type Options struct {
	Timeout time.Duration
	Env     map[string]string // Appended to the inherited environment.
	Stdin   string
	Dir     string
}

// Result captures the outcome of one invocation. It is never mutated after Run returns.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	TimedOut bool          `json:"timedOut"`
	Duration time.Duration `json:"-"`
}

// ExecutionTimeMS returns the wall-clock duration in milliseconds.
func (r *Result) ExecutionTimeMS() int64 {
	return r.Duration.Milliseconds()
}

// OK reports whether the process exited cleanly within its timeout.
func (r *Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// ExecRunner runs commands on the host with os/exec.
//
//   - The child runs in its own process group (Setpgid)
//   - The entire group is SIGKILLed on timeout or cancellation
//   - stdout/stderr are capped at MaxOutputBytes each
type ExecRunner struct {
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewExecRunner creates a host runner. A zero timeout means DefaultTimeout.
func NewExecRunner(defaultTimeout time.Duration, logger *slog.Logger) *ExecRunner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ExecRunner{defaultTimeout: defaultTimeout, logger: logger}
}

// Run spawns name with args and blocks until it exits or the timeout fires.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, opts Options) *Result {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(opts.Env)...)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: MaxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: MaxOutputBytes}

	r.logger.Debug("process starting",
		slog.String("command", name),
		slog.Any("args", args),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Duration: time.Since(start)}

	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = exitCode(cmd, SpawnFailedExitCode)
		r.logger.Warn("process timed out",
			slog.String("command", name),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", res.Duration),
		)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn failure (not found, permission denied) or parent cancellation.
			res.ExitCode = SpawnFailedExitCode
			appendLine(&stderrBuf, runErr.Error())
		}
		if ctx.Err() != nil {
			appendLine(&stderrBuf, ctx.Err().Error())
		}
	}

	res.Stdout = stdoutBuf.String()
	res.Stderr = stderrBuf.String()

	r.logger.Debug("process finished",
		slog.String("command", name),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Duration("duration", res.Duration),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Int("stderr_bytes", len(res.Stderr)),
	)
	return res
}

// exitCode reads the exit status of a finished command. Signal-killed
// processes report -1.
func exitCode(cmd *exec.Cmd, fallback int) int {
	if cmd.ProcessState == nil {
		return fallback
	}
	return cmd.ProcessState.ExitCode()
}

func appendLine(buf *bytes.Buffer, line string) {
	if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteString(line)
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
