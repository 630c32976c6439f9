package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/boxd/internal/process"
	"github.com/jkaninda/boxd/internal/sandbox"
)

var (
	runLanguage string
	runImage    string
	runMemory   string
	runTimeout  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Run code once in a throwaway sandbox",
	Long: `Run reads source code from a file, or from stdin when the argument is "-"
or omitted, executes it in a new sandbox and removes the sandbox afterwards.
The process exits with the code's exit status.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuick,
}

func init() {
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "python", "language of the code")
	runCmd.Flags().StringVar(&runImage, "image", "", "container image (default: configured default image)")
	runCmd.Flags().StringVar(&runMemory, "memory", "", "memory limit, e.g. 256m")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "execution timeout (default: configured timeout)")
}

func runQuick(cmd *cobra.Command, args []string) error {
	if _, err := sandbox.LookupLanguage(runLanguage); err != nil {
		return err
	}
	code, err := readSource(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	c, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signal.NotifyContext(runContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := sandbox.Config{Image: runImage, Memory: runMemory}
	if runTimeout > 0 {
		sc.TimeoutMS = runTimeout.Milliseconds()
	}
	res, err := c.Registry.RunEphemeral(ctx, code, runLanguage, sc, sandbox.ExecOptions{})
	if err != nil {
		return err
	}
	return reportResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
}

// readSource returns the code named by args: a file path, or stdin for "-"
// and no argument.
func readSource(stdin io.Reader, args []string) (string, error) {
	var (
		b   []byte
		err error
	)
	if len(args) == 0 || args[0] == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	if len(b) == 0 {
		return "", fmt.Errorf("no code to run")
	}
	return string(b), nil
}

// exitError carries a non-zero exit status out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func reportResult(stdout, stderr io.Writer, res *process.Result) error {
	_, _ = io.WriteString(stdout, res.Stdout)
	_, _ = io.WriteString(stderr, res.Stderr)
	if res.TimedOut {
		return fmt.Errorf("execution timed out after %dms", res.ExecutionTimeMS())
	}
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

// runContext is cmd.Context with a fallback for direct calls in tests.
func runContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
