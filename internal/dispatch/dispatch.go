// Package dispatch maps named tool calls onto registry operations. Every call
// decodes a typed request, runs it and wraps the result as a single JSON text
// content block. Failures are reported as *Error with a JSON-RPC code.
package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/boxd/internal/observability"
	"github.com/jkaninda/boxd/internal/pool"
	"github.com/jkaninda/boxd/internal/process"
	"github.com/jkaninda/boxd/internal/sandbox"
)

// Options configures a Dispatcher.
type Options struct {
	Registry *pool.Registry
	Runner   process.Runner // Used by check_docker_availability.
	Binary   string         // Engine binary. Default: "docker".
	Logger   *slog.Logger
	Metrics  *observability.MetricsCollector
	Tracer   trace.Tracer
}

type handlerFunc func(ctx context.Context, raw json.RawMessage) (any, error)

type tool struct {
	def  mcp.Tool
	call handlerFunc
}

// Dispatcher routes tool calls. It is safe for concurrent use.
type Dispatcher struct {
	reg     *pool.Registry
	runner  process.Runner
	binary  string
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	tools   map[string]tool
}

// New creates a Dispatcher over opts.Registry.
func New(opts Options) *Dispatcher {
	if opts.Binary == "" {
		opts.Binary = sandbox.DefaultBinary
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = process.NewExecRunner(0, opts.Logger)
	}
	d := &Dispatcher{
		reg:     opts.Registry,
		runner:  opts.Runner,
		binary:  opts.Binary,
		logger:  opts.Logger.With(slog.String("component", "dispatch")),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	d.tools = d.catalogue()
	return d
}

// Tools returns the tool definitions sorted by name.
func (d *Dispatcher) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is a known tool.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.tools[name]
	return ok
}

// Call runs the named tool with raw JSON arguments. On failure the returned
// error is always a *Error.
func (d *Dispatcher) Call(ctx context.Context, name string, raw json.RawMessage) (res *mcp.CallToolResult, err error) {
	start := time.Now()
	ctx, end := observability.StartSpan(ctx, d.tracer, "dispatch.call", attribute.String("tool.name", name))
	defer func() { end(err) }()

	t, ok := d.tools[name]
	if !ok {
		err = &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown tool: %s", name)}
		d.record("unknown", start, err)
		return nil, err
	}

	out, callErr := t.call(ctx, raw)
	if callErr != nil {
		de := classify(callErr)
		d.record(name, start, de)
		if de.Code == CodeInternalError {
			d.logger.Warn("tool call failed",
				slog.String("tool", name),
				slog.String("error", de.Message),
			)
		}
		return nil, de
	}

	text, ok := out.(string)
	if !ok {
		b, mErr := json.MarshalIndent(out, "", "  ")
		if mErr != nil {
			de := &Error{Code: CodeInternalError, Message: fmt.Sprintf("encoding result: %v", mErr)}
			d.record(name, start, de)
			return nil, de
		}
		text = string(b)
	}
	d.record(name, start, nil)
	d.logger.Debug("tool call completed",
		slog.String("tool", name),
		slog.Duration("duration", time.Since(start)),
	)
	return mcp.NewToolResultText(text), nil
}

func (d *Dispatcher) record(name string, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	code := "ok"
	var de *Error
	if errors.As(err, &de) {
		code = CodeName(de.Code)
	}
	d.metrics.ToolCallsTotal.WithLabelValues(name, code).Inc()
	d.metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// handle adapts a typed handler to the raw-argument form.
func handle[R request](fn func(context.Context, R) (any, error)) handlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[R](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

// --- Handlers ---

func (d *Dispatcher) createSandbox(ctx context.Context, req CreateSandboxRequest) (any, error) {
	cfg := req.Config().WithDefaults(d.reg.Defaults())
	id, err := d.reg.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return CreateResult{
		SandboxID: id,
		Config:    cfg,
		Message:   fmt.Sprintf("Sandbox created with image %s", cfg.Image),
	}, nil
}

func (d *Dispatcher) executeCode(ctx context.Context, req ExecuteCodeRequest) (any, error) {
	res, err := d.reg.Execute(ctx, req.SandboxID, req.Code, req.Language, req.ExecOptions())
	if err != nil {
		return nil, err
	}
	return newExecutionResult(res), nil
}

func (d *Dispatcher) listSandboxes(_ context.Context, _ EmptyRequest) (any, error) {
	return d.reg.List(), nil
}

func (d *Dispatcher) sandboxInfo(ctx context.Context, req SandboxRequest) (any, error) {
	det, err := d.reg.Inspect(ctx, req.SandboxID)
	if err != nil {
		return nil, err
	}
	status := "unknown"
	if det.Container != nil {
		status = det.Container.Status
	}
	return InfoResult{
		SandboxID:     det.ID,
		ContainerName: det.ContainerName,
		Status:        status,
		CreatedAt:     det.CreatedAt,
		LastUsed:      det.LastUsed,
		Config:        det.Config,
		Container:     det.Container,
	}, nil
}

func (d *Dispatcher) copyFile(ctx context.Context, req CopyFileRequest) (any, error) {
	content := req.Bytes()
	if err := d.reg.CopyInto(ctx, req.SandboxID, content, req.ContainerPath); err != nil {
		return nil, err
	}
	return CopyResult{
		Success:       true,
		SandboxID:     req.SandboxID,
		ContainerPath: req.ContainerPath,
		Bytes:         len(content),
	}, nil
}

func (d *Dispatcher) sandboxLogs(ctx context.Context, req LogsRequest) (any, error) {
	return d.reg.Logs(ctx, req.SandboxID, sandbox.LogOptions{Tail: req.Tail, Since: req.Since})
}

func (d *Dispatcher) stopSandbox(ctx context.Context, req SandboxRequest) (any, error) {
	if err := d.reg.Stop(ctx, req.SandboxID); err != nil {
		return nil, err
	}
	return StopResult{
		Success:   true,
		SandboxID: req.SandboxID,
		Message:   "Sandbox stopped and removed",
	}, nil
}

func (d *Dispatcher) checkAvailability(ctx context.Context, _ EmptyRequest) (any, error) {
	return AvailabilityResult{
		Available: sandbox.IsDockerAvailable(ctx, d.runner, d.binary),
		Binary:    d.binary,
	}, nil
}

func (d *Dispatcher) runQuickCode(ctx context.Context, req RunQuickCodeRequest) (any, error) {
	res, err := d.reg.RunEphemeral(ctx, req.Code, req.Language, req.Config(), req.ExecOptions())
	if err != nil {
		return nil, err
	}
	return newExecutionResult(res), nil
}

func (d *Dispatcher) readFile(ctx context.Context, req ReadFileRequest) (any, error) {
	content, truncated, err := d.reg.ReadFile(ctx, req.SandboxID, req.ContainerPath)
	if err != nil {
		return nil, err
	}
	out := ReadFileResult{
		SandboxID:     req.SandboxID,
		ContainerPath: req.ContainerPath,
		Encoding:      "utf8",
		Truncated:     truncated,
	}
	if utf8.Valid(content) {
		out.Content = string(content)
	} else {
		out.Content = base64.StdEncoding.EncodeToString(content)
		out.Encoding = "base64"
	}
	return out, nil
}
