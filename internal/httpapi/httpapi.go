// Package httpapi exposes the tool dispatcher over HTTP.
//
// Security:
//   - API key authentication on /v1 and /mcp (constant-time comparison)
//   - Request body size limits (default 2 MB)
//   - Per-client rate limiting via token bucket
//   - Strict JSON validation (disallow unknown fields) in the dispatcher
//   - Every tool call logged with a correlation ID
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/boxd/internal/dispatch"
	"github.com/jkaninda/boxd/internal/observability"
	"github.com/jkaninda/boxd/internal/ratelimit"
)

const (
	defaultMaxRequestSize = 2 << 20 // 2 MB
	anonymousClient       = "anonymous"
	mcpPath               = "/mcp"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// ToolErrorBody is returned when a tool call fails.
type ToolErrorBody struct {
	Error         dispatch.Error `json:"error"`
	CorrelationID string         `json:"correlation_id"`
}

// Config configures the HTTP API.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID. Empty = no authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 2 MB default.
	Version        string

	// MCP is the streamable MCP handler mounted at /mcp. nil = not mounted.
	MCP http.Handler

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server
	okapi      *okapi.Okapi
}

// New creates an HTTP API server.
func New(cfg Config, d *dispatch.Dispatcher, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:     cfg,
		dispatcher: d,
		limiter:    rl,
		logger:     logger.With(slog.String("component", "httpapi")),
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (s *Server) withOpenAPIDocs() {
	version := s.config.Version
	if version == "" {
		version = "dev"
	}
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "boxd",
			Version: version,
		},
	)
}

func (s *Server) routes() {
	// Metrics/tracing middleware (applied globally).
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	v1 := s.okapi.Group("/v1", s.authenticate)
	v1.Get("/tools", s.handleListTools,
		okapi.DocSummary("List available tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]mcp.Tool{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Post("/tools/{name}", s.handleCallTool,
		okapi.DocSummary("Call a tool with a JSON argument object"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("name", "string", "Tool name, e.g. create_sandbox"),
		okapi.DocRequestBody(map[string]any{}),
		okapi.DocResponse(mcp.CallToolResult{}),
		okapi.DocResponse(http.StatusBadRequest, ToolErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ToolErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ToolErrorBody{}),
	)

	if s.config.MCP != nil {
		h := s.requireAPIKey(s.config.MCP).ServeHTTP
		for _, method := range []string{http.MethodPost, http.MethodGet, http.MethodDelete} {
			s.okapi.HandleStd(method, mcpPath, h)
		}
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)
	if s.config.MetricsRegistry != nil {
		s.okapi.HandleStd("GET", s.config.MetricsPath, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.withOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.routes()

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // Long enough for slow executions and image pulls.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting",
		slog.String("addr", s.config.ListenAddr),
		slog.Bool("auth", len(s.config.APIKeys) > 0),
		slog.Bool("mcp", s.config.MCP != nil),
	)
	err := s.okapi.StartServer(s.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

func (s *Server) handleListTools(c *okapi.Context) error {
	return c.OK(s.dispatcher.Tools())
}

func (s *Server) handleCallTool(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if err := s.limiter.Allow(clientID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	name := c.Param("name")
	if code, resp, unknown := s.unknownTool(clientID, name); unknown {
		return c.JSON(code, resp)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, s.config.MaxRequestSize+1))
	if err != nil {
		return c.AbortBadRequest("reading request body failed")
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
	}

	code, resp := s.callTool(c.Context(), clientID, name, body)
	return c.JSON(code, resp)
}

// unknownTool answers a call to a tool the dispatcher does not have,
// before any of the request body is read.
func (s *Server) unknownTool(clientID, name string) (int, ToolErrorBody, bool) {
	if s.dispatcher.Has(name) {
		return 0, ToolErrorBody{}, false
	}
	de := dispatch.Error{Code: dispatch.CodeMethodNotFound, Message: fmt.Sprintf("unknown tool: %s", name)}
	correlationID := newCorrelationID()
	s.logger.Info("http tool call failed",
		slog.String("client_id", clientID),
		slog.String("tool", name),
		slog.String("correlation_id", correlationID),
		slog.String("code", dispatch.CodeName(de.Code)),
		slog.String("error", de.Message),
	)
	return statusFor(de.Code), ToolErrorBody{Error: de, CorrelationID: correlationID}, true
}

// callTool runs one tool call and returns the HTTP status and response body.
func (s *Server) callTool(ctx context.Context, clientID, name string, body []byte) (int, any) {
	correlationID := newCorrelationID()
	start := time.Now()

	res, err := s.dispatcher.Call(ctx, name, body)
	if err != nil {
		var de *dispatch.Error
		if !errors.As(err, &de) {
			de = &dispatch.Error{Code: dispatch.CodeInternalError, Message: err.Error()}
		}
		s.logger.Info("http tool call failed",
			slog.String("client_id", clientID),
			slog.String("tool", name),
			slog.String("correlation_id", correlationID),
			slog.String("code", dispatch.CodeName(de.Code)),
			slog.String("error", de.Message),
		)
		return statusFor(de.Code), ToolErrorBody{Error: *de, CorrelationID: correlationID}
	}

	s.logger.Info("http tool call",
		slog.String("client_id", clientID),
		slog.String("tool", name),
		slog.String("correlation_id", correlationID),
		slog.Duration("duration", time.Since(start)),
	)
	return http.StatusOK, res
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID.
// With no keys configured every request is accepted as the anonymous client.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		clientID, err := s.clientFor(c.Header("Authorization"))
		if err != nil {
			return c.AbortUnauthorized(err.Error())
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// requireAPIKey is authenticate for plain net/http handlers.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, err := s.clientFor(r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: err.Error()})
			return
		}
		if err := s.limiter.Allow(clientID); err != nil {
			w.Header().Set("Retry-After", retryAfterSeconds(s.limiter.RetryAfter(clientID)))
			writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientFor(authHeader string) (string, error) {
	if len(s.config.APIKeys) == 0 {
		return anonymousClient, nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errors.New("missing or invalid Authorization header")
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	clientID := ""
	for key, id := range s.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			clientID = id
		}
	}
	if clientID == "" {
		return "", errors.New("invalid API key")
	}
	return clientID, nil
}

// --- Helpers ---

// statusFor maps a dispatch error code to an HTTP status.
func statusFor(code int) int {
	switch code {
	case dispatch.CodeMethodNotFound:
		return http.StatusNotFound
	case dispatch.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
