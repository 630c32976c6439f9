package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const instructions = "Create isolated container sandboxes, run code in them and manage their files. " +
	"Call check_docker_availability first; stop sandboxes you no longer need."

// NewMCPServer exposes the dispatcher's catalogue as an MCP tool server.
//
// Precondition failures (InvalidRequest) are returned as tool results with
// IsError set and the JSON-encoded *Error as text, so the calling model can
// read and correct them. Internal failures are returned as Go errors and
// become JSON-RPC INTERNAL_ERROR responses. mcp-go rejects unknown tool
// names itself with INVALID_PARAMS, so the exact MethodNotFound,
// InvalidRequest and InternalError codes are only reported by the HTTP API.
func NewMCPServer(d *Dispatcher, name, version string) *server.MCPServer {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range d.Tools() {
		s.AddTool(t, d.mcpHandler(t.Name))
	}
	return s
}

func (d *Dispatcher) mcpHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.Params.Arguments)
		if err != nil {
			return nil, err
		}
		res, err := d.Call(ctx, name, raw)
		if err == nil {
			return res, nil
		}
		var de *Error
		if errors.As(err, &de) && de.Code != CodeInternalError {
			return errorResult(de), nil
		}
		return nil, err
	}
}

func errorResult(de *Error) *mcp.CallToolResult {
	b, _ := json.Marshal(de)
	return mcp.NewToolResultError(string(b))
}

// ServeStdio serves MCP over in/out until ctx is cancelled or in is closed.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, errLog *log.Logger) error {
	ss := server.NewStdioServer(s)
	if errLog != nil {
		ss.SetErrorLogger(errLog)
	}
	return ss.Listen(ctx, in, out)
}

// NewStreamableHandler returns the stateless streamable-HTTP MCP handler
// mounted at path.
func NewStreamableHandler(s *server.MCPServer, path string) http.Handler {
	return server.NewStreamableHTTPServer(s,
		server.WithEndpointPath(path),
		server.WithStateLess(true),
	)
}
