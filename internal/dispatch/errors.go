package dispatch

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/boxd/internal/pool"
	"github.com/jkaninda/boxd/internal/sandbox"
)

// Error codes are the JSON-RPC values used by MCP.
const (
	CodeMethodNotFound = mcp.METHOD_NOT_FOUND
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeInternalError  = mcp.INTERNAL_ERROR
)

// Error is a structured dispatch failure.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", CodeName(e.Code), e.Message)
}

// CodeName returns the symbolic name of a dispatch error code.
func CodeName(code int) string {
	switch code {
	case CodeMethodNotFound:
		return "MethodNotFound"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeInternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("Error(%d)", code)
	}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// precondition errors are caller mistakes; everything else is infrastructure.
var preconditions = []error{
	pool.ErrNotFound,
	pool.ErrCapacity,
	sandbox.ErrNotRunning,
	sandbox.ErrAlreadyRunning,
	sandbox.ErrStopped,
	sandbox.ErrUnsupportedLanguage,
	sandbox.ErrInvalidConfig,
}

// classify maps err onto a dispatch Error.
func classify(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	for _, target := range preconditions {
		if errors.Is(err, target) {
			return &Error{Code: CodeInvalidRequest, Message: err.Error()}
		}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
