package dispatch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/boxd/internal/process"
	"github.com/jkaninda/boxd/internal/sandbox"
)

// request is implemented by every typed tool request.
type request interface {
	Validate() error
}

// decode parses raw strictly into a new R and validates it.
// Empty or null arguments decode as an empty object.
func decode[R request](raw json.RawMessage) (R, error) {
	var req R
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, invalidRequest("invalid arguments: %s", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return req, invalidRequest("invalid arguments: trailing data")
	}
	if err := req.Validate(); err != nil {
		return req, invalidRequest("%s", err)
	}
	return req, nil
}

// Quantity is a resource amount given as a JSON string or number ("0.5" or 0.5).
type Quantity string

func (q *Quantity) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = Quantity(strings.TrimSpace(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("must be a string or a number")
	}
	*q = Quantity(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

func checkTimeout(ms int64) error {
	if ms < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if ms > sandbox.MaxTimeout.Milliseconds() {
		return fmt.Errorf("timeout must not exceed %d ms", sandbox.MaxTimeout.Milliseconds())
	}
	return nil
}

func checkLanguage(language string) error {
	if strings.TrimSpace(language) == "" {
		return fmt.Errorf("language is required")
	}
	_, err := sandbox.LookupLanguage(language)
	return err
}

// EmptyRequest is used by tools that take no arguments.
type EmptyRequest struct{}

func (EmptyRequest) Validate() error { return nil }

// CreateSandboxRequest is the create_sandbox argument object.
type CreateSandboxRequest struct {
	Image       string            `json:"image"`
	Memory      Quantity          `json:"memory,omitempty"`
	CPUs        Quantity          `json:"cpus,omitempty"`
	Timeout     int64             `json:"timeout,omitempty"` // Milliseconds.
	NetworkMode string            `json:"networkMode,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkingDir  string            `json:"workingDir,omitempty"`
	User        string            `json:"user,omitempty"`
}

func (r CreateSandboxRequest) Validate() error {
	if strings.TrimSpace(r.Image) == "" {
		return fmt.Errorf("image is required")
	}
	return checkTimeout(r.Timeout)
}

// Config returns the sandbox config the request asks for. Empty fields are
// filled from the registry defaults.
func (r CreateSandboxRequest) Config() sandbox.Config {
	return sandbox.Config{
		Image:       strings.TrimSpace(r.Image),
		Memory:      string(r.Memory),
		CPUs:        string(r.CPUs),
		TimeoutMS:   r.Timeout,
		NetworkMode: r.NetworkMode,
		Environment: r.Environment,
		WorkingDir:  r.WorkingDir,
		User:        r.User,
	}
}

// ExecuteCodeRequest is the execute_code argument object.
type ExecuteCodeRequest struct {
	SandboxID   string            `json:"sandboxId"`
	Code        string            `json:"code"`
	Language    string            `json:"language"`
	Timeout     int64             `json:"timeout,omitempty"`
	Stdin       string            `json:"stdin,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

func (r ExecuteCodeRequest) Validate() error {
	if r.SandboxID == "" {
		return fmt.Errorf("sandboxId is required")
	}
	if r.Code == "" {
		return fmt.Errorf("code is required")
	}
	if err := checkLanguage(r.Language); err != nil {
		return err
	}
	return checkTimeout(r.Timeout)
}

func (r ExecuteCodeRequest) ExecOptions() sandbox.ExecOptions {
	return sandbox.ExecOptions{
		Timeout: time.Duration(r.Timeout) * time.Millisecond,
		Stdin:   r.Stdin,
		Env:     r.Environment,
	}
}

// SandboxRequest names one registered sandbox.
type SandboxRequest struct {
	SandboxID string `json:"sandboxId"`
}

func (r SandboxRequest) Validate() error {
	if r.SandboxID == "" {
		return fmt.Errorf("sandboxId is required")
	}
	return nil
}

// CopyFileRequest is the copy_file_to_sandbox argument object.
type CopyFileRequest struct {
	SandboxID     string `json:"sandboxId"`
	Content       string `json:"content"`
	ContainerPath string `json:"containerPath"`
	Encoding      string `json:"encoding,omitempty"` // "utf8" (default) or "base64".
}

func (r CopyFileRequest) Validate() error {
	if r.SandboxID == "" {
		return fmt.Errorf("sandboxId is required")
	}
	if strings.TrimSpace(r.ContainerPath) == "" {
		return fmt.Errorf("containerPath is required")
	}
	switch r.Encoding {
	case "", "utf8", "base64":
	default:
		return fmt.Errorf("encoding must be utf8 or base64")
	}
	if r.Encoding == "base64" {
		if _, err := base64.StdEncoding.DecodeString(r.Content); err != nil {
			return fmt.Errorf("content is not valid base64: %w", err)
		}
	}
	return nil
}

// Bytes returns the decoded file content.
func (r CopyFileRequest) Bytes() []byte {
	if r.Encoding == "base64" {
		b, _ := base64.StdEncoding.DecodeString(r.Content)
		return b
	}
	return []byte(r.Content)
}

// LogsRequest is the get_sandbox_logs argument object.
type LogsRequest struct {
	SandboxID string `json:"sandboxId"`
	Tail      int    `json:"tail,omitempty"`
	Since     string `json:"since,omitempty"`
}

func (r LogsRequest) Validate() error {
	if r.SandboxID == "" {
		return fmt.Errorf("sandboxId is required")
	}
	if r.Tail < 0 {
		return fmt.Errorf("tail must not be negative")
	}
	if strings.HasPrefix(r.Since, "-") {
		return fmt.Errorf("since %q is not a timestamp or duration", r.Since)
	}
	return nil
}

// RunQuickCodeRequest is the run_quick_code argument object.
type RunQuickCodeRequest struct {
	Code        string            `json:"code"`
	Language    string            `json:"language"`
	Image       string            `json:"image,omitempty"`
	Timeout     int64             `json:"timeout,omitempty"`
	Memory      Quantity          `json:"memory,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Stdin       string            `json:"stdin,omitempty"`
}

func (r RunQuickCodeRequest) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("code is required")
	}
	if err := checkLanguage(r.Language); err != nil {
		return err
	}
	return checkTimeout(r.Timeout)
}

func (r RunQuickCodeRequest) Config() sandbox.Config {
	return sandbox.Config{
		Image:       strings.TrimSpace(r.Image),
		Memory:      string(r.Memory),
		TimeoutMS:   r.Timeout,
		Environment: r.Environment,
	}
}

func (r RunQuickCodeRequest) ExecOptions() sandbox.ExecOptions {
	return sandbox.ExecOptions{
		Timeout: time.Duration(r.Timeout) * time.Millisecond,
		Stdin:   r.Stdin,
	}
}

// ReadFileRequest is the read_file_from_sandbox argument object.
type ReadFileRequest struct {
	SandboxID     string `json:"sandboxId"`
	ContainerPath string `json:"containerPath"`
}

func (r ReadFileRequest) Validate() error {
	if r.SandboxID == "" {
		return fmt.Errorf("sandboxId is required")
	}
	if strings.TrimSpace(r.ContainerPath) == "" {
		return fmt.Errorf("containerPath is required")
	}
	return nil
}

// --- Results ---

// ExecutionResult is returned by execute_code and run_quick_code.
type ExecutionResult struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exitCode"`
	TimedOut      bool   `json:"timedOut"`
	ExecutionTime int64  `json:"executionTime"` // Milliseconds.
}

func newExecutionResult(r *process.Result) ExecutionResult {
	return ExecutionResult{
		Stdout:        r.Stdout,
		Stderr:        r.Stderr,
		ExitCode:      r.ExitCode,
		TimedOut:      r.TimedOut,
		ExecutionTime: r.ExecutionTimeMS(),
	}
}

// CreateResult is returned by create_sandbox.
type CreateResult struct {
	SandboxID string         `json:"sandboxId"`
	Config    sandbox.Config `json:"config"`
	Message   string         `json:"message"`
}

// InfoResult is returned by get_sandbox_info. Status is the live container
// status, or "unknown" when the engine could not report it.
type InfoResult struct {
	SandboxID     string                 `json:"sandboxId"`
	ContainerName string                 `json:"containerName"`
	Status        string                 `json:"status"`
	CreatedAt     time.Time              `json:"createdAt"`
	LastUsed      time.Time              `json:"lastUsed"`
	Config        sandbox.Config         `json:"config"`
	Container     *sandbox.ContainerInfo `json:"container"`
}

// CopyResult is returned by copy_file_to_sandbox.
type CopyResult struct {
	Success       bool   `json:"success"`
	SandboxID     string `json:"sandboxId"`
	ContainerPath string `json:"containerPath"`
	Bytes         int    `json:"bytes"`
}

// StopResult is returned by stop_sandbox.
type StopResult struct {
	Success   bool   `json:"success"`
	SandboxID string `json:"sandboxId"`
	Message   string `json:"message"`
}

// AvailabilityResult is returned by check_docker_availability.
type AvailabilityResult struct {
	Available bool   `json:"available"`
	Binary    string `json:"binary"`
}

// ReadFileResult is returned by read_file_from_sandbox. Content is base64
// when the file is not valid UTF-8.
type ReadFileResult struct {
	SandboxID     string `json:"sandboxId"`
	ContainerPath string `json:"containerPath"`
	Content       string `json:"content"`
	Encoding      string `json:"encoding"`
	Truncated     bool   `json:"truncated"`
}
