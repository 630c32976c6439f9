package dispatch

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/boxd/internal/sandbox"
)

// Tool names.
const (
	ToolCreateSandbox     = "create_sandbox"
	ToolExecuteCode       = "execute_code"
	ToolListSandboxes     = "list_sandboxes"
	ToolGetSandboxInfo    = "get_sandbox_info"
	ToolCopyFile          = "copy_file_to_sandbox"
	ToolReadFile          = "read_file_from_sandbox"
	ToolGetSandboxLogs    = "get_sandbox_logs"
	ToolStopSandbox       = "stop_sandbox"
	ToolCheckAvailability = "check_docker_availability"
	ToolRunQuickCode      = "run_quick_code"
)

var stringMap = map[string]any{"type": "string"}

func sandboxIDParam() mcp.ToolOption {
	return mcp.WithString("sandboxId", mcp.Required(), mcp.Description("Identifier returned by create_sandbox."))
}

func languageParam() mcp.ToolOption {
	return mcp.WithString("language", mcp.Required(),
		mcp.Description("Language of the code."),
		mcp.Enum(sandbox.SupportedLanguages()...),
	)
}

func timeoutParam() mcp.ToolOption {
	return mcp.WithNumber("timeout", mcp.Min(0), mcp.Description("Timeout in milliseconds. Defaults to the sandbox timeout."))
}

func environmentParam(desc string) mcp.ToolOption {
	return mcp.WithObject("environment", mcp.Description(desc), mcp.AdditionalProperties(stringMap))
}

func (d *Dispatcher) catalogue() map[string]tool {
	tools := []tool{
		{
			def: mcp.NewTool(ToolCreateSandbox,
				mcp.WithDescription("Create a long-running, resource-limited container sandbox and return its identifier."),
				mcp.WithString("image", mcp.Required(), mcp.Description("Container image, e.g. python:3.9-slim.")),
				mcp.WithString("memory", mcp.Description("Memory limit, e.g. 512m.")),
				mcp.WithString("cpus", mcp.Description("CPU limit, e.g. 0.5.")),
				timeoutParam(),
				mcp.WithString("networkMode", mcp.Description(`Container network mode. "none" disables networking.`)),
				environmentParam("Environment variables set in the container."),
				mcp.WithString("workingDir", mcp.Description("Working directory inside the container.")),
				mcp.WithString("user", mcp.Description("User the container runs as.")),
				mcp.WithDestructiveHintAnnotation(false),
			),
			call: handle(d.createSandbox),
		},
		{
			def: mcp.NewTool(ToolExecuteCode,
				mcp.WithDescription("Execute code inside an existing sandbox. Non-zero exits and timeouts are reported in the result."),
				sandboxIDParam(),
				mcp.WithString("code", mcp.Required(), mcp.Description("Source code to run.")),
				languageParam(),
				timeoutParam(),
				mcp.WithString("stdin", mcp.Description("Data passed on standard input.")),
				environmentParam("Extra environment variables for this execution only."),
			),
			call: handle(d.executeCode),
		},
		{
			def: mcp.NewTool(ToolListSandboxes,
				mcp.WithDescription("List active sandboxes."),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			call: handle(d.listSandboxes),
		},
		{
			def: mcp.NewTool(ToolGetSandboxInfo,
				mcp.WithDescription("Return a sandbox's configuration and live container status."),
				sandboxIDParam(),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			call: handle(d.sandboxInfo),
		},
		{
			def: mcp.NewTool(ToolCopyFile,
				mcp.WithDescription("Write content to a file inside a sandbox."),
				sandboxIDParam(),
				mcp.WithString("content", mcp.Required(), mcp.Description("File content.")),
				mcp.WithString("containerPath", mcp.Required(), mcp.Description("Destination path. Relative paths resolve against the working directory.")),
				mcp.WithString("encoding", mcp.Enum("utf8", "base64"), mcp.Description("Content encoding. Default utf8.")),
				mcp.WithIdempotentHintAnnotation(true),
			),
			call: handle(d.copyFile),
		},
		{
			def: mcp.NewTool(ToolReadFile,
				mcp.WithDescription("Read a file from inside a sandbox. Content over 1 MiB is truncated."),
				sandboxIDParam(),
				mcp.WithString("containerPath", mcp.Required(), mcp.Description("Path of the file to read.")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			call: handle(d.readFile),
		},
		{
			def: mcp.NewTool(ToolGetSandboxLogs,
				mcp.WithDescription("Fetch the container logs of a sandbox."),
				sandboxIDParam(),
				mcp.WithNumber("tail", mcp.Min(0), mcp.Description("Number of lines from the end. Default all.")),
				mcp.WithString("since", mcp.Description("Only logs newer than this timestamp or relative duration, e.g. 10m.")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			call: handle(d.sandboxLogs),
		},
		{
			def: mcp.NewTool(ToolStopSandbox,
				mcp.WithDescription("Stop and remove a sandbox."),
				sandboxIDParam(),
				mcp.WithDestructiveHintAnnotation(true),
			),
			call: handle(d.stopSandbox),
		},
		{
			def: mcp.NewTool(ToolCheckAvailability,
				mcp.WithDescription("Report whether the container engine is reachable."),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			call: handle(d.checkAvailability),
		},
		{
			def: mcp.NewTool(ToolRunQuickCode,
				mcp.WithDescription("Run code in a throwaway sandbox that is removed afterwards."),
				mcp.WithString("code", mcp.Required(), mcp.Description("Source code to run.")),
				languageParam(),
				mcp.WithString("image", mcp.Description("Container image. Defaults to the configured image.")),
				timeoutParam(),
				mcp.WithString("memory", mcp.Description("Memory limit, e.g. 256m.")),
				environmentParam("Environment variables set in the container."),
				mcp.WithString("stdin", mcp.Description("Data passed on standard input.")),
			),
			call: handle(d.runQuickCode),
		},
	}

	out := make(map[string]tool, len(tools))
	for _, t := range tools {
		out[t.def.Name] = t
	}
	return out
}
