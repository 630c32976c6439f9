// boxd runs code in disposable, resource-limited container sandboxes and
// exposes them to MCP clients and HTTP callers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "boxd",
	Short: "boxd: container sandboxes for running untrusted code.",
	Long: `boxd creates and manages isolated container sandboxes through the Docker CLI.
Sandboxes are exposed as tools over the Model Context Protocol (stdio or
streamable HTTP) and over a plain HTTP API.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, checkCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
