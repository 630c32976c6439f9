package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/boxd/internal/process"
	"github.com/jkaninda/boxd/internal/sandbox"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the container engine is reachable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
		binary := cfg.Docker.BinaryName()

		ctx, cancel := context.WithTimeout(runContext(cmd), 15*time.Second)
		defer cancel()

		if !sandbox.IsDockerAvailable(ctx, process.NewExecRunner(0, logger), binary) {
			return fmt.Errorf("%s is not available", binary)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is available\n", binary)
		return nil
	},
}
