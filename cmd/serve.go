package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		Long: `Loads every stored job into the scheduler and serves the management API
until SIGINT or SIGTERM. In-flight runs get the configured shutdown timeout
to finish.`,
		Args: cobra.NoArgs,
		RunE: withApp(runServeCommand),
	}
}

func runServeCommand(cmd *cobra.Command, app App) error {
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
