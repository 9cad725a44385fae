// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/config"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// skipAppAnnotation marks commands that run without building the application.
const skipAppAnnotation = "skip-app"

// App defines what the commands need from the application, so tests can inject
// a fake.
type App interface {
	Run(ctx context.Context) error
	HarvestOnce(ctx context.Context, jobID int) (harvest.JobResult, error)
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Scheduled OAI-PMH harvesting into a search index.",
		Long: `harvester keeps a search index in sync with the OAI-PMH repositories of
partner institutions. Jobs are registered over the HTTP API and run on cron
schedules; each run pulls new and changed records, normalizes them and
commits them to the index.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, skip := cmd.Annotations[skipAppAnnotation]; skip {
				return nil
			}
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus HARVESTER_* env when empty)")

	cmd.AddCommand(newServeCmd(), newHarvestCmd(), newDecadesCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// withApp runs fn against the application built by the root command and
// closes the application afterwards, whether or not fn failed.
func withApp(fn func(cmd *cobra.Command, app App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if cerr := appInstance.Close(context.WithoutCancel(cmd.Context())); cerr != nil && err == nil {
				err = fmt.Errorf("close app: %w", cerr)
			}
		}()
		return fn(cmd, appInstance)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
