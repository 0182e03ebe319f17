package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/simrunner"
	"github.com/jpalmerr/simrunner/config"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 2 * time.Minute
)

// newLogger creates a JSON logger for CLI use.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// runCmd starts answering pending work.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Answer pending work until interrupted",
	Long: `Start the runner.

The runner will:
  - Load configuration from the specified YAML file
  - Poll the control plane for pending tests and risk evaluations
  - Answer each item once and report the result
  - Serve the status API if status_port is set

The runner stops on Ctrl+C or SIGTERM, after the items already in progress
have been reported. It exits non-zero if the control plane rejects its
credentials or stays unreachable.

Example:
  simrunner run -c simrunner.yaml
  simrunner run --config /etc/simrunner/config.yaml`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Level())
	logger.Info("config loaded",
		"application_id", cfg.ApplicationID,
		"risks", len(cfg.Risks),
		"channel", cfg.Channel != nil,
		"poll_interval", cfg.PollInterval.Duration().String(),
	)

	opts, err := config.BuildOptions(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}

	runner, err := simrunner.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- runner.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("runner error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for in-flight items with a bound
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("runner error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
