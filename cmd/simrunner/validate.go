package main

import (
	"fmt"
	"strings"

	"github.com/jpalmerr/simrunner/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting the runner.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a simrunner configuration file without starting the runner.

This command parses the YAML, expands environment variables, resolves
credentials, and validates all fields. It does not contact the control plane.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  simrunner validate -c simrunner.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := config.BuildOptions(cfg, nil); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	risks := "none"
	if len(cfg.Risks) > 0 {
		risks = strings.Join(cfg.Risks, ", ")
	}
	channel := "disabled"
	if cfg.Channel != nil {
		channel = cfg.Channel.URL
	}
	status := "disabled"
	if cfg.StatusPort > 0 {
		status = fmt.Sprintf(":%d", cfg.StatusPort)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Control plane: %s\n", cfg.ControlPlaneURL)
	fmt.Fprintf(out, "  Application:   %s\n", cfg.ApplicationID)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.PollInterval.Duration())
	fmt.Fprintf(out, "  Risks:         %s\n", risks)
	fmt.Fprintf(out, "  Channel:       %s\n", channel)
	fmt.Fprintf(out, "  Status API:    %s\n", status)

	return nil
}
