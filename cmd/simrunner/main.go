// Package main is the entry point for the simrunner CLI.
//
// simrunner can be embedded as a library (SDK) or run as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	simrunner run -c config.yaml      # Answer pending work until interrupted
//	simrunner validate -c config.yaml # Validate configuration
//	simrunner version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "simrunner",
	Short: "Answer simulated conversations from a guardrails control plane",
	Long: `simrunner polls a guardrails control plane for pending simulated
conversations, answers them with a chat completion model (optionally over
persistent WebSocket channels to the application under test), evaluates
configured risks, and reports the results back.

Quick start:
  1. Create a config file (simrunner.yaml)
  2. Run: simrunner validate -c simrunner.yaml
  3. Run: simrunner run -c simrunner.yaml

Example config:
  control_plane_url: https://api.example.com
  application_id: ${GUARDRAILS_APP_ID}
  completion:
    url: https://api.openai.com/v1/chat/completions
    api_key: ${OPENAI_API_KEY}
  risks: [toxicity]`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this simrunner binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "simrunner %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
