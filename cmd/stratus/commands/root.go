package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	manifestPath string
	statePath    string
	logLevel     string
	logFormat    string
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stratus",
		Short: "Stratus - Serverless Stack Reconciliation Engine",
		Long: `Stratus reconciles a declared serverless web stack against its last
applied state and computes the minimal set of provisioning operations.

Features:
  - Declarative YAML manifests validated via CUE schemas
  - Content fingerprints for precise change detection
  - Curated trigger sets driving aggregate redeployment
  - Create-before-destroy replacement with deferred cleanup
  - Policy gates via OPA/Rego
  - SQLite-backed state and run history`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger()
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "f", "stack.yaml", "stack manifest path")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", ".stratus/state.db", "state database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
