package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stategate",
		Short: "StateGate - Governed Execution Engine",
		Long: `StateGate executes structured action intents against versioned
component state under declared governance limits.

Features:
  - Declarative action and component registry with JSON Schema inputs
  - Role-based authorization and risk-tier confirmation
  - Rate, budget, window, and approval governance per scope
  - Immutable snapshot history with diff, revert, and replay
  - Dry-run simulation of single intents and multi-step plans
  - Per-principal session memory`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newRevertCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newScopeCommand())
	rootCmd.AddCommand(newLimitsCommand())
	rootCmd.AddCommand(newMemoryCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
