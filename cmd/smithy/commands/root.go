package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	metricsAddr string
	logFormat   string
	ledgerPath  string
)

// DriftError reports that a feedstock's variant files are out of date.
type DriftError struct {
	Feedstock string
	Changed   []string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("feedstock %s needs a rerender: %d variant files differ", e.Feedstock, len(e.Changed))
}

// ExitCode maps a command error to the process exit status: 2 when a check
// found drift, 1 otherwise.
func ExitCode(err error) int {
	var drift *DriftError
	if errors.As(err, &drift) {
		return 2
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "smithy",
		Short: "smithy - conda-forge feedstock build matrix renderer",
		Long: `smithy turns a conda-forge feedstock into its build matrix.

A render pass:
  - Reads conda-forge.yml and the recipe
  - Fetches the global pinning set (cached, with stale fallback)
  - Applies migrations and recipe-local pins per platform
  - Expands the configurations the recipe actually depends on
  - Checks them against policy and writes .ci_support/*.yaml`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "telemetry settings file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "render ledger database (default $SMITHY_LEDGER or $XDG_STATE_HOME/smithy/ledger.db)")

	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newMatrixCommand())
	rootCmd.AddCommand(newPinningCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

func feedstockDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}
