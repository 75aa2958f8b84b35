package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

func newMatrixCommand() *cobra.Command {
	var platform string

	cmd := &cobra.Command{
		Use:   "matrix [dir]",
		Short: "Print the build matrix without writing files",
		Long: `Compute the build matrix of a feedstock and print it.

Runs the same pass as 'render' up to and including the policy gate, but
writes nothing and records nothing in the ledger.`,
		Example: `  # Print the matrix of the feedstock in the current directory
  smithy matrix

  # Only the osx-arm64 configurations, as JSON
  smithy matrix --platform osx-arm64 --json ./numpy-feedstock`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.renderer.Matrix(cmd.Context(), feedstockDir(args))
			if err != nil {
				return err
			}
			if platform != "" {
				p := engine.ParsePlatform(platform)
				if !p.Valid() {
					return fmt.Errorf("invalid platform %q", platform)
				}
				filtered := *result
				filtered.Configs = result.ConfigsFor(p)
				result = &filtered
			}
			return printResult(cmd.OutOrStdout(), "Computed", result)
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "", "only show configurations for this platform (e.g. linux-64)")

	return cmd
}
