package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

func newRenderCommand() *cobra.Command {
	var (
		watch bool
		check bool
	)

	cmd := &cobra.Command{
		Use:   "render [dir]",
		Short: "Render the variant files of a feedstock",
		Long: `Render the build matrix of a feedstock and write .ci_support/*.yaml.

The pass:
  - Fetches the pinning set named in conda-forge.yml (cached)
  - Applies global and local migrations, then the recipe's own pins
  - Expands one configuration per combination the recipe depends on
  - Runs the policy gate
  - Replaces the variant files and removes stale local migrations

Nothing is written when any step fails. Every pass is recorded in the ledger.`,
		Example: `  # Render the feedstock in the current directory
  smithy render

  # Fail when the checked-in variant files are out of date
  smithy render --check ./numpy-feedstock

  # Re-render whenever the recipe or conda-forge.yml changes
  smithy render --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && check {
				return fmt.Errorf("--watch and --check cannot be combined")
			}
			dir := feedstockDir(args)

			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			switch {
			case check:
				res, err := rt.renderer.Check(cmd.Context(), dir)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := writeJSON(out, res); err != nil {
						return err
					}
				} else if res.Drifted {
					fmt.Fprintf(out, "%s is out of date:\n", res.Result.Feedstock)
					for _, name := range res.Changed {
						fmt.Fprintf(out, "  %s\n", name)
					}
				} else {
					fmt.Fprintf(out, "%s is up to date (%d configurations)\n", res.Result.Feedstock, len(res.Result.Configs))
				}
				if res.Drifted {
					return &DriftError{Feedstock: res.Result.Feedstock, Changed: res.Changed}
				}
				return nil

			case watch:
				rt.logger.Info().Str("feedstock", dir).Msg("Watching feedstock, press Ctrl+C to stop")
				return rt.renderer.Watch(cmd.Context(), dir, func(result *engine.Result, err error) {
					if err != nil {
						rt.logger.Error().Err(err).Msg("Render failed, waiting for changes")
						return
					}
					if err := printResult(out, "Rendered", result); err != nil {
						rt.logger.Error().Err(err).Msg("Failed to print result")
					}
				})

			default:
				result, err := rt.renderer.Render(cmd.Context(), dir)
				if err != nil {
					return err
				}
				if err := printResult(out, "Rendered", result); err != nil {
					return err
				}
				if !jsonOutput && len(result.StaleMigrations) > 0 {
					fmt.Fprintf(out, "\nRemoved stale migrations: %v\n", result.StaleMigrations)
				}
				return nil
			}
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-render when the feedstock changes")
	cmd.Flags().BoolVar(&check, "check", false, "report drift without writing; exit 2 when out of date")

	return cmd
}
