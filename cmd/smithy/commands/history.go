package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/feedstock-tools/smithy/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		prune    int
		show     string
		cleanups bool
	)

	cmd := &cobra.Command{
		Use:   "history [dir]",
		Short: "Show recorded render passes of a feedstock",
		Long: `Show the render passes recorded in the ledger for a feedstock.

Every 'render' pass is recorded with its status, fingerprint and
configurations; 'render --check' records the passes that found drift.`,
		Example: `  # Last 20 passes of the feedstock in the current directory
  smithy history

  # Configurations of one pass
  smithy history --show 6f1c2a9e-...

  # Migration files removed by past renders
  smithy history --cleanups

  # Keep only the ten most recent passes
  smithy history --prune 10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedstock, err := filepath.Abs(feedstockDir(args))
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.ledger == nil {
				return fmt.Errorf("the ledger is disabled (%s=%s)", ledgerEnv, ledgerOff)
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			switch {
			case prune > 0:
				n, err := rt.ledger.PruneRenders(ctx, feedstock, prune)
				if err != nil {
					return err
				}
				rt.logger.Info().Int64("removed", n).Str("feedstock", feedstock).Msg("Pruned render history")
				fmt.Fprintf(out, "Removed %d render passes\n", n)
				return nil

			case show != "":
				render, err := rt.ledger.GetRender(ctx, show)
				if err != nil {
					return err
				}
				configs, err := rt.ledger.ListRenderConfigs(ctx, show)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, map[string]any{"render": render, "configs": configs})
				}
				return printRenderConfigs(cmd, render, configs)

			case cleanups:
				entries, err := rt.ledger.ListMigrationCleanups(ctx, &feedstock, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, entries)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "REMOVED\tFILE\tREASON")
				for _, c := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.RemovedAt.Format("2006-01-02 15:04:05"), c.File, c.Reason)
				}
				return tw.Flush()

			default:
				renders, err := rt.ledger.ListRenders(ctx, &feedstock, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, renders)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tCONFIGS\tFINGERPRINT")
				for _, r := range renders {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.ConfigCount, shortFingerprint(r.Fingerprint))
				}
				return tw.Flush()
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the N most recent passes")
	cmd.Flags().StringVar(&show, "show", "", "show the configurations of one pass")
	cmd.Flags().BoolVar(&cleanups, "cleanups", false, "list removed migration files")

	return cmd
}

func printRenderConfigs(cmd *cobra.Command, render *stores.Render, configs []*stores.RenderConfig) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Render %s of %s: %s\n", render.ID, render.Feedstock, render.Status)
	if render.Error != nil {
		fmt.Fprintf(out, "Error: %s\n", *render.Error)
	}
	fmt.Fprintln(out)

	tw := newTable(out)
	fmt.Fprintln(tw, "#\tNAME\tPLATFORM\tPROVIDER\tPRIORITY")
	for _, c := range configs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", c.Position, c.ShortName, c.Platform, orDash(c.Provider), c.Priority)
	}
	return tw.Flush()
}
