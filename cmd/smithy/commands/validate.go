package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/feedstock-tools/smithy/pkg/config"
	"github.com/feedstock-tools/smithy/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate a feedstock's configuration",
		Long: `Validate a feedstock without writing anything.

This command checks:
  - conda-forge.yml against its schema
  - The recipe on every configured platform
  - Pinning, migrations and recipe-local pins
  - Policy compliance (OPA/rego) of the resulting matrix`,
		Example: `  # Validate the feedstock in the current directory
  smithy validate

  # Treat warnings (stale migrations, cache fallback) as errors
  smithy validate --strict ./numpy-feedstock`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := feedstockDir(args)
			log.Info().
				Str("path", dir).
				Bool("strict", strict).
				Msg("Validating feedstock")

			out := cmd.OutOrStdout()
			cfg, err := config.NewParser().LoadFeedstock(dir)
			if err != nil {
				fmt.Fprintf(out, "%s: %s\n", config.FileName, describe(err))
				return err
			}
			fmt.Fprintf(out, "%s: ok (platforms %v)\n", config.FileName, cfg.PlatformList())

			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.renderer.Matrix(cmd.Context(), dir)
			if err != nil {
				fmt.Fprintf(out, "matrix: %s\n", describe(err))
				return err
			}
			fmt.Fprintf(out, "matrix: ok (%d configurations)\n", len(result.Configs))
			printWarnings(out, result.Warnings)

			if strict && len(result.Warnings) > 0 {
				return fmt.Errorf("validation found %d warnings in strict mode", len(result.Warnings))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")

	return cmd
}

// describe prefixes an engine error with its code.
func describe(err error) string {
	if code := engine.CodeOf(err); code != "" {
		return code + ": " + err.Error()
	}
	return err.Error()
}
