package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/pinning"
	"github.com/feedstock-tools/smithy/pkg/render"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

func newPinningCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pinning",
		Short: "Inspect the pinning set of a feedstock",
		Long: `Inspect the global pinning set and how it applies to a feedstock.

The pinning source comes from conda-forge.yml. Downloaded sets are cached
for CONDA_FORGE_PINNING_LIFETIME seconds (default 900).`,
	}

	cmd.AddCommand(newPinningFetchCommand())
	cmd.AddCommand(newPinningShowCommand())

	return cmd
}

type snapshotView struct {
	Dir       string    `json:"dir"`
	Source    string    `json:"source"`
	Version   string    `json:"version,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	FromCache bool      `json:"from_cache"`
	Fallback  bool      `json:"fallback"`
	Error     string    `json:"error,omitempty"`
}

func newSnapshotView(s *pinning.Snapshot) snapshotView {
	v := snapshotView{
		Dir:       s.Dir,
		Source:    s.Source,
		Version:   s.Version,
		Digest:    s.Digest,
		FetchedAt: s.FetchedAt,
		FromCache: s.FromCache,
		Fallback:  s.Fallback,
	}
	if s.FetchErr != nil {
		v.Error = s.FetchErr.Error()
	}
	return v
}

func newPinningFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [dir]",
		Short: "Fetch the pinning set into the cache",
		Example: `  # Warm the cache for the feedstock in the current directory
  smithy pinning fetch

  # Force a download by expiring the cache immediately
  CONDA_FORGE_PINNING_LIFETIME=0 smithy pinning fetch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			snap, err := rt.renderer.Snapshot(cmd.Context(), feedstockDir(args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			view := newSnapshotView(snap)
			if jsonOutput {
				return writeJSON(out, view)
			}
			tw := newTable(out)
			fmt.Fprintf(tw, "Source:\t%s\n", view.Source)
			fmt.Fprintf(tw, "Version:\t%s\n", orDash(view.Version))
			fmt.Fprintf(tw, "Digest:\t%s\n", orDash(view.Digest))
			fmt.Fprintf(tw, "Directory:\t%s\n", view.Dir)
			fmt.Fprintf(tw, "From cache:\t%t\n", view.FromCache)
			if view.Fallback {
				fmt.Fprintf(tw, "Fallback:\t%s\n", view.Error)
			}
			return tw.Flush()
		},
	}

	return cmd
}

type platformPinningView struct {
	Platform engine.Platform     `json:"platform"`
	Variant  map[string][]string `json:"variant"`
	ZipKeys  variant.ZipKeys     `json:"zip_keys,omitempty"`
	Stale    []string            `json:"stale_migrations,omitempty"`
}

// yamlPinning keeps the pinning order of the axes when printed.
type yamlPinning struct {
	Variant *variant.Variant `yaml:"variant"`
	ZipKeys variant.ZipKeys  `yaml:"zip_keys,omitempty"`
}

func newPinningShowCommand() *cobra.Command {
	var (
		platform string
		axes     []string
	)

	cmd := &cobra.Command{
		Use:   "show [dir]",
		Short: "Show the effective pinning set per platform",
		Long: `Show the pinning set each platform of a feedstock renders with: the
global set with migrations, recipe-local pins and channel settings applied.`,
		Example: `  # Show everything
  smithy pinning show

  # Only the python and numpy axes on linux-64
  smithy pinning show --platform linux-64 --axis python --axis numpy`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var only engine.Platform
			if platform != "" {
				only = engine.ParsePlatform(platform)
				if !only.Valid() {
					return fmt.Errorf("invalid platform %q", platform)
				}
			}

			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			pins, snap, err := rt.renderer.Pinning(cmd.Context(), feedstockDir(args))
			if err != nil {
				return err
			}

			var selected []render.PlatformPinning
			for _, pp := range pins {
				if only == "" || pp.Platform == only {
					selected = append(selected, restrictPinning(pp, axes))
				}
			}
			if only != "" && len(selected) == 0 {
				return fmt.Errorf("platform %s is not rendered by this feedstock", only)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				views := make([]platformPinningView, 0, len(selected))
				for _, pp := range selected {
					views = append(views, newPlatformPinningView(pp))
				}
				return writeJSON(out, map[string]any{
					"snapshot":  newSnapshotView(snap),
					"platforms": views,
				})
			}

			fmt.Fprintf(out, "# pinning %s\n", pinningLabel(snap.Info()))
			for _, pp := range selected {
				if err := printPlatformPinning(out, pp); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "", "only show this platform")
	cmd.Flags().StringSliceVarP(&axes, "axis", "a", nil, "only show these axes")

	return cmd
}

// restrictPinning limits a platform's set to the given axes.
func restrictPinning(pp render.PlatformPinning, axes []string) render.PlatformPinning {
	if len(axes) == 0 {
		return pp
	}
	set := pp.Set.Clone()
	set.Space = set.Space.Restrict(axes)
	pp.Set = set
	return pp
}

func newPlatformPinningView(pp render.PlatformPinning) platformPinningView {
	v := platformPinningView{
		Platform: pp.Platform,
		Variant:  make(map[string][]string),
		ZipKeys:  pp.Set.Space.ZipKeys,
	}
	for _, axis := range pp.Set.Space.Variant.Axes() {
		v.Variant[axis] = pp.Set.Space.Variant.Values(axis)
	}
	for _, s := range pp.Stale {
		v.Stale = append(v.Stale, s.Name)
	}
	return v
}

func printPlatformPinning(w io.Writer, pp render.PlatformPinning) error {
	fmt.Fprintf(w, "\n# %s\n", pp.Platform)
	data, err := yaml.Marshal(yamlPinning{
		Variant: pp.Set.Space.Variant,
		ZipKeys: pp.Set.Space.ZipKeys,
	})
	if err != nil {
		return fmt.Errorf("failed to encode pinning for %s: %w", pp.Platform, err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	for _, s := range pp.Stale {
		fmt.Fprintf(w, "# stale migration %s: %s\n", s.Name, s.Warning().Message)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
