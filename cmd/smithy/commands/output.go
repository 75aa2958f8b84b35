package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// printConfigs lists the configurations of a result, one per line.
func printConfigs(w io.Writer, result *engine.Result) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tPLATFORM\tBUILD PLATFORM\tPROVIDER")
	for _, c := range result.Configs {
		provider := c.Provider
		if provider == "" {
			provider = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ShortName, c.Platform, c.BuildPlatform, provider)
	}
	return tw.Flush()
}

func printWarnings(w io.Writer, warnings []engine.Warning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(w, "\nWarnings:")
	for _, warn := range warnings {
		if warn.Resource != "" {
			fmt.Fprintf(w, "  [%s] %s: %s\n", warn.Kind, warn.Resource, warn.Message)
			continue
		}
		fmt.Fprintf(w, "  [%s] %s\n", warn.Kind, warn.Message)
	}
}

// printResult writes a render result as JSON or as a human summary.
func printResult(w io.Writer, verb string, result *engine.Result) error {
	if jsonOutput {
		return writeJSON(w, result)
	}
	fmt.Fprintf(w, "%s %d configurations for %s (fingerprint %s, pinning %s)\n\n",
		verb, len(result.Configs), result.Feedstock, shortFingerprint(result.Fingerprint), pinningLabel(result.Pinning))
	if err := printConfigs(w, result); err != nil {
		return err
	}
	printWarnings(w, result.Warnings)
	return nil
}

func pinningLabel(info engine.PinningInfo) string {
	if info.Version != "" {
		return info.Source + "@" + info.Version
	}
	return info.Source
}
