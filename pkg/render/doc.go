// Package render runs render passes over a feedstock and writes the
// resulting variant files.
//
// # Render Pass
//
// A pass reads the forge configuration, evaluates the recipe once per
// platform, resolves the pinning snapshot through the pinning cache and
// builds the effective pinning set of every platform:
//
//  1. base set from the snapshot, with selectors evaluated for the platform
//  2. migrations from .ci_support/migrations, upstream copies when newer
//  3. the recipe's own variants.yaml or conda_build_config.yaml
//  4. channel_sources and channel_targets from the forge configuration
//
// The sets are expanded by the matrix package, fingerprinted and gated by
// the policy engine. Only then are the variant files written. Migrations
// that were stale on every platform are removed after the write, and the
// pass is recorded in the ledger.
//
// # Usage Example
//
//	r := render.New(
//	    render.WithLogger(logger),
//	    render.WithLedger(store),
//	)
//
//	result, err := r.Render(ctx, "path/to/feedstock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, c := range result.Configs {
//	    fmt.Println(c.ShortName)
//	}
//
// Check computes the same result and compares it with the files on disk
// without writing. Watch re-renders whenever the inputs of a feedstock
// change.
//
// # Variant Files
//
// VariantFileWriter writes .ci_support/<short name>.yaml for every
// configuration, with each axis mapped to a one-element list and the zip
// groups under zip_keys. The new directory is assembled beside the old one
// and swapped in with renames, so a failed write leaves the previous files
// in place.
package render
