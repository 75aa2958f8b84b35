// Package engine provides the core types and interfaces shared by the smithy
// build-matrix renderer.
//
// # Overview
//
// A render pass turns a recipe's dependency constraints and a pinning set into
// an ordered, deduplicated list of build configurations. The pass runs in five
// steps:
//
//  1. Pinning - Fetch (or reuse) the pinning set and apply migration overlays
//  2. Constrain - Tighten the candidate values against the recipe's bounds
//  3. Expand - Build the Cartesian product, honoring zip groups
//  4. Name - Down-prioritize, name, and deduplicate configurations
//  5. Emit - Shorten names, gate on policy, and hand the list to a ConfigWriter
//
// # Core Domain Types
//
//   - Platform: a conda subdir such as "linux-64"
//   - BuildConfig: one configuration with its ordered axis assignments
//   - Result: the output of a render pass, with warnings and a fingerprint
//   - Warning: a non-fatal finding such as a stale migration
//
// # Error Classification
//
// Errors carry a class that decides how the pass reacts:
//
//   - Configuration: invalid or unsatisfiable input, always fatal
//   - CacheFetch: the pinning set could not be fetched; recovered from cache when possible
//   - Internal: unexpected I/O or encoding failures
//
// Use the helpers to inspect them:
//
//	if engine.IsConfiguration(err) {
//	    // report and exit non-zero, nothing was written
//	}
//
// Specific codes can be matched with errors.Is:
//
//	errors.Is(err, &engine.EngineError{Class: engine.ErrorClassConfiguration, Code: engine.ErrCodeZipMismatch})
package engine
