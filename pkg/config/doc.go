// Package config reads and validates the forge configuration of a
// feedstock (conda-forge.yml).
//
// # Overview
//
// The configuration decides which platforms are rendered, which CI provider
// and build platform each of them uses, where the global pinning set comes
// from, and which policies gate a render. Parsing happens in three steps:
//
//  1. YAML decoding into ForgeConfig (unknown keys are ignored, since
//     conda-forge.yml carries settings for other tools)
//  2. Struct validation with go-playground/validator tags
//  3. Validation of the decoded value against the CUE schema #ForgeConfig
//
// Defaults are applied after validation.
//
// # Usage Example
//
//	parser := config.NewParser()
//
//	cfg, err := parser.LoadFeedstock("path/to/feedstock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, p := range cfg.PlatformList() {
//	    fmt.Println(p, cfg.ProviderFor(p), cfg.BuildPlatformFor(p))
//	}
//
// # Schema Validation
//
// Built-in CUE schemas:
//
//   - #ForgeConfig: conda-forge.yml
//   - #Migration: migration overlays; Parser implements
//     pinning.MigrationValidator with it
//   - #Platform, #Provider: shared constraints
//
// Custom schemas can be registered with SchemaRegistry.RegisterSchemas.
//
// # Thread Safety
//
// Parser and SchemaRegistry are safe for concurrent use.
package config
