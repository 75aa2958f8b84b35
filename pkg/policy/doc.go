// Package policy gates render results with Open Policy Agent (OPA) Rego
// policies.
//
// Every policy is a Rego module whose package defines a "deny" set. Each
// member is either a message string or an object with "message",
// "resource" and optionally "severity" keys. Violations with severity error
// or critical fail a render with POLICY_DENIED; the rest are reported as
// warnings next to the result.
//
// # Built-in Policies
//
//   - empty-matrix (error): the render produced no configurations
//   - unique-names (critical): two configurations share a short name
//   - max-configs (warning): a platform has more than 100 configurations
//   - eol-python (warning): a configuration builds for Python 2 or 3.0-3.8
//
// Built-ins can be switched off with DisablePolicy, which is what the
// "policy.disabled" list of conda-forge.yml maps to.
//
// # Input Document
//
//	{
//	  "feedstock": "path/to/foo-feedstock",
//	  "configs": [
//	    {"name": "linux_64_python3.12", "short_name": "...", "platform": "linux-64",
//	     "build_platform": "linux-64", "provider": "azure",
//	     "variant": {"python": "3.12.* *_cpython"}, "priority": 0}
//	  ],
//	  "platforms": {"linux-64": 1},
//	  "pinning": {"source": "...", "version": "...", "digest": "..."},
//	  "context": {"timestamp": "...", "operation": "render"}
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{".ci_support/policies"}); err != nil {
//	    return err
//	}
//	warnings, err := eng.Check(ctx, result)
//
// Custom policies are loaded from .rego files (severity error), JSON
// policy definitions, or JSON bundles with a "policies" list. Policy paths
// listed in conda-forge.yml are watched together with the rest of the
// feedstock by "smithy render --watch".
package policy
