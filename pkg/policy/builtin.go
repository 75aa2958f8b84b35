package policy

// Built-in policy names.
const (
	PolicyEmptyMatrix = "empty-matrix"
	PolicyMaxConfigs  = "max-configs"
	PolicyUniqueNames = "unique-names"
	PolicyEOLPython   = "eol-python"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		emptyMatrixPolicy(),
		maxConfigsPolicy(),
		uniqueNamesPolicy(),
		eolPythonPolicy(),
	}
}

// emptyMatrixPolicy rejects renders that produce nothing to build.
func emptyMatrixPolicy() Policy {
	return Policy{
		Name:        PolicyEmptyMatrix,
		Description: "A render must produce at least one build configuration",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"matrix"},
		Rego: `package smithy.policies.empty

import rego.v1

deny contains violation if {
	count(input.configs) == 0
	violation := {
		"message": "the render produced no build configurations",
		"resource": input.feedstock,
	}
}`,
	}
}

// maxConfigsPolicy flags platforms whose matrix grew unexpectedly large.
func maxConfigsPolicy() Policy {
	return Policy{
		Name:        PolicyMaxConfigs,
		Description: "Warns when a platform has more than 100 build configurations",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"matrix", "cost"},
		Rego: `package smithy.policies.size

import rego.v1

max_configs := 100

deny contains violation if {
	some platform, n in input.platforms
	n > max_configs
	violation := {
		"message": sprintf("platform %s has %d configurations (more than %d)", [platform, n, max_configs]),
		"resource": platform,
	}
}`,
	}
}

// uniqueNamesPolicy re-checks the file-name uniqueness the writer relies on.
func uniqueNamesPolicy() Policy {
	return Policy{
		Name:        PolicyUniqueNames,
		Description: "Short configuration names must be unique",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"matrix", "naming"},
		Rego: `package smithy.policies.names

import rego.v1

deny contains violation if {
	some i, j
	input.configs[i].short_name == input.configs[j].short_name
	i < j
	violation := {
		"message": sprintf("configurations %s and %s share the short name %s", [input.configs[i].name, input.configs[j].name, input.configs[i].short_name]),
		"resource": input.configs[i].short_name,
	}
}`,
	}
}

// eolPythonPolicy warns about configurations for unsupported Python releases.
func eolPythonPolicy() Policy {
	return Policy{
		Name:        PolicyEOLPython,
		Description: "Warns about configurations that build for an end-of-life Python",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"python"},
		Rego: `package smithy.policies.python

import rego.v1

deny contains violation if {
	some config in input.configs
	python := config.variant.python
	regex.match("^(2\\.|3\\.[0-8]([^0-9]|$))", python)
	violation := {
		"message": sprintf("configuration %s builds for end-of-life python %s", [config.name, python]),
		"resource": config.name,
	}
}`,
	}
}
