package policy

import (
	"time"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block a render.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that indicate a broken matrix.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity fail a render.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// "deny" set of its package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the configuration or platform that violated the policy.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Feedstock string        `json:"feedstock"`
	Configs   []ConfigInput `json:"configs"`

	// Platforms maps each rendered platform to its configuration count.
	Platforms map[string]int `json:"platforms"`

	Pinning engine.PinningInfo `json:"pinning"`
	Context *Context           `json:"context"`
}

// ConfigInput is one configuration as policies see it.
type ConfigInput struct {
	Name          string            `json:"name"`
	ShortName     string            `json:"short_name"`
	Platform      string            `json:"platform"`
	BuildPlatform string            `json:"build_platform"`
	Provider      string            `json:"provider"`
	Variant       map[string]string `json:"variant"`
	Priority      int               `json:"priority"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is "render" or "check".
	Operation string `json:"operation,omitempty"`
}

// PolicyBundle represents a collection of related policies shipped as one
// JSON file.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}

// NewInput builds the policy input of a render result.
func NewInput(result *engine.Result, operation string, now time.Time) *Input {
	in := &Input{
		Feedstock: result.Feedstock,
		Configs:   make([]ConfigInput, 0, len(result.Configs)),
		Platforms: make(map[string]int),
		Pinning:   result.Pinning,
		Context:   &Context{Timestamp: now, Operation: operation},
	}
	for _, c := range result.Configs {
		vars := make(map[string]string, len(c.Axes))
		for _, a := range c.Axes {
			vars[a.Axis] = a.Value
		}
		in.Configs = append(in.Configs, ConfigInput{
			Name:          c.Name,
			ShortName:     c.ShortName,
			Platform:      c.Platform.String(),
			BuildPlatform: c.BuildPlatform.String(),
			Provider:      c.Provider,
			Variant:       vars,
			Priority:      c.Priority,
		})
		in.Platforms[c.Platform.String()]++
	}
	return in
}
