package matrix

import (
	"fmt"
	"strings"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/variant"
	"github.com/feedstock-tools/smithy/pkg/version"
)

// Constraint is a version bound a recipe declares on an axis, such as
// numpy ">=1.22".
type Constraint struct {
	Axis string
	Spec string

	// Source names where the constraint came from, for error messages.
	Source string
}

// Constrain narrows the space to candidates that satisfy every constraint on
// their axis. Constraints on axes the space does not hold are ignored. A
// zipped position survives only if every constrained member matches there,
// and is dropped from the whole group otherwise. An axis left without
// candidates is an UNSATISFIABLE_PIN configuration error.
func Constrain(space *variant.Space, constraints []Constraint) error {
	specs := make(map[string][]*version.Spec)
	var order []string
	for _, c := range constraints {
		axis := variant.NormalizeAxis(c.Axis)
		if !space.Variant.Has(axis) || strings.TrimSpace(c.Spec) == "" {
			continue
		}
		spec, err := version.ParseSpec(c.Spec)
		if err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("invalid version spec %q for %s", c.Spec, axis), err).
				WithCode(engine.ErrCodeInvalidRecipe).
				WithResource(c.Source).
				WithOperation("constrain")
		}
		if spec.IsAny() {
			continue
		}
		if _, seen := specs[axis]; !seen {
			order = append(order, axis)
		}
		specs[axis] = append(specs[axis], spec)
	}
	if len(order) == 0 {
		return nil
	}

	bounds := variant.New()
	for _, axis := range order {
		var allowed []string
		for _, value := range space.Variant.Values(axis) {
			if matchesAll(specs[axis], value) {
				allowed = append(allowed, value)
			}
		}
		if len(allowed) == 0 {
			return unsatisfiable(axis, space.Variant.Values(axis), specs[axis])
		}
		bounds.Set(axis, allowed...)
	}
	return space.Tighten(bounds)
}

func matchesAll(specs []*version.Spec, value string) bool {
	for _, s := range specs {
		if !s.MatchCandidate(value) {
			return false
		}
	}
	return true
}

func unsatisfiable(axis string, have []string, specs []*version.Spec) error {
	wants := make([]string, len(specs))
	for i, s := range specs {
		wants[i] = s.String()
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("no pinned value of %s satisfies %s", axis, strings.Join(wants, ",")), nil).
		WithCode(engine.ErrCodeUnsatisfiablePin).
		WithResource(axis).
		WithOperation("constrain").
		WithDetail("candidates", have).
		WithDetail("constraints", wants)
}
