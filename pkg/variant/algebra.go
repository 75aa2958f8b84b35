package variant

import (
	"fmt"
	"slices"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

// Union combines two variants. Shared axes keep a's candidates followed by
// b's candidates that a does not already hold, in first-seen order. Axes
// present on one side pass through unchanged. Axis order is a's axes, then
// b-only axes in b's order.
func Union(a, b *Variant) *Variant {
	out := a.Clone()
	for _, axis := range b.Axes() {
		bv := b.values[axis]
		av, ok := out.values[axis]
		if !ok {
			out.Set(axis, bv...)
			continue
		}
		merged := slices.Clone(av)
		for _, val := range bv {
			if !slices.Contains(merged, val) {
				merged = append(merged, val)
			}
		}
		out.values[axis] = merged
	}
	return out
}

// Loosen widens a's candidate sets with b's. It has the same semantics as
// Union; callers use it to express intent when relaxing a pin.
func Loosen(a, b *Variant) *Variant {
	return Union(a, b)
}

// Tighten keeps only the axes present in both variants, with candidates
// restricted to values present in both, ordered as in a. An empty
// intersection on any shared axis is a configuration error naming the axis.
func Tighten(a, b *Variant) (*Variant, error) {
	out := New()
	for _, axis := range a.Axes() {
		bv, ok := b.values[axis]
		if !ok {
			continue
		}
		kept := intersect(a.values[axis], bv)
		if len(kept) == 0 {
			return nil, unsatisfiable(axis, a.values[axis], bv)
		}
		out.Set(axis, kept...)
	}
	return out, nil
}

// KeyAdd inserts an axis with the given candidates. When the axis already
// exists, candidates it does not hold are appended.
func KeyAdd(a *Variant, axis string, values []string) *Variant {
	out := a.Clone()
	existing, ok := out.Get(axis)
	if !ok {
		out.Set(axis, values...)
		return out
	}
	for _, val := range values {
		if !slices.Contains(existing, val) {
			existing = append(existing, val)
		}
	}
	out.Set(axis, existing...)
	return out
}

// KeyRemove deletes an axis. Removing an absent axis is a no-op.
func KeyRemove(a *Variant, axis string) *Variant {
	out := a.Clone()
	out.Delete(axis)
	return out
}

func intersect(a, b []string) []string {
	var out []string
	for _, val := range a {
		if slices.Contains(b, val) {
			out = append(out, val)
		}
	}
	return out
}

func unsatisfiable(axis string, have, want []string) error {
	return engine.NewConfigurationError(
		fmt.Sprintf("no candidate of axis %q satisfies the bound", axis), nil).
		WithCode(engine.ErrCodeUnsatisfiablePin).
		WithResource(axis).
		WithOperation("tighten").
		WithDetail("candidates", slices.Clone(have)).
		WithDetail("allowed", slices.Clone(want))
}
