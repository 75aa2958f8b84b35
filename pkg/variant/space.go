package variant

import (
	"maps"
	"slices"
)

// Space is a variant together with its zip groups: the full candidate space
// a configuration matrix is expanded from.
type Space struct {
	Variant *Variant
	ZipKeys ZipKeys

	// zipDefaults remembers the default value of axes that a key_add
	// migration pulled into a zip group, so later additions that omit them
	// still get a value.
	zipDefaults map[string]string
}

// NewSpace creates a space from a variant and zip groups.
func NewSpace(v *Variant, zips ZipKeys) *Space {
	if v == nil {
		v = New()
	}
	return &Space{Variant: v, ZipKeys: zips.Normalize()}
}

// Clone returns a deep copy.
func (s *Space) Clone() *Space {
	return &Space{
		Variant:     s.Variant.Clone(),
		ZipKeys:     s.ZipKeys.Clone(),
		zipDefaults: maps.Clone(s.zipDefaults),
	}
}

// Validate checks the zip groups against the variant.
func (s *Space) Validate() error {
	return s.ZipKeys.Validate(s.Variant)
}

// Restrict returns the space limited to the given axes. Zip groups are
// trimmed to those axes but keep positional alignment.
func (s *Space) Restrict(axes []string) *Space {
	return &Space{
		Variant:     s.Variant.Only(axes...),
		ZipKeys:     s.ZipKeys.Restrict(axes),
		zipDefaults: maps.Clone(s.zipDefaults),
	}
}

// Tighten narrows the space to the candidates allowed by bounds. Axes that
// bounds does not mention are untouched. For a zipped axis a position
// survives only if the axis's value there is allowed, and a dropped position
// is removed from every member of the group as a unit.
func (s *Space) Tighten(bounds *Variant) error {
	for _, axis := range bounds.Axes() {
		cur, ok := s.Variant.values[axis]
		if !ok {
			continue
		}
		allowed := bounds.values[axis]

		gi, zipped := s.ZipKeys.GroupOf(axis)
		if !zipped {
			t, err := Tighten(s.Variant.Only(axis), bounds.Only(axis))
			if err != nil {
				return err
			}
			s.Variant.Set(axis, t.values[axis]...)
			continue
		}

		var keep []int
		for i, val := range cur {
			if slices.Contains(allowed, val) {
				keep = append(keep, i)
			}
		}
		if len(keep) == 0 {
			return unsatisfiable(axis, cur, allowed)
		}
		for _, member := range s.ZipKeys[gi] {
			vals, ok := s.Variant.values[member]
			if !ok {
				continue
			}
			filtered := make([]string, 0, len(keep))
			for _, i := range keep {
				if i < len(vals) {
					filtered = append(filtered, vals[i])
				}
			}
			s.Variant.values[member] = filtered
		}
	}
	return nil
}
