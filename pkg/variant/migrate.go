package variant

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/version"
)

// Ordering gives, per axis, an explicit priority order of candidate values
// used by the migration operations instead of version order.
type Ordering map[string][]string

// Normalize case-normalizes the axis names.
func (o Ordering) Normalize() Ordering {
	if o == nil {
		return nil
	}
	out := make(Ordering, len(o))
	for axis, vals := range o {
		out[NormalizeAxis(axis)] = slices.Clone(vals)
	}
	return out
}

// CompareValues orders two candidate values. With an ordering, values rank by
// their index in it and unknown values rank after all known ones. Otherwise,
// and among unknown values, conda version order applies, with "*" read as 1
// and spaces as separators.
func CompareValues(a, b string, ordering []string) int {
	if ordering != nil {
		ia, ib := slices.Index(ordering, a), slices.Index(ordering, b)
		switch {
		case ia >= 0 && ib >= 0:
			return compareInt(ia, ib)
		case ia >= 0:
			return -1
		case ib >= 0:
			return 1
		}
	}
	return version.Compare(versionKey(a), versionKey(b))
}

func versionKey(v string) string {
	return strings.NewReplacer(" ", ".", "*", "1").Replace(v)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// VersionAdd merges an overlay into base. Overlay-only axes are added. For a
// shared axis without an ordering, the higher of the two candidates at each
// index wins and the tail of the longer sequence is appended. For a shared
// axis with an ordering, the union of both sequences is sorted by the
// ordering and the highest max(len(base), len(overlay)) values are kept.
//
// When an ordered axis is zipped, its partners follow it: each kept value
// brings the partner values from the side it came from, falling back to the
// partner's remembered default. primary, when set, is merged first.
//
// Zip groups are merged with MergeZipKeys when both sides declare them.
func VersionAdd(base, overlay *Space, ordering Ordering, primary string) (*Space, error) {
	out := base.Clone()
	driven := make(map[string]bool)

	var drivers []string
	if p := NormalizeAxis(primary); p != "" && overlay.Variant.Has(p) {
		drivers = append(drivers, p)
	}
	for _, axis := range overlay.Variant.Axes() {
		if ordering[axis] == nil || slices.Contains(drivers, axis) {
			continue
		}
		if _, zipped := base.ZipKeys.GroupOf(axis); zipped {
			drivers = append(drivers, axis)
		}
	}
	for _, axis := range drivers {
		if driven[axis] || !base.Variant.Has(axis) || ordering[axis] == nil {
			continue
		}
		partners, err := mergeOrderedZipped(out, base, overlay.Variant, axis, ordering[axis])
		if err != nil {
			return nil, err
		}
		driven[axis] = true
		for _, p := range partners {
			driven[p] = true
		}
	}

	for _, axis := range overlay.Variant.Axes() {
		if driven[axis] {
			continue
		}
		ov := overlay.Variant.values[axis]
		bv, ok := out.Variant.values[axis]
		if !ok {
			out.Variant.Set(axis, ov...)
			continue
		}
		out.Variant.values[axis] = mergeAxis(bv, ov, ordering[axis])
	}

	switch {
	case len(base.ZipKeys) > 0 && len(overlay.ZipKeys) > 0:
		out.ZipKeys = MergeZipKeys(base.ZipKeys, overlay.ZipKeys)
	case len(overlay.ZipKeys) > 0:
		out.ZipKeys = overlay.ZipKeys.Normalize()
	}
	return out, nil
}

// mergeAxis merges two candidate sequences of one axis.
func mergeAxis(base, overlay, ordering []string) []string {
	if ordering == nil {
		return higherOf(base, overlay, ordering)
	}
	return topN(append(slices.Clone(base), overlay...), ordering, max(len(base), len(overlay)))
}

// topN keeps the n highest values by ordering, in ascending order.
func topN(values, ordering []string, n int) []string {
	sorted := sortedWith(values, ordering)
	if len(sorted) > n {
		sorted = sorted[len(sorted)-n:]
	}
	return sorted
}

// mergeOrderedZipped merges an ordered axis and re-indexes its zip partners
// by provenance. It returns the partners it rewrote.
func mergeOrderedZipped(out, base *Space, overlay *Variant, axis string, ordering []string) ([]string, error) {
	bv := base.Variant.values[axis]
	ov := overlay.values[axis]
	kept := topN(append(slices.Clone(bv), ov...), ordering, max(len(bv), len(ov)))
	out.Variant.values[axis] = kept

	gi, zipped := base.ZipKeys.GroupOf(axis)
	if !zipped {
		return nil, nil
	}
	var partners []string
	for _, key := range base.ZipKeys[gi] {
		if key == axis || !base.Variant.Has(key) {
			continue
		}
		partners = append(partners, key)
		old := base.Variant.values[key]
		next := make([]string, len(kept))
		for i, val := range kept {
			if j := slices.Index(bv, val); j >= 0 && j < len(old) {
				next[i] = old[j]
				continue
			}
			j := slices.Index(ov, val)
			if pv, ok := overlay.values[key]; ok && j >= 0 && j < len(pv) {
				next[i] = pv[j]
				continue
			}
			d, ok := base.zipDefaults[key]
			if !ok {
				return nil, malformed(key, fmt.Sprintf("zip key %q has no value for %s=%s", key, axis, val))
			}
			next[i] = d
		}
		out.Variant.values[key] = next
	}
	return partners, nil
}

func higherOf(left, right, ordering []string) []string {
	common := min(len(left), len(right))
	out := make([]string, 0, max(len(left), len(right)))
	for i := 0; i < common; i++ {
		if CompareValues(left[i], right[i], ordering) < 0 {
			out = append(out, right[i])
		} else {
			out = append(out, left[i])
		}
	}
	out = append(out, left[common:]...)
	out = append(out, right[common:]...)
	return out
}

// sortedWith returns values deduplicated and sorted by CompareValues.
func sortedWith(values []string, ordering []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CompareValues(out[i], out[j], ordering) < 0
	})
	return out
}

// AddKey adds the overlay's values of primary to base. Each new value is
// inserted at its ordering position; the primary axis is re-sorted and every
// zip partner is re-indexed alongside it. Partners take their new value from
// the overlay at the same index, or from their remembered default.
//
// additional lists axes to zip with primary: they join primary's group, or
// form a new group with it, and are back-filled with their first value.
// Other overlay axes that base already holds are merged like VersionAdd;
// overlay axes base lacks are ignored.
func AddKey(base *Space, overlay *Variant, primary string, orderings Ordering, additional []string) (*Space, error) {
	primary = NormalizeAxis(primary)
	ordering := orderings[primary]
	pv, ok := overlay.Get(primary)
	if !ok {
		return base.Clone(), nil
	}
	out := base.Clone()
	cur, ok := out.Variant.Get(primary)
	if !ok {
		return nil, malformed(primary, fmt.Sprintf("primary key %q is not in the pinning set", primary))
	}

	var newlyZipped []string
	if len(additional) > 0 {
		gi, zipped := out.ZipKeys.GroupOf(primary)
		if zipped {
			for _, key := range additional {
				key = NormalizeAxis(key)
				if !slices.Contains(out.ZipKeys[gi], key) {
					out.ZipKeys[gi] = append(out.ZipKeys[gi], key)
					newlyZipped = append(newlyZipped, key)
				}
			}
		} else {
			group := []string{primary}
			for _, key := range additional {
				key = NormalizeAxis(key)
				group = append(group, key)
				newlyZipped = append(newlyZipped, key)
			}
			out.ZipKeys = append(out.ZipKeys, group)
		}
	}

	for _, key := range newlyZipped {
		vals, ok := out.Variant.values[key]
		if !ok || len(vals) == 0 {
			return nil, malformed(key, fmt.Sprintf("additional zip key %q has no value in the pinning set", key))
		}
		if out.zipDefaults == nil {
			out.zipDefaults = make(map[string]string)
		}
		out.zipDefaults[key] = vals[0]
		filled := make([]string, len(cur))
		for i := range filled {
			filled[i] = vals[0]
		}
		out.Variant.values[key] = filled
	}

	for idx, val := range pv {
		if slices.Contains(cur, val) {
			continue
		}
		newKeys := sortedWith(append(slices.Clone(cur), val), ordering)
		positions := make([]int, len(cur))
		for i, v := range cur {
			positions[i] = slices.Index(newKeys, v)
		}
		newPos := slices.Index(newKeys, val)

		if gi, zipped := out.ZipKeys.GroupOf(primary); zipped {
			for _, key := range out.ZipKeys[gi] {
				if key == primary {
					continue
				}
				old, ok := out.Variant.values[key]
				if !ok {
					continue
				}
				next := make([]string, len(newKeys))
				for i, j := range positions {
					if i < len(old) {
						next[j] = old[i]
					}
				}
				switch ov, inOverlay := overlay.values[key]; {
				case inOverlay && idx < len(ov):
					next[newPos] = ov[idx]
				case inOverlay:
					return nil, malformed(key, fmt.Sprintf("zip key %q has no value for %s=%s", key, primary, val))
				default:
					d, ok := out.zipDefaults[key]
					if !ok {
						return nil, malformed(key, fmt.Sprintf("zip key %q has no value for %s=%s", key, primary, val))
					}
					next[newPos] = d
				}
				out.Variant.values[key] = next
			}
		}
		out.Variant.values[primary] = newKeys
		cur = newKeys
	}

	var partners []string
	if gi, zipped := out.ZipKeys.GroupOf(primary); zipped {
		partners = out.ZipKeys[gi]
	}
	for _, axis := range overlay.Axes() {
		if axis == primary || slices.Contains(partners, axis) {
			continue
		}
		bv, ok := out.Variant.values[axis]
		if !ok {
			continue
		}
		out.Variant.values[axis] = mergeAxis(bv, overlay.values[axis], orderings[axis])
	}
	return out, nil
}

// RemoveKey removes the single overlay value of primary from base, re-sorting
// the primary axis and re-indexing its zip partners. A value base does not
// hold is a no-op. When the last value is removed the axis and its zip
// partners are dropped.
func RemoveKey(base *Space, overlay *Variant, primary string, orderings Ordering) (*Space, error) {
	primary = NormalizeAxis(primary)
	ordering := orderings[primary]
	pv, ok := overlay.Get(primary)
	if !ok {
		return base.Clone(), nil
	}
	if len(pv) != 1 {
		return nil, malformed(primary, fmt.Sprintf("key_remove takes exactly one value of %q, got %d", primary, len(pv)))
	}
	cur, ok := base.Variant.Get(primary)
	if !ok || !slices.Contains(cur, pv[0]) {
		return base.Clone(), nil
	}

	out := base.Clone()
	newKeys := slices.DeleteFunc(sortedWith(cur, ordering), func(v string) bool { return v == pv[0] })
	positions := make([]int, len(newKeys))
	for i, v := range newKeys {
		positions[i] = slices.Index(cur, v)
	}

	var partners []string
	if gi, zipped := out.ZipKeys.GroupOf(primary); zipped {
		for _, key := range out.ZipKeys[gi] {
			if key != primary && out.Variant.Has(key) {
				partners = append(partners, key)
			}
		}
	}

	if len(newKeys) == 0 {
		out.Variant.Delete(primary)
		for _, key := range partners {
			out.Variant.Delete(key)
		}
		return out, nil
	}

	out.Variant.values[primary] = newKeys
	for _, key := range partners {
		old := base.Variant.values[key]
		next := make([]string, len(newKeys))
		for i, j := range positions {
			if j < len(old) {
				next[i] = old[j]
			}
		}
		out.Variant.values[key] = next
	}
	return out, nil
}

// ZipDefaults returns the remembered defaults of axes pulled into zip groups.
func (s *Space) ZipDefaults() map[string]string {
	return maps.Clone(s.zipDefaults)
}

func malformed(resource, msg string) error {
	return engine.NewConfigurationError(msg, nil).
		WithCode(engine.ErrCodeMalformedMigration).
		WithResource(resource).
		WithOperation("migrate")
}
