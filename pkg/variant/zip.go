package variant

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

// ZipKeys lists groups of axes whose candidates vary together: the i-th
// candidate of every member forms one tuple.
type ZipKeys [][]string

// Normalize case-normalizes every member and drops empty groups.
func (z ZipKeys) Normalize() ZipKeys {
	var out ZipKeys
	for _, group := range z {
		var g []string
		for _, axis := range group {
			axis = NormalizeAxis(axis)
			if axis != "" && !slices.Contains(g, axis) {
				g = append(g, axis)
			}
		}
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}

// Clone returns a deep copy.
func (z ZipKeys) Clone() ZipKeys {
	if z == nil {
		return nil
	}
	out := make(ZipKeys, len(z))
	for i, g := range z {
		out[i] = slices.Clone(g)
	}
	return out
}

// GroupOf returns the index of the group containing axis.
func (z ZipKeys) GroupOf(axis string) (int, bool) {
	axis = NormalizeAxis(axis)
	for i, g := range z {
		if slices.Contains(g, axis) {
			return i, true
		}
	}
	return -1, false
}

// Validate checks that no axis belongs to two groups and that all members of
// a group present in v have candidate sequences of equal length. Members
// absent from v are ignored.
func (z ZipKeys) Validate(v *Variant) error {
	owner := make(map[string]int)
	for i, g := range z {
		for _, axis := range g {
			if j, ok := owner[axis]; ok && j != i {
				return engine.NewConfigurationError(
					fmt.Sprintf("axis %q belongs to more than one zip group", axis), nil).
					WithCode(engine.ErrCodeZipOverlap).
					WithResource(axis).
					WithOperation("zip").
					WithDetail("groups", [][]string{slices.Clone(z[j]), slices.Clone(g)})
			}
			owner[axis] = i
		}
	}

	for _, g := range z {
		lengths := make(map[string]int)
		common := -1
		mismatch := false
		for _, axis := range g {
			vals, ok := v.values[axis]
			if !ok {
				continue
			}
			lengths[axis] = len(vals)
			if common == -1 {
				common = len(vals)
			} else if len(vals) != common {
				mismatch = true
			}
		}
		if mismatch {
			parts := make([]string, 0, len(g))
			for _, axis := range g {
				if n, ok := lengths[axis]; ok {
					parts = append(parts, fmt.Sprintf("%s=%d", axis, n))
				}
			}
			return engine.NewConfigurationError(
				fmt.Sprintf("zip group [%s] has members of different lengths (%s)",
					strings.Join(g, ", "), strings.Join(parts, ", ")), nil).
				WithCode(engine.ErrCodeZipMismatch).
				WithResource(strings.Join(g, ",")).
				WithOperation("zip").
				WithDetail("lengths", lengths)
		}
	}
	return nil
}

// Restrict trims every group to the given axes, preserving member order.
// Groups left with fewer than two members are dropped.
func (z ZipKeys) Restrict(axes []string) ZipKeys {
	keep := make(map[string]bool, len(axes))
	for _, a := range axes {
		keep[NormalizeAxis(a)] = true
	}
	var out ZipKeys
	for _, g := range z {
		var trimmed []string
		for _, axis := range g {
			if keep[axis] {
				trimmed = append(trimmed, axis)
			}
		}
		if len(trimmed) > 1 {
			out = append(out, trimmed)
		}
	}
	return out
}

// Tuples returns the positional tuples of a group's members present in v:
// tuple i holds the i-th candidate of each member, never a product. The
// returned member list gives the column order.
func (z ZipKeys) Tuples(v *Variant, group int) (members []string, tuples [][]string) {
	for _, axis := range z[group] {
		if v.Has(axis) {
			members = append(members, axis)
		}
	}
	if len(members) == 0 {
		return nil, nil
	}
	n := len(v.values[members[0]])
	for _, axis := range members[1:] {
		n = min(n, len(v.values[axis]))
	}
	for i := 0; i < n; i++ {
		t := make([]string, len(members))
		for j, axis := range members {
			t[j] = v.values[axis][i]
		}
		tuples = append(tuples, t)
	}
	return members, tuples
}

// MergeZipKeys merges two zip-key lists. A group on the left that is a
// subset of a group on the right is replaced by the right group, longest
// groups first; everything else is kept. The result is sorted by group size
// then by member names, with members sorted.
func MergeZipKeys(left, right ZipKeys) ZipKeys {
	l := sortedGroups(left)
	r := sortedGroups(right)
	sort.SliceStable(l, func(i, j int) bool { return len(l[i]) > len(l[j]) })
	sort.SliceStable(r, func(i, j int) bool { return len(r[i]) > len(r[j]) })

	var out ZipKeys
	usedL := make([]bool, len(l))
	var restR ZipKeys
	for _, rg := range r {
		merged := false
		for i, lg := range l {
			if usedL[i] || !isSubset(lg, rg) {
				continue
			}
			usedL[i] = true
			out = append(out, rg)
			merged = true
			break
		}
		if !merged {
			restR = append(restR, rg)
		}
	}
	for i, lg := range l {
		if !usedL[i] {
			out = append(out, lg)
		}
	}
	out = append(out, restR...)

	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return strings.Join(out[i], ",") < strings.Join(out[j], ",")
	})
	return dedupeGroups(out)
}

func sortedGroups(z ZipKeys) ZipKeys {
	out := z.Normalize()
	for _, g := range out {
		sort.Strings(g)
	}
	return out
}

func isSubset(small, big []string) bool {
	for _, s := range small {
		if !slices.Contains(big, s) {
			return false
		}
	}
	return true
}

func dedupeGroups(z ZipKeys) ZipKeys {
	var out ZipKeys
	for _, g := range z {
		if !slices.ContainsFunc(out, func(o []string) bool { return slices.Equal(o, g) }) {
			out = append(out, g)
		}
	}
	return out
}
