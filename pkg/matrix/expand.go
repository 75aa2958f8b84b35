package matrix

import (
	"slices"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

// TargetPlatformAxis is always part of an expansion.
const TargetPlatformAxis = "target_platform"

// factor is one dimension of the Cartesian product: a single independent
// axis or a whole zip group. Each row of tuples assigns one value per axis.
type factor struct {
	axes   []string
	tuples [][]string
}

// Expand restricts the space to the used axes plus target_platform and
// returns every combination of values. Independent axes multiply; members of
// a zip group contribute their positional tuples. Factors follow the space's
// axis order, the first factor varying slowest. Each result lists its
// assignments in that axis order.
func Expand(space *variant.Space, used []string, platform engine.Platform) (*variant.Space, [][]engine.Assignment, error) {
	restricted := space.Restrict(usedAxes(space, used))
	if !restricted.Variant.Has(TargetPlatformAxis) {
		restricted.Variant.Set(TargetPlatformAxis, platform.String())
	}
	if err := restricted.Validate(); err != nil {
		return nil, nil, err
	}

	factors := factorsOf(restricted)
	for _, f := range factors {
		if len(f.tuples) == 0 {
			return nil, nil, engine.NewConfigurationError("axis has no candidates", nil).
				WithCode(engine.ErrCodeUnsatisfiablePin).
				WithResource(f.axes[0]).
				WithOperation("expand")
		}
	}
	axisOrder := restricted.Variant.Axes()

	var out [][]engine.Assignment
	idx := make([]int, len(factors))
	for {
		values := make(map[string]string, len(axisOrder))
		for i, f := range factors {
			for j, axis := range f.axes {
				values[axis] = f.tuples[idx[i]][j]
			}
		}
		row := make([]engine.Assignment, 0, len(axisOrder))
		for _, axis := range axisOrder {
			if v, ok := values[axis]; ok {
				row = append(row, engine.Assignment{Axis: axis, Value: v})
			}
		}
		out = append(out, row)

		// Odometer: the last factor advances fastest.
		i := len(factors) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(factors[i].tuples) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return restricted, out, nil
}

// usedAxes returns the axes of the space named in used, plus target_platform.
func usedAxes(space *variant.Space, used []string) []string {
	want := make([]string, 0, len(used)+1)
	for _, u := range used {
		want = append(want, variant.NormalizeAxis(u))
	}
	want = append(want, TargetPlatformAxis)

	var out []string
	for _, axis := range space.Variant.Axes() {
		if slices.Contains(want, axis) {
			out = append(out, axis)
		}
	}
	return out
}

func factorsOf(space *variant.Space) []factor {
	var factors []factor
	emitted := make(map[int]bool)
	for _, axis := range space.Variant.Axes() {
		gi, zipped := space.ZipKeys.GroupOf(axis)
		if !zipped {
			values := space.Variant.Values(axis)
			tuples := make([][]string, len(values))
			for i, v := range values {
				tuples[i] = []string{v}
			}
			factors = append(factors, factor{axes: []string{axis}, tuples: tuples})
			continue
		}
		if emitted[gi] {
			continue
		}
		emitted[gi] = true
		members, tuples := space.ZipKeys.Tuples(space.Variant, gi)
		factors = append(factors, factor{axes: members, tuples: tuples})
	}
	return factors
}
