// Package variant implements the variant algebra: ordered mappings from axis
// names to candidate values, zip groups, and the operations used to combine,
// tighten, and migrate them.
//
// Candidate order is significant everywhere. It encodes priority and is never
// re-sorted implicitly; only the ordering-aware migration operations reorder
// values, and they do so explicitly.
package variant

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// NormalizeAxis case-normalizes an axis name.
func NormalizeAxis(axis string) string {
	return strings.ToLower(strings.TrimSpace(axis))
}

// Variant is an ordered mapping from axis name to an ordered sequence of
// candidate values. The zero value is an empty variant ready to use.
type Variant struct {
	axes   []string
	values map[string][]string
}

// New creates an empty variant.
func New() *Variant {
	return &Variant{values: make(map[string][]string)}
}

// Of builds a variant from alternating axis names and value slices, in order.
// It is intended for literals in tests and examples.
func Of(pairs ...any) *Variant {
	if len(pairs)%2 != 0 {
		panic("variant.Of: odd number of arguments")
	}
	v := New()
	for i := 0; i < len(pairs); i += 2 {
		axis, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("variant.Of: axis %v is not a string", pairs[i]))
		}
		switch vals := pairs[i+1].(type) {
		case []string:
			v.Set(axis, vals...)
		case string:
			v.Set(axis, vals)
		default:
			panic(fmt.Sprintf("variant.Of: values for %s must be string or []string", axis))
		}
	}
	return v
}

// Set assigns values to an axis. A new axis is appended to the axis order; an
// existing axis keeps its position.
func (v *Variant) Set(axis string, values ...string) {
	if v.values == nil {
		v.values = make(map[string][]string)
	}
	axis = NormalizeAxis(axis)
	if _, ok := v.values[axis]; !ok {
		v.axes = append(v.axes, axis)
	}
	v.values[axis] = slices.Clone(values)
}

// Get returns a copy of the candidates of an axis.
func (v *Variant) Get(axis string) ([]string, bool) {
	if v == nil || v.values == nil {
		return nil, false
	}
	vals, ok := v.values[NormalizeAxis(axis)]
	if !ok {
		return nil, false
	}
	return slices.Clone(vals), true
}

// Values returns the candidates of an axis, or nil if the axis is absent.
func (v *Variant) Values(axis string) []string {
	vals, _ := v.Get(axis)
	return vals
}

// Has reports whether the axis is present.
func (v *Variant) Has(axis string) bool {
	if v == nil || v.values == nil {
		return false
	}
	_, ok := v.values[NormalizeAxis(axis)]
	return ok
}

// Delete removes an axis. Deleting an absent axis is a no-op.
func (v *Variant) Delete(axis string) {
	axis = NormalizeAxis(axis)
	if _, ok := v.values[axis]; !ok {
		return
	}
	delete(v.values, axis)
	v.axes = slices.DeleteFunc(v.axes, func(a string) bool { return a == axis })
}

// Axes returns the axis names in order.
func (v *Variant) Axes() []string {
	if v == nil {
		return nil
	}
	return slices.Clone(v.axes)
}

// Len returns the number of axes.
func (v *Variant) Len() int {
	if v == nil {
		return 0
	}
	return len(v.axes)
}

// Clone returns a deep copy.
func (v *Variant) Clone() *Variant {
	out := New()
	if v == nil {
		return out
	}
	for _, axis := range v.axes {
		out.Set(axis, v.values[axis]...)
	}
	return out
}

// Equal reports whether both variants have the same axes in the same order
// with the same candidate sequences.
func (v *Variant) Equal(o *Variant) bool {
	if v.Len() != o.Len() {
		return false
	}
	if v.Len() == 0 {
		return true
	}
	if !slices.Equal(v.axes, o.axes) {
		return false
	}
	for _, axis := range v.axes {
		if !slices.Equal(v.values[axis], o.values[axis]) {
			return false
		}
	}
	return true
}

// Only returns a variant restricted to the given axes, in the receiver's order.
func (v *Variant) Only(axes ...string) *Variant {
	keep := make(map[string]bool, len(axes))
	for _, a := range axes {
		keep[NormalizeAxis(a)] = true
	}
	out := New()
	for _, axis := range v.Axes() {
		if keep[axis] {
			out.Set(axis, v.values[axis]...)
		}
	}
	return out
}

// String renders the variant as "{a: [x y], b: [z]}" for diagnostics.
func (v *Variant) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, axis := range v.Axes() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", axis, v.values[axis])
	}
	b.WriteByte('}')
	return b.String()
}

// UnmarshalYAML decodes a mapping of axis to scalar or scalar sequence,
// preserving key order and scalar spelling ("3.10" stays "3.10").
func (v *Variant) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: variant must be a mapping", node.Line)
	}
	*v = Variant{values: make(map[string][]string)}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		values, err := ScalarList(val)
		if err != nil {
			return fmt.Errorf("axis %s: %w", key.Value, err)
		}
		if v.Has(key.Value) {
			return fmt.Errorf("line %d: duplicate axis %q", key.Line, key.Value)
		}
		v.Set(key.Value, values...)
	}
	return nil
}

// MarshalYAML encodes the variant as an ordered mapping of axis to sequence.
func (v *Variant) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, axis := range v.Axes() {
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, val := range v.values[axis] {
			seq.Content = append(seq.Content, StringNode(val))
		}
		node.Content = append(node.Content, StringNode(axis), seq)
	}
	return node, nil
}

// ScalarList decodes a scalar or a sequence of scalars into strings.
func ScalarList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: candidate values must be scalars", item.Line)
			}
			out = append(out, item.Value)
		}
		return out, nil
	case yaml.AliasNode:
		return ScalarList(node.Alias)
	}
	return nil, fmt.Errorf("line %d: expected a scalar or a list of scalars", node.Line)
}

// StringNode builds a scalar node that always round-trips as a string.
func StringNode(s string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: s}
	var probe interface{}
	if err := yaml.Unmarshal([]byte(s), &probe); err != nil || !isString(probe, s) {
		n.Style = yaml.DoubleQuotedStyle
	}
	return n
}

func isString(v interface{}, s string) bool {
	str, ok := v.(string)
	return ok && str == s
}
