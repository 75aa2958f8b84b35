package version

import (
	"fmt"
	"strings"
)

type op int

const (
	opEQ op = iota
	opNE
	opGT
	opGE
	opLT
	opLE
	opPrefix
	opNotPrefix
	opAny
)

type constraint struct {
	op  op
	ver *Version
}

func (c constraint) match(v *Version) bool {
	switch c.op {
	case opAny:
		return true
	case opEQ:
		return v.Compare(c.ver) == 0
	case opNE:
		return v.Compare(c.ver) != 0
	case opGT:
		return v.Compare(c.ver) > 0
	case opGE:
		return v.Compare(c.ver) >= 0
	case opLT:
		return v.Compare(c.ver) < 0
	case opLE:
		return v.Compare(c.ver) <= 0
	case opPrefix:
		return v.HasPrefix(c.ver)
	case opNotPrefix:
		return !v.HasPrefix(c.ver)
	}
	return false
}

// Spec is a parsed version constraint such as ">=1.22,<2", "1.2.*" or
// "3.9|>=3.11". Comma binds tighter than pipe.
type Spec struct {
	raw string
	any [][]constraint
}

// ParseSpec parses a conda version spec. An empty spec or "*" matches anything.
func ParseSpec(s string) (*Spec, error) {
	spec := &Spec{raw: strings.TrimSpace(s)}
	body := strings.ReplaceAll(spec.raw, " ", "")
	if body == "" || body == "*" {
		spec.any = [][]constraint{{{op: opAny}}}
		return spec, nil
	}
	for _, alt := range strings.Split(body, "|") {
		var all []constraint
		for _, term := range strings.Split(alt, ",") {
			cs, err := parseTerm(term)
			if err != nil {
				return nil, fmt.Errorf("invalid version spec %q: %w", s, err)
			}
			all = append(all, cs...)
		}
		spec.any = append(spec.any, all)
	}
	return spec, nil
}

// MustParseSpec is like ParseSpec but panics on error.
func MustParseSpec(s string) *Spec {
	spec, err := ParseSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}

func parseTerm(term string) ([]constraint, error) {
	if term == "" {
		return nil, fmt.Errorf("empty term")
	}
	if term == "*" {
		return []constraint{{op: opAny}}, nil
	}

	operators := []struct {
		tok string
		op  op
	}{
		{"~=", opGE}, {">=", opGE}, {"<=", opLE}, {"==", opEQ}, {"!=", opNE},
		{">", opGT}, {"<", opLT}, {"=", opPrefix},
	}
	for _, o := range operators {
		rest, ok := strings.CutPrefix(term, o.tok)
		if !ok {
			continue
		}
		prefix := strings.HasSuffix(rest, "*")
		v, err := Parse(rest)
		if err != nil {
			return nil, err
		}
		switch {
		case o.tok == "~=":
			// ~=1.4.2 means >=1.4.2 and 1.4.*
			if len(v.main) < 2 {
				return nil, fmt.Errorf("~= requires at least two components: %q", term)
			}
			up := *v
			up.main = v.main[:len(v.main)-1]
			return []constraint{{op: opGE, ver: v}, {op: opPrefix, ver: &up}}, nil
		case prefix && o.op == opEQ:
			return []constraint{{op: opPrefix, ver: v}}, nil
		case prefix && o.op == opNE:
			return []constraint{{op: opNotPrefix, ver: v}}, nil
		case prefix && o.op != opPrefix:
			return nil, fmt.Errorf("wildcard not allowed with %s: %q", o.tok, term)
		}
		return []constraint{{op: o.op, ver: v}}, nil
	}

	v, err := Parse(term)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(term, "*") {
		return []constraint{{op: opPrefix, ver: v}}, nil
	}
	return []constraint{{op: opEQ, ver: v}}, nil
}

// Match reports whether the version string satisfies the spec. Values that do
// not parse as versions only satisfy a match-anything spec.
func (s *Spec) Match(value string) bool {
	v, err := Parse(value)
	for _, all := range s.any {
		ok := true
		for _, c := range all {
			if c.op == opAny {
				continue
			}
			if err != nil || !c.match(v) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// MatchCandidate matches the version part of a pinning candidate value.
func (s *Spec) MatchCandidate(value string) bool {
	return s.Match(Candidate(value))
}

// IsAny reports whether the spec places no bound on the version.
func (s *Spec) IsAny() bool {
	for _, all := range s.any {
		for _, c := range all {
			if c.op != opAny {
				return false
			}
		}
	}
	return true
}

// String returns the spec as written.
func (s *Spec) String() string { return s.raw }
