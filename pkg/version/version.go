// Package version implements conda version ordering and version-spec matching.
package version

import (
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// part is one sub-component of a version: a number or a string tag.
type part struct {
	num   *big.Int
	str   string
	isNum bool
}

var (
	zeroPart = part{num: big.NewInt(0), isNum: true}
	devTag   = "dev"
	postTag  = "post"
)

// Version is a parsed conda version.
type Version struct {
	raw   string
	epoch *big.Int
	main  [][]part
	local [][]part
}

// Parse parses a conda version string such as "1.21.6", "3.10.*" (the trailing
// ".*" is ignored), "1!2.0", "1.0rc1" or "2.0+local".
func Parse(s string) (*Version, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".*")
	s = strings.TrimSuffix(s, "*")
	if s == "" {
		return nil, fmt.Errorf("empty version string")
	}
	for _, r := range s {
		if unicode.IsSpace(r) {
			return nil, fmt.Errorf("invalid version %q: contains whitespace", raw)
		}
	}

	v := &Version{raw: raw, epoch: big.NewInt(0)}

	if e, rest, ok := strings.Cut(s, "!"); ok {
		n, ok := new(big.Int).SetString(e, 10)
		if !ok {
			return nil, fmt.Errorf("invalid version %q: epoch must be an integer", raw)
		}
		v.epoch = n
		s = rest
	}

	mainStr, localStr, hasLocal := strings.Cut(s, "+")
	if hasLocal && strings.Contains(localStr, "+") {
		return nil, fmt.Errorf("invalid version %q: duplicated local version separator", raw)
	}

	var err error
	if v.main, err = splitComponents(mainStr); err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", raw, err)
	}
	if hasLocal {
		if v.local, err = splitComponents(localStr); err != nil {
			return nil, fmt.Errorf("invalid version %q: %w", raw, err)
		}
	}
	return v, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func splitComponents(s string) ([][]part, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version component")
	}
	s = strings.NewReplacer("_", ".", "-", ".").Replace(s)
	fields := strings.Split(s, ".")
	out := make([][]part, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			return nil, fmt.Errorf("empty version component")
		}
		parts := splitRuns(f)
		if !parts[0].isNum {
			parts = append([]part{zeroPart}, parts...)
		}
		out = append(out, parts)
	}
	return out, nil
}

// splitRuns splits "1rc2" into [1 "rc" 2].
func splitRuns(s string) []part {
	var out []part
	start := 0
	for i := 1; i <= len(s); i++ {
		if i < len(s) && isDigit(s[i]) == isDigit(s[start]) {
			continue
		}
		run := s[start:i]
		if isDigit(run[0]) {
			n, _ := new(big.Int).SetString(run, 10)
			out = append(out, part{num: n, isNum: true})
		} else {
			out = append(out, part{str: run})
		}
		start = i
	}
	return out
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// String returns the version as it was given.
func (v *Version) String() string { return v.raw }

// Compare returns -1, 0 or 1.
func (v *Version) Compare(o *Version) int {
	if c := v.epoch.Cmp(o.epoch); c != 0 {
		return c
	}
	if c := compareComponents(v.main, o.main); c != 0 {
		return c
	}
	return compareComponents(v.local, o.local)
}

// HasPrefix reports whether the leading components of v equal all of prefix's
// components, the way "1.2.*" matches "1.2" and "1.2.7" but not "1.20".
func (v *Version) HasPrefix(prefix *Version) bool {
	if v.epoch.Cmp(prefix.epoch) != 0 {
		return false
	}
	for i, pc := range prefix.main {
		var vc []part
		if i < len(v.main) {
			vc = v.main[i]
		}
		if i == len(prefix.main)-1 {
			// Last prefix component compares only the sub-parts it has.
			for j, pp := range pc {
				vp := zeroPart
				if j < len(vc) {
					vp = vc[j]
				}
				if comparePart(vp, pp) != 0 {
					return false
				}
			}
			return true
		}
		if compareParts(vc, pc) != 0 {
			return false
		}
	}
	return true
}

func compareComponents(a, b [][]part) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		var ac, bc []part
		if i < len(a) {
			ac = a[i]
		}
		if i < len(b) {
			bc = b[i]
		}
		if c := compareParts(ac, bc); c != 0 {
			return c
		}
	}
	return 0
}

func compareParts(a, b []part) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		ap, bp := zeroPart, zeroPart
		if i < len(a) {
			ap = a[i]
		}
		if i < len(b) {
			bp = b[i]
		}
		if c := comparePart(ap, bp); c != 0 {
			return c
		}
	}
	return 0
}

// comparePart orders "dev" < other strings < numbers < "post".
func comparePart(a, b part) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch {
	case a.isNum:
		return a.num.Cmp(b.num)
	case a.str < b.str:
		return -1
	case a.str > b.str:
		return 1
	}
	return 0
}

func rank(p part) int {
	switch {
	case p.isNum:
		return 2
	case p.str == devTag:
		return 0
	case p.str == postTag:
		return 3
	}
	return 1
}

// Compare parses and compares two version strings. Unparseable versions sort
// before parseable ones and compare lexically among themselves.
func Compare(a, b string) int {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// Candidate extracts the version part of a pinning candidate value such as
// "3.10.* *_cpython" (giving "3.10").
func Candidate(value string) string {
	v := strings.TrimSpace(value)
	if i := strings.IndexFunc(v, unicode.IsSpace); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimSuffix(v, ".*")
	return v
}
