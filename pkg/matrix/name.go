package matrix

import (
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

const (
	// DefaultMaxNameLength is the longest configuration name most CI
	// providers accept as a file name and job label.
	DefaultMaxNameLength = 80

	minHashLength = 8
	maxHashLength = 32
)

// DefaultNameIgnore lists axes that never take part in a configuration name
// besides target_platform. They are set per provider, not per build.
var DefaultNameIgnore = []string{"channel_sources", "channel_targets", "docker_image"}

// Score returns the down-priority score of an assignment: the sum of the
// weights of its values. Lower scores are preferred.
func Score(weight func(axis, value string) int, axes []engine.Assignment) int {
	score := 0
	for _, a := range axes {
		score += weight(a.Axis, a.Value)
	}
	return score
}

// consequential returns, in ascending name order, the axes whose value
// differs between at least two configurations.
func consequential(configs []engine.BuildConfig, ignore []string) []string {
	seen := make(map[string]string)
	varies := make(map[string]bool)
	for _, c := range configs {
		for _, a := range c.Axes {
			if a.Axis == TargetPlatformAxis || slices.Contains(ignore, a.Axis) {
				continue
			}
			if prev, ok := seen[a.Axis]; ok && prev != a.Value {
				varies[a.Axis] = true
			}
			seen[a.Axis] = a.Value
		}
	}
	// An axis missing from some configurations also distinguishes them.
	for axis := range seen {
		for _, c := range configs {
			if _, ok := c.Get(axis); !ok {
				varies[axis] = true
				break
			}
		}
	}
	out := make([]string, 0, len(varies))
	for axis := range varies {
		out = append(out, axis)
	}
	sort.Strings(out)
	return out
}

// Sanitize replaces every character outside [A-Za-z0-9._-] with "_".
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// NameAndDedupe names the configurations of one platform and collapses
// those with identical consequential assignments, keeping the lowest score
// and, on a tie, the first in expansion order. With noarch set only the
// platform takes part in the name, so all configurations collapse to one.
//
// Distinct assignments that produce the same name, either through
// sanitizing or because axis and value boundaries run together, all get
// "_h" and a BLAKE3 digest of their assignment appended. The digest starts
// at 8 hex digits and grows until the names are unique; a collision left
// at 32 digits is a NAME_COLLISION configuration error. The result keeps
// expansion order.
func NameAndDedupe(platform engine.Platform, configs []engine.BuildConfig, noarch bool, ignore []string) ([]engine.BuildConfig, error) {
	var axes []string
	if !noarch {
		axes = consequential(configs, ignore)
	}

	names := make([]string, len(configs))
	keys := make([]string, len(configs))
	keysByName := make(map[string]map[string]bool)
	for i, c := range configs {
		var name, key strings.Builder
		name.WriteString(platform.Slug())
		name.WriteByte('_')
		for _, axis := range axes {
			v, ok := c.Get(axis)
			if !ok {
				continue
			}
			name.WriteString(axis)
			name.WriteString(v)
			fmt.Fprintf(&key, "%s\x00%s\x00", axis, v)
		}
		names[i] = Sanitize(name.String())
		keys[i] = key.String()
		if keysByName[names[i]] == nil {
			keysByName[names[i]] = make(map[string]bool)
		}
		keysByName[names[i]][keys[i]] = true
	}

	final, err := disambiguate(names, keys, keysByName)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int)
	var out []engine.BuildConfig
	for i, c := range configs {
		c.Name = final[i]
		prev, ok := byName[c.Name]
		switch {
		case !ok:
			byName[c.Name] = len(out)
			out = append(out, c)
		case c.Priority < out[prev].Priority:
			out[prev] = c
		}
	}
	return out, nil
}

// disambiguate returns the final name of every configuration. Names shared
// by more than one assignment key get a digest suffix.
func disambiguate(names, keys []string, keysByName map[string]map[string]bool) ([]string, error) {
	final := make([]string, len(names))
	for digits := minHashLength; ; digits++ {
		owner := make(map[string]string)
		clash := ""
		for i, name := range names {
			if len(keysByName[name]) > 1 {
				sum := blake3.Sum256([]byte(keys[i]))
				name += "_h" + hex.EncodeToString(sum[:])[:digits]
			}
			final[i] = name
			if k, ok := owner[name]; ok && k != keys[i] && clash == "" {
				clash = name
			}
			owner[name] = keys[i]
		}
		if clash == "" {
			return final, nil
		}
		if digits == maxHashLength {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("configurations with different values share the name %s", clash), nil).
				WithCode(engine.ErrCodeNameCollision).
				WithResource(clash).
				WithOperation("name")
		}
	}
}

// ShortName derives the shortened form of name with n hex digits of its
// BLAKE3 digest: prefix + "_h" + digest, exactly limit characters long.
func ShortName(name string, limit, n int) string {
	sum := blake3.Sum256([]byte(name))
	digest := hex.EncodeToString(sum[:])[:n]
	return name[:limit-2-n] + "_h" + digest
}

// Shorten sets ShortName on every configuration. Names within limit are
// kept. Longer names are replaced by ShortName with an 8 digit digest; names
// whose short forms collide with another name get a longer digest, one digit
// at a time, up to 32 digits. A collision left after that is a
// NAME_COLLISION configuration error.
func Shorten(configs []engine.BuildConfig, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxNameLength
	}
	if limit < minHashLength+3 {
		return engine.NewConfigurationError(fmt.Sprintf("name length limit %d is too small", limit), nil).
			WithCode(engine.ErrCodeInvalidConfig).
			WithOperation("shorten")
	}

	digits := make([]int, len(configs))
	for i, c := range configs {
		if len(c.Name) > limit {
			digits[i] = minHashLength
		}
	}

	for {
		owners := make(map[string][]int)
		for i, c := range configs {
			short := c.Name
			if digits[i] > 0 {
				short = ShortName(c.Name, limit, digits[i])
			}
			configs[i].ShortName = short
			owners[short] = append(owners[short], i)
		}

		shorts := make([]string, 0, len(owners))
		for short := range owners {
			shorts = append(shorts, short)
		}
		sort.Strings(shorts)

		collided := false
		for _, short := range shorts {
			idx := owners[short]
			if len(idx) < 2 {
				continue
			}
			collided = true
			grown := false
			for _, i := range idx {
				if digits[i] == 0 {
					continue
				}
				if digits[i] >= maxHashLength || digits[i]+3 > limit {
					return collision(configs[i].Name)
				}
				digits[i]++
				grown = true
			}
			if !grown {
				return collision(short)
			}
		}
		if !collided {
			return nil
		}
	}
}

func collision(name string) error {
	return engine.NewConfigurationError(
		fmt.Sprintf("cannot derive a unique short name for %s", name), nil).
		WithCode(engine.ErrCodeNameCollision).
		WithResource(name).
		WithOperation("shorten")
}
