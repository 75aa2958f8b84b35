// Package selector evaluates platform selectors such as "# [linux and py>=310]"
// and recipe "if:" expressions. Expressions are evaluated as Starlark
// expressions against a namespace derived from the target platform and the
// variant values known at that point.
package selector

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/version"
)

// maxSteps bounds a single expression evaluation.
const maxSteps = 10000

var selectorRE = regexp.MustCompile(`^(.*?)\s*#\s*\[([^\[\]]+)\]\s*$`)

// Evaluator evaluates selector expressions for one platform.
type Evaluator struct {
	platform engine.Platform
	env      starlark.StringDict
	cache    map[string]bool
}

// NewEvaluator builds the selector namespace for a platform. vars holds
// variant values (axis -> value); python and numpy values also populate the
// conventional "py" and "np" integers.
func NewEvaluator(platform, buildPlatform engine.Platform, vars map[string]string) *Evaluator {
	if buildPlatform == "" {
		buildPlatform = platform
	}
	env := starlark.StringDict{}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if ident, ok := identifier(k); ok {
			env[ident] = starlark.String(vars[k])
		}
	}

	osName, arch := platform.OS(), platform.Arch()
	for _, name := range []string{"linux", "osx", "win"} {
		env[name] = starlark.Bool(osName == name)
	}
	env["unix"] = starlark.Bool(osName == "linux" || osName == "osx")

	archFlags := map[string]bool{
		"x86":     arch == "32" || arch == "64",
		"x86_64":  arch == "64",
		"aarch64": arch == "aarch64",
		"arm64":   arch == "arm64",
		"ppc64le": arch == "ppc64le",
		"s390x":   arch == "s390x",
		"armv7l":  arch == "armv7l",
	}
	for name, v := range archFlags {
		env[name] = starlark.Bool(v)
	}
	for _, os := range []string{"linux", "osx", "win"} {
		for _, a := range []string{"32", "64"} {
			env[os+a] = starlark.Bool(osName == os && arch == a)
		}
	}

	env["target_platform"] = starlark.String(platform)
	env["build_platform"] = starlark.String(buildPlatform)
	env["host_platform"] = starlark.String(platform)
	env["cross"] = starlark.Bool(platform != buildPlatform)

	if py, ok := vars["python"]; ok {
		if n, ok := versionInt(py); ok {
			env["py"] = starlark.MakeInt(n)
			env["py3k"] = starlark.Bool(n >= 300)
			env["py2k"] = starlark.Bool(n < 300)
			env["py27"] = starlark.Bool(n == 27 || n == 207)
		}
	}
	if np, ok := vars["numpy"]; ok {
		if n, ok := versionInt(np); ok {
			env["np"] = starlark.MakeInt(n)
		}
	}

	env["true"] = starlark.True
	env["false"] = starlark.False

	// os.environ is empty so that renders do not depend on the caller's
	// environment; os.environ.get(key, default) yields the default.
	env["os"] = starlarkstruct.FromStringDict(starlark.String("os"), starlark.StringDict{
		"environ": starlark.NewDict(0),
	})

	env.Freeze()
	return &Evaluator{platform: platform, env: env, cache: make(map[string]bool)}
}

// Platform returns the platform the evaluator was built for.
func (e *Evaluator) Platform() engine.Platform {
	return e.platform
}

// Eval evaluates a selector expression to a boolean.
func (e *Evaluator) Eval(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty selector")
	}
	if v, ok := e.cache[expr]; ok {
		return v, nil
	}

	thread := &starlark.Thread{
		Name:  "selector",
		Print: func(_ *starlark.Thread, msg string) {},
	}
	thread.SetMaxExecutionSteps(maxSteps)

	val, err := starlark.Eval(thread, "selector", expr, e.env)
	if err != nil {
		var syntaxErr syntax.Error
		if errors.As(err, &syntaxErr) {
			return false, fmt.Errorf("invalid selector %q: %s", expr, syntaxErr.Msg)
		}
		return false, fmt.Errorf("failed to evaluate selector %q: %w", expr, err)
	}

	result := bool(val.Truth())
	e.cache[expr] = result
	return result, nil
}

// Unbound returns, sorted and without duplicates, the names expr references
// that the evaluator does not define. Recipes use it to find variant axes
// an "if:" condition depends on.
func (e *Evaluator) Unbound(expr string) ([]string, error) {
	parsed, err := syntax.ParseExpr("selector", strings.TrimSpace(expr), 0)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", expr, err)
	}
	seen := make(map[string]bool)
	var out []string
	syntax.Walk(parsed, func(n syntax.Node) bool {
		id, ok := n.(*syntax.Ident)
		if !ok {
			return true
		}
		if _, defined := e.env[id.Name]; !defined && !seen[id.Name] && starlark.Universe[id.Name] == nil {
			seen[id.Name] = true
			out = append(out, id.Name)
		}
		return true
	})
	sort.Strings(out)
	return out, nil
}

// SplitLine separates a line from its trailing "# [expr]" selector. ok is
// false for lines without one.
func SplitLine(line string) (content, expr string, ok bool) {
	m := selectorRE.FindStringSubmatch(line)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return line, "", false
	}
	return m[1], m[2], true
}

// FilterLines drops lines whose trailing "# [expr]" selector is false and
// strips the selector comment from lines that are kept.
func (e *Evaluator) FilterLines(src []byte) ([]byte, error) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		content, expr, ok := SplitLine(line)
		if !ok {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		keep, err := e.Eval(expr)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if keep {
			out.WriteString(content)
			out.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read selector source: %w", err)
	}
	return out.Bytes(), nil
}

// identifier maps an axis name to a Starlark identifier, or reports false if
// it cannot be expressed as one.
func identifier(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	ident := strings.NewReplacer("-", "_", ".", "_").Replace(name)
	for i, r := range ident {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return "", false
		}
	}
	return ident, true
}

// versionInt turns "3.10" or "3.10.* *_cpython" into 310.
func versionInt(value string) (int, bool) {
	v := version.Candidate(value)
	major, minor, _ := strings.Cut(v, ".")
	minor, _, _ = strings.Cut(minor, ".")
	n, err := strconv.Atoi(major + minor)
	if err != nil {
		return 0, false
	}
	return n, true
}
