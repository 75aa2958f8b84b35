package recipe

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	v1Expr = regexp.MustCompile(`\$\{\{\s*(.*?)\s*\}\}`)
	v0Expr = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

	helperCall = regexp.MustCompile(`^(compiler|stdlib|pin_compatible|pin_subpackage)\(\s*['"]([\w.-]+)['"]`)
	identExpr  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	literal    = regexp.MustCompile(`^(['"])(.*)['"]$`)
)

// selectorAliases maps derived selector names to the axis they come from.
var selectorAliases = map[string]string{
	"py":   "python",
	"py3k": "python",
	"py2k": "python",
	"py27": "python",
	"np":   "numpy",
}

// recipeFunctions are names recipe conditions may call that are not
// variant axes.
var recipeFunctions = map[string]bool{
	"match": true,
	"env":   true,
}

// templater substitutes template expressions. Known context variables are
// replaced by their value; helper calls and unknown names are recorded on
// the recipe and render as an empty string.
type templater struct {
	recipe *Recipe
	vars   map[string]string

	// lossy is set when an unknown name rendered as an empty string.
	lossy bool
}

func newTemplater(r *Recipe) *templater {
	return &templater{recipe: r, vars: make(map[string]string)}
}

func (t *templater) render(re *regexp.Regexp, s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return re.ReplaceAllStringFunc(s, func(m string) string {
		return t.eval(re.FindStringSubmatch(m)[1])
	})
}

func (t *templater) eval(expr string) string {
	if m := helperCall.FindStringSubmatch(expr); m != nil {
		switch m[1] {
		case "compiler":
			t.recipe.use(compilerAxes(m[2])...)
		case "stdlib":
			t.recipe.use(m[2]+"_stdlib", m[2]+"_stdlib_version")
		case "pin_compatible":
			t.recipe.use(m[2])
		}
		return ""
	}

	base, filters, _ := strings.Cut(expr, "|")
	base = strings.TrimSpace(base)
	var value string
	switch {
	case literal.MatchString(base):
		value = literal.FindStringSubmatch(base)[2]
	case identExpr.MatchString(base):
		v, ok := t.vars[base]
		if !ok {
			t.recipe.use(alias(base))
			t.lossy = true
			return ""
		}
		value = v
	default:
		return ""
	}

	for _, f := range strings.Split(filters, "|") {
		switch strings.TrimSpace(f) {
		case "lower":
			value = strings.ToLower(value)
		case "upper":
			value = strings.ToUpper(value)
		case "trim":
			value = strings.TrimSpace(value)
		}
	}
	return value
}

// requirement renders a requirement string. A version spec that depends on
// an unknown name is dropped and only the package name is kept.
func (t *templater) requirement(re *regexp.Regexp, s string) string {
	t.lossy = false
	out := t.render(re, s)
	if t.lossy {
		name, _ := ParseMatchSpec(out)
		return name
	}
	return out
}

// setVar records a context variable after rendering its value.
func (t *templater) setVar(re *regexp.Regexp, name, value string) error {
	if !identExpr.MatchString(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	t.vars[name] = t.render(re, value)
	return nil
}

// compilerAxes returns the axes a compiler('lang') call selects.
func compilerAxes(lang string) []string {
	return []string{lang + "_compiler", lang + "_compiler_version"}
}

func alias(name string) string {
	if a, ok := selectorAliases[name]; ok {
		return a
	}
	return name
}
