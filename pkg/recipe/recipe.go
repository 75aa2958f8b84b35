// Package recipe reads a feedstock recipe into the information the build
// matrix needs: which variant axes the recipe uses, the version bounds it
// declares on them, whether it is noarch, and whether it is skipped on the
// platform being rendered.
//
// Both recipe formats are supported: recipe.yaml (the v1 format with
// "if/then/else" items and ${{ ... }} expressions) and meta.yaml (the v0
// format with "# [selector]" lines and {{ ... }} Jinja). Jinja beyond
// variable substitution and the compiler, stdlib and pin helpers is not
// evaluated.
package recipe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/matrix"
	"github.com/feedstock-tools/smithy/pkg/selector"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

// Format identifies the recipe file format.
type Format string

const (
	// FormatV1 is recipe.yaml.
	FormatV1 Format = "recipe.yaml"

	// FormatV0 is meta.yaml.
	FormatV0 Format = "meta.yaml"
)

// Requirement sections that select build variants.
const (
	SectionBuild = "build"
	SectionHost  = "host"
	SectionRun   = "run"
)

// Requirement is one dependency line of a recipe.
type Requirement struct {
	// Output is the output package name, empty for top-level requirements.
	Output  string
	Section string
	Name    string
	Spec    string
}

// Recipe is the part of a recipe the build matrix depends on, as seen
// from one platform.
type Recipe struct {
	Path    string
	Format  Format
	Name    string
	Version string

	// Noarch is "python" or "generic" for noarch recipes.
	Noarch string

	// Skip is set when the recipe skips the platform.
	Skip bool

	Requirements []Requirement

	used []string
}

// IsNoarch reports whether the recipe builds a noarch package.
func (r *Recipe) IsNoarch() bool {
	return r.Noarch != ""
}

// UsedAxes returns the variant axes the recipe references, in first-use
// order.
func (r *Recipe) UsedAxes() []string {
	return slices.Clone(r.used)
}

// Constraints returns the version bounds of build and host requirements.
func (r *Recipe) Constraints() []matrix.Constraint {
	var out []matrix.Constraint
	for _, req := range r.Requirements {
		if req.Spec == "" || (req.Section != SectionBuild && req.Section != SectionHost) {
			continue
		}
		out = append(out, matrix.Constraint{
			Axis:   AxisName(req.Name),
			Spec:   req.Spec,
			Source: r.Path,
		})
	}
	return out
}

func (r *Recipe) use(axes ...string) {
	for _, a := range axes {
		a = AxisName(a)
		if a != "" && !slices.Contains(r.used, a) {
			r.used = append(r.used, a)
		}
	}
}

func (r *Recipe) addRequirement(output, section, raw string) {
	name, spec := ParseMatchSpec(raw)
	if name == "" {
		return
	}
	r.Requirements = append(r.Requirements, Requirement{
		Output:  output,
		Section: section,
		Name:    name,
		Spec:    spec,
	})
	if section == SectionBuild || section == SectionHost {
		r.use(name)
	}
}

// AxisName maps a package name to the variant axis that pins it.
func AxisName(pkg string) string {
	return variant.NormalizeAxis(strings.ReplaceAll(pkg, "-", "_"))
}

var operatorSpace = regexp.MustCompile(`([<>=!~]=?|,)\s+`)

// ParseMatchSpec splits a conda match spec such as "numpy >=1.22" or
// "conda-forge::python 3.10.* *_cpython" into the package name and its
// version spec. The build string is dropped.
func ParseMatchSpec(raw string) (name, spec string) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "#"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	raw = operatorSpace.ReplaceAllString(raw, "$1")
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", ""
	}
	name = fields[0]
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	if i := strings.IndexAny(name, "<>=!~"); i > 0 {
		// "numpy>=1.22"
		fields = append([]string{name[:i], name[i:]}, fields[1:]...)
		name = name[:i]
	}
	if len(fields) > 1 {
		spec = fields[1]
	}
	return strings.ToLower(name), spec
}

// Load reads recipe.yaml or, failing that, meta.yaml from dir and evaluates
// it for the evaluator's platform.
func Load(dir string, eval *selector.Evaluator) (*Recipe, error) {
	for _, format := range []Format{FormatV1, FormatV0} {
		path := filepath.Join(dir, string(format))
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, engine.NewInternalError("failed to read recipe", err).WithResource(path)
		}
		return Parse(format, path, data, eval)
	}
	return nil, engine.NewConfigurationError(fmt.Sprintf("no %s or %s in %s", FormatV1, FormatV0, dir), nil).
		WithCode(engine.ErrCodeInvalidRecipe).
		WithResource(dir).
		WithOperation("load_recipe")
}

// Parse evaluates recipe source of the given format.
func Parse(format Format, path string, data []byte, eval *selector.Evaluator) (*Recipe, error) {
	r := &Recipe{Path: path, Format: format}
	var err error
	switch format {
	case FormatV1:
		err = parseV1(r, data, eval)
	case FormatV0:
		err = parseV0(r, data, eval)
	default:
		err = fmt.Errorf("unknown recipe format %q", format)
	}
	if err != nil {
		return nil, invalidRecipe(path, err)
	}
	return r, nil
}

func invalidRecipe(path string, err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}
	return engine.NewConfigurationError("invalid recipe", err).
		WithCode(engine.ErrCodeInvalidRecipe).
		WithResource(path).
		WithOperation("load_recipe")
}
