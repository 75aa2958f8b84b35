package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/matrix"
	"github.com/feedstock-tools/smithy/pkg/selector"
)

const recipeV1 = `context:
  name: Foo-Bar
  version: "1.2.0"

package:
  name: ${{ name | lower }}
  version: ${{ version }}

build:
  number: 0
  skip:
    - win

requirements:
  build:
    - ${{ compiler('c') }}
    - ${{ stdlib('c') }}
    - if: unix
      then: make
  host:
    - python
    - numpy >=1.22
    - if: cuda_compiler_version != "None"
      then: cudatoolkit
    - libboost-devel
  run:
    - ${{ pin_compatible('numpy') }}
    - requests >=2
`

const recipeV0 = `{% set name = "foo" %}
{% set version = "2.0" %}

package:
  name: {{ name }}
  version: {{ version }}

build:
  number: 0
  skip: true  # [win]
  skip: true  # [py<39]

requirements:
  build:
    - {{ compiler('cxx') }}
    - cmake  # [unix]
  host:
    - python
    - numpy >= 1.22
    - zlib  # [not win]
    - libfoo {{ libfoo }}
  run:
    - {{ pin_compatible('numpy') }}
`

func writeRecipe(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func load(t *testing.T, dir string, platform engine.Platform) *Recipe {
	t.Helper()
	r, err := Load(dir, selector.NewEvaluator(platform, "", nil))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return r
}

func TestLoad_V1(t *testing.T) {
	dir := writeRecipe(t, map[string]string{"recipe.yaml": recipeV1})
	r := load(t, dir, engine.PlatformLinux64)

	if r.Format != FormatV1 {
		t.Errorf("expected format %s, got %s", FormatV1, r.Format)
	}
	if r.Name != "foo-bar" || r.Version != "1.2.0" {
		t.Errorf("expected foo-bar 1.2.0, got %s %s", r.Name, r.Version)
	}
	if r.Skip || r.IsNoarch() {
		t.Errorf("expected an arch-specific recipe that is not skipped")
	}

	wantAxes := []string{
		"c_compiler", "c_compiler_version", "c_stdlib", "c_stdlib_version", "make",
		"python", "numpy", "cuda_compiler_version", "cudatoolkit", "libboost_devel",
	}
	if diff := cmp.Diff(wantAxes, r.UsedAxes()); diff != "" {
		t.Errorf("used axes mismatch (-want +got):\n%s", diff)
	}

	wantConstraints := []matrix.Constraint{
		{Axis: "numpy", Spec: ">=1.22", Source: filepath.Join(dir, "recipe.yaml")},
	}
	if diff := cmp.Diff(wantConstraints, r.Constraints()); diff != "" {
		t.Errorf("constraints mismatch (-want +got):\n%s", diff)
	}

	var run []Requirement
	for _, req := range r.Requirements {
		if req.Section == SectionRun {
			run = append(run, req)
		}
	}
	if diff := cmp.Diff([]Requirement{{Section: SectionRun, Name: "requests", Spec: ">=2"}}, run); diff != "" {
		t.Errorf("run requirements mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_V1Skip(t *testing.T) {
	dir := writeRecipe(t, map[string]string{"recipe.yaml": recipeV1})
	if r := load(t, dir, engine.PlatformWin64); !r.Skip {
		t.Error("expected win-64 to be skipped")
	}
}

func TestLoad_V1Outputs(t *testing.T) {
	dir := writeRecipe(t, map[string]string{"recipe.yaml": `recipe:
  name: multi
  version: 1.0

outputs:
  - package:
      name: multi-a
    build:
      noarch: python
    requirements:
      host:
        - python ${{ python_min }}.*
  - package:
      name: multi-b
    build:
      noarch: generic
`})
	r := load(t, dir, engine.PlatformLinux64)

	if r.Name != "multi" || r.Version != "1.0" {
		t.Errorf("expected multi 1.0, got %s %s", r.Name, r.Version)
	}
	if r.Noarch != "python" {
		t.Errorf("expected noarch python, got %q", r.Noarch)
	}
	if diff := cmp.Diff([]string{"python_min", "python"}, r.UsedAxes()); diff != "" {
		t.Errorf("used axes mismatch (-want +got):\n%s", diff)
	}
	want := []Requirement{{Output: "multi-a", Section: SectionHost, Name: "python"}}
	if diff := cmp.Diff(want, r.Requirements); diff != "" {
		t.Errorf("requirements mismatch (-want +got):\n%s", diff)
	}
	if len(r.Constraints()) != 0 {
		t.Errorf("expected no constraints, got %v", r.Constraints())
	}
}

func TestLoad_V0(t *testing.T) {
	dir := writeRecipe(t, map[string]string{"meta.yaml": recipeV0})
	r := load(t, dir, engine.PlatformLinux64)

	if r.Format != FormatV0 {
		t.Errorf("expected format %s, got %s", FormatV0, r.Format)
	}
	if r.Name != "foo" || r.Version != "2.0" {
		t.Errorf("expected foo 2.0, got %s %s", r.Name, r.Version)
	}
	if r.Skip {
		t.Error("expected linux-64 not to be skipped")
	}

	want := []string{"python", "cxx_compiler", "cxx_compiler_version", "libfoo", "numpy", "cmake", "zlib"}
	if diff := cmp.Diff(want, r.UsedAxes()); diff != "" {
		t.Errorf("used axes mismatch (-want +got):\n%s", diff)
	}
	wantConstraints := []matrix.Constraint{
		{Axis: "numpy", Spec: ">=1.22", Source: filepath.Join(dir, "meta.yaml")},
	}
	if diff := cmp.Diff(wantConstraints, r.Constraints()); diff != "" {
		t.Errorf("constraints mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_V0Windows(t *testing.T) {
	dir := writeRecipe(t, map[string]string{"meta.yaml": recipeV0})
	r := load(t, dir, engine.PlatformWin64)

	if !r.Skip {
		t.Error("expected win-64 to be skipped")
	}
	for _, req := range r.Requirements {
		if req.Name == "cmake" || req.Name == "zlib" {
			t.Errorf("unexpected requirement %s on win-64", req.Name)
		}
	}
}

func TestLoad_PrefersV1(t *testing.T) {
	dir := writeRecipe(t, map[string]string{"recipe.yaml": recipeV1, "meta.yaml": recipeV0})
	if r := load(t, dir, engine.PlatformLinux64); r.Format != FormatV1 {
		t.Errorf("expected %s to win, got %s", FormatV1, r.Format)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{"no recipe", nil},
		{"invalid yaml", map[string]string{"recipe.yaml": "package: [name"}},
		{"not a mapping", map[string]string{"recipe.yaml": "- a\n- b\n"}},
		{"bad condition", map[string]string{"recipe.yaml": "requirements:\n  host:\n    - if: unix and\n      then: zlib\n"}},
		{"bad skip", map[string]string{"meta.yaml": "build:\n  skip: maybe\n"}},
		{"bad requirements", map[string]string{"meta.yaml": "requirements:\n  host: zlib\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeRecipe(t, tt.files)
			_, err := Load(dir, selector.NewEvaluator(engine.PlatformLinux64, "", nil))
			if err == nil {
				t.Fatal("expected an error")
			}
			if code := engine.CodeOf(err); code != engine.ErrCodeInvalidRecipe {
				t.Errorf("expected %s, got %s (%v)", engine.ErrCodeInvalidRecipe, code, err)
			}
		})
	}
}

func TestParseMatchSpec(t *testing.T) {
	tests := []struct {
		raw  string
		name string
		spec string
	}{
		{"numpy >=1.22", "numpy", ">=1.22"},
		{"numpy>=1.22", "numpy", ">=1.22"},
		{"numpy >= 1.22", "numpy", ">=1.22"},
		{"python >= 3.10, < 3.13", "python", ">=3.10,<3.13"},
		{"conda-forge::python 3.10.* *_cpython", "python", "3.10.*"},
		{"PyYAML", "pyyaml", ""},
		{"libfoo  # pinned globally", "libfoo", ""},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			name, spec := ParseMatchSpec(tt.raw)
			if name != tt.name || spec != tt.spec {
				t.Errorf("ParseMatchSpec(%q) = %q, %q; want %q, %q", tt.raw, name, spec, tt.name, tt.spec)
			}
		})
	}
}

func TestAxisName(t *testing.T) {
	if got := AxisName("libboost-devel"); got != "libboost_devel" {
		t.Errorf("expected libboost_devel, got %s", got)
	}
}
