package pinning

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

func mustParseMigration(t *testing.T, src string) *Migration {
	t.Helper()
	m, err := ParseMigration("test.yaml", "/migrations/test.yaml", []byte(src))
	if err != nil {
		t.Fatalf("ParseMigration failed: %v", err)
	}
	return m
}

func setOf(v *variant.Variant, zips variant.ZipKeys) *Set {
	s := NewSet()
	s.Space = variant.NewSpace(v, zips)
	return s
}

func TestParseMigration(t *testing.T) {
	m := mustParseMigration(t, `
__migrator:
  kind: version
  operation: key_add
  primary_key: CUDA_Compiler_Version
  additional_zip_keys:
    - cuda_compiler
  ordering:
    cuda_compiler_version:
      - None
      - 12.4
migrator_ts: 1712345678.5
cuda_compiler_version:
  - 12.8
cuda_compiler:
  - cuda-nvcc
pin_run_as_build:
  cudatoolkit:
    max_pin: x
`)

	if m.Operation != OpKeyAdd || m.PrimaryKey != "cuda_compiler_version" {
		t.Errorf("unexpected operation/primary key: %s/%s", m.Operation, m.PrimaryKey)
	}
	if m.Timestamp != 1712345678.5 {
		t.Errorf("unexpected timestamp %v", m.Timestamp)
	}
	if diff := cmp.Diff([]string{"cuda_compiler"}, m.AdditionalZipKeys); diff != "" {
		t.Errorf("additional zip keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"None", "12.4"}, m.Ordering["cuda_compiler_version"]); diff != "" {
		t.Errorf("ordering mismatch (-want +got):\n%s", diff)
	}
	if m.PinRunAsBuild["cudatoolkit"]["max_pin"] != "x" {
		t.Errorf("pin_run_as_build not parsed: %v", m.PinRunAsBuild)
	}
	if diff := cmp.Diff([]string{"cuda_compiler_version"}, m.Targets()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMigration_Defaults(t *testing.T) {
	m := mustParseMigration(t, "zlib:\n  - 1.4\nlibpng: [1.7]\n")
	if m.Operation != OpVersion {
		t.Errorf("expected version operation, got %s", m.Operation)
	}
	if m.Timestamp != NoTimestamp {
		t.Errorf("expected timestamp %v, got %v", NoTimestamp, m.Timestamp)
	}
	if diff := cmp.Diff([]string{"zlib", "libpng"}, m.Targets()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMigration_Malformed(t *testing.T) {
	tests := map[string]string{
		"no axes":                 "migrator_ts: 1\n",
		"unknown operation":       "__migrator:\n  operation: multiply\nzlib: [1]\n",
		"primary key not present": "__migrator:\n  primary_key: python\nzlib: [1]\n",
		"key_remove without key":  "__migrator:\n  operation: key_remove\nzlib: [1]\n",
		"undeclared zip key":      "__migrator:\n  operation: key_add\n  primary_key: zlib\n  additional_zip_keys: [bzip2]\nzlib: [1]\n",
		"zip on undeclared axis":  "zlib: [1]\nzip_keys:\n  - [zlib, bzip2]\n",
		"non numeric timestamp":   "migrator_ts: soon\nzlib: [1]\n",
		"invalid yaml":            "zlib: [1\n",
		"misaligned zip_keys":     "python: [3.12, 3.13]\nnumpy: [2.0]\nzip_keys:\n  - [python, numpy]\n",
	}

	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMigration("bad.yaml", "/m/bad.yaml", []byte(src))
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.IsConfiguration(err) || engine.CodeOf(err) != engine.ErrCodeMalformedMigration {
				t.Errorf("expected MALFORMED_MIGRATION, got %v", err)
			}
			if !strings.Contains(err.Error(), "bad.yaml") {
				t.Errorf("expected the error to name the file, got %v", err)
			}
		})
	}
}

func TestMigration_Apply(t *testing.T) {
	base := setOf(variant.Of(
		"python", []string{"3.10", "3.11"},
		"numpy", []string{"1.24", "2"},
		"zlib", "1.3",
	), variant.ZipKeys{{"python", "numpy"}})

	tests := []struct {
		name string
		src  string
		want *variant.Variant
	}{
		{
			name: "version add takes the higher value",
			src:  "zlib: [1.4]\n",
			want: variant.Of("python", []string{"3.10", "3.11"}, "numpy", []string{"1.24", "2"}, "zlib", "1.4"),
		},
		{
			name: "union extends an axis",
			src:  "__migrator:\n  operation: union\nzlib: [1.2]\n",
			want: variant.Of("python", []string{"3.10", "3.11"}, "numpy", []string{"1.24", "2"}, "zlib", []string{"1.3", "1.2"}),
		},
		{
			name: "tighten drops zipped positions together",
			src:  "__migrator:\n  operation: tighten\npython: ['3.11']\n",
			want: variant.Of("python", "3.11", "numpy", "2", "zlib", "1.3"),
		},
		{
			name: "key_add without primary key introduces an axis",
			src:  "__migrator:\n  operation: key_add\nlibpng: [1.6]\n",
			want: variant.Of("python", []string{"3.10", "3.11"}, "numpy", []string{"1.24", "2"}, "zlib", "1.3", "libpng", "1.6"),
		},
		{
			name: "key_add with primary key re-indexes zip partners",
			src:  "__migrator:\n  operation: key_add\n  primary_key: python\npython: ['3.12']\nnumpy: ['2']\n",
			want: variant.Of("python", []string{"3.10", "3.11", "3.12"}, "numpy", []string{"1.24", "2", "2"}, "zlib", "1.3"),
		},
		{
			name: "key_remove drops a zipped position",
			src:  "__migrator:\n  operation: key_remove\n  primary_key: python\npython: ['3.10']\n",
			want: variant.Of("python", "3.11", "numpy", "2", "zlib", "1.3"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustParseMigration(t, tt.src)
			got, err := m.Apply(base)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if !tt.want.Equal(got.Variant()) {
				t.Errorf("variant mismatch:\nwant %s\ngot  %s", tt.want, got.Variant())
			}
			if err := got.Validate(); err != nil {
				t.Errorf("result zips invalid: %v", err)
			}
		})
	}

	if !base.Variant().Equal(variant.Of("python", []string{"3.10", "3.11"}, "numpy", []string{"1.24", "2"}, "zlib", "1.3")) {
		t.Errorf("Apply mutated the base set: %s", base.Variant())
	}
}

func TestMigration_ApplyTightenUnsatisfiable(t *testing.T) {
	base := setOf(variant.Of("zlib", "1.3"), nil)
	m := mustParseMigration(t, "__migrator:\n  operation: tighten\nzlib: [1.4]\n")

	_, err := m.Apply(base)
	if engine.CodeOf(err) != engine.ErrCodeUnsatisfiablePin {
		t.Fatalf("expected UNSATISFIABLE_PIN, got %v", err)
	}
	if !strings.Contains(err.Error(), "test.yaml") {
		t.Errorf("expected the error to name the migration, got %v", err)
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Resource != "test.yaml" {
		t.Errorf("expected the migration as resource, got %q", ee.Resource)
	}
}

func TestMigration_ApplyMergesPinOptions(t *testing.T) {
	base := setOf(variant.Of("python", "3.10"), nil)
	base.PinRunAsBuild["python"] = map[string]string{"min_pin": "x.x", "max_pin": "x.x"}
	base.DownPrioritize["python"] = map[string]int{"3.10": 1}

	m := mustParseMigration(t, `
python: ['3.10']
pin_run_as_build:
  python:
    max_pin: x
down_prioritize:
  python:
    '3.9': 2
`)
	got, err := m.Apply(base)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := map[string]string{"min_pin": "x.x", "max_pin": "x"}
	if diff := cmp.Diff(want, got.PinRunAsBuild["python"]); diff != "" {
		t.Errorf("pin_run_as_build mismatch (-want +got):\n%s", diff)
	}
	if got.Weight("python", "3.10") != 1 || got.Weight("python", "3.9") != 2 {
		t.Errorf("down_prioritize not merged: %v", got.DownPrioritize)
	}
	if base.PinRunAsBuild["python"]["max_pin"] != "x.x" {
		t.Error("Apply mutated the base pin options")
	}
}

func TestMigration_Stale(t *testing.T) {
	base := setOf(variant.Of("python", "3.10", "zlib", "1.3"), nil)

	tests := []struct {
		src   string
		stale bool
	}{
		{"zlib: [1.4]\n", false},
		{"libfoo: [2]\n", true},
		{"libfoo: [2]\nzlib: [1.4]\n", false},
		{"__migrator:\n  primary_key: libfoo\nlibfoo: [2]\nzlib: [1.4]\n", true},
		{"__migrator:\n  operation: key_add\nlibfoo: [2]\n", false},
		{"__migrator:\n  operation: key_add\n  primary_key: libfoo\nlibfoo: [2]\n", true},
	}

	for _, tt := range tests {
		m := mustParseMigration(t, tt.src)
		if got := m.Stale(base); got != tt.stale {
			t.Errorf("Stale(%q) = %v, want %v", tt.src, got, tt.stale)
		}
	}
}

func TestSortMigrations(t *testing.T) {
	ms := []*Migration{
		{Name: "c.yaml", Timestamp: 2},
		{Name: "b.yaml", Timestamp: 1},
		{Name: "a.yaml", Timestamp: 2},
		{Name: "z.yaml", Timestamp: NoTimestamp},
	}
	SortMigrations(ms)

	var names []string
	for _, m := range ms {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff([]string{"z.yaml", "b.yaml", "a.yaml", "c.yaml"}, names); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}
