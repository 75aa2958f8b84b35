package pinning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/selector"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return p
}

func linuxEval() *selector.Evaluator {
	return selector.NewEvaluator(engine.PlatformLinux64, "", nil)
}

const baseConfig = `
c_compiler:
  - gcc                # [linux]
  - clang              # [osx]
  - vs2019             # [win]
c_compiler_version:    # [unix]
  - 13                 # [linux]
  - 18                 # [osx]
python:
  - 3.10.* *_cpython
  - 3.11.* *_cpython
  - 3.12.* *_cpython
numpy:
  - 2
  - 2
  - 2
python_impl:
  - cpython
  - cpython
  - cpython
zlib:
  - 1.3
zip_keys:
  - - python
    - numpy
    - python_impl
pin_run_as_build:
  python:
    min_pin: x.x
    max_pin: x.x
down_prioritize:
  python:
    3.10.* *_cpython: 1
`

func TestLoadBase_Selectors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, BaseFile, baseConfig)

	loader := NewLoader(zerolog.Nop())

	linux, err := loader.LoadBase(dir, linuxEval())
	if err != nil {
		t.Fatalf("LoadBase failed: %v", err)
	}
	if got := linux.Variant().Values("c_compiler"); !cmp.Equal(got, []string{"gcc"}) {
		t.Errorf("linux c_compiler = %v", got)
	}
	if got := linux.Variant().Values("c_compiler_version"); !cmp.Equal(got, []string{"13"}) {
		t.Errorf("linux c_compiler_version = %v", got)
	}
	if diff := cmp.Diff(variant.ZipKeys{{"python", "numpy", "python_impl"}}, linux.Space.ZipKeys); diff != "" {
		t.Errorf("zip keys mismatch (-want +got):\n%s", diff)
	}
	if linux.PinRunAsBuild["python"]["max_pin"] != "x.x" {
		t.Errorf("pin_run_as_build not loaded: %v", linux.PinRunAsBuild)
	}
	if linux.Weight("python", "3.10.* *_cpython") != 1 {
		t.Errorf("down_prioritize not loaded: %v", linux.DownPrioritize)
	}

	win, err := loader.LoadBase(dir, selector.NewEvaluator(engine.PlatformWin64, "", nil))
	if err != nil {
		t.Fatalf("LoadBase(win) failed: %v", err)
	}
	if win.Variant().Has("c_compiler_version") {
		t.Errorf("win must not have c_compiler_version, got %v", win.Variant())
	}
	if got := win.Variant().Values("c_compiler"); !cmp.Equal(got, []string{"vs2019"}) {
		t.Errorf("win c_compiler = %v", got)
	}
}

func TestLoadBase_PinsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, BaseFile, "zlib:\n  - 1.3\n")
	writeFile(t, dir, "pins/b_openssl.yaml", "openssl:\n  - 3\n")
	writeFile(t, dir, "pins/a_libpng.yaml", "libpng:\n  - 1.6\n")

	set, err := NewLoader(zerolog.Nop()).LoadBase(dir, linuxEval())
	if err != nil {
		t.Fatalf("LoadBase failed: %v", err)
	}
	if diff := cmp.Diff([]string{"zlib", "libpng", "openssl"}, set.Variant().Axes()); diff != "" {
		t.Errorf("axis order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadBase_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		code  string
	}{
		{
			name:  "no files",
			files: map[string]string{},
			code:  engine.ErrCodeInvalidConfig,
		},
		{
			name: "axis in two files",
			files: map[string]string{
				BaseFile:          "zlib: [1.3]\n",
				"pins/zlib.yaml":  "zlib: [1.2]\n",
				"pins/other.yaml": "bzip2: [1]\n",
			},
			code: engine.ErrCodeInvalidConfig,
		},
		{
			name:  "zip length mismatch",
			files: map[string]string{BaseFile: "python: [a, b]\nnumpy: [c]\nzip_keys:\n  - [python, numpy]\n"},
			code:  engine.ErrCodeZipMismatch,
		},
		{
			name:  "overlapping zips",
			files: map[string]string{BaseFile: "a: [1]\nb: [2]\nc: [3]\nzip_keys:\n  - [a, b]\n  - [b, c]\n"},
			code:  engine.ErrCodeZipOverlap,
		},
		{
			name:  "bad selector",
			files: map[string]string{BaseFile: "zlib:\n  - 1.3  # [linux and]\n"},
			code:  engine.ErrCodeInvalidConfig,
		},
		{
			name:  "not a mapping",
			files: map[string]string{BaseFile: "- zlib\n"},
			code:  engine.ErrCodeInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for rel, content := range tt.files {
				writeFile(t, dir, rel, content)
			}
			_, err := NewLoader(zerolog.Nop()).LoadBase(dir, linuxEval())
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.IsConfiguration(err) || engine.CodeOf(err) != tt.code {
				t.Errorf("expected configuration error %s, got %v", tt.code, err)
			}
		})
	}
}

func TestLoadMigrations_OrderAndOverride(t *testing.T) {
	local := t.TempDir()
	upstream := t.TempDir()

	writeFile(t, local, "b_zlib.yaml", "migrator_ts: 200\nzlib: [1.4]\n")
	writeFile(t, local, "a_openssl.yaml", "migrator_ts: 200\nopenssl: [3.5]\n")
	writeFile(t, local, "first.yml", "migrator_ts: 100\nlibpng: [1.7]\n")
	writeFile(t, local, "notes.txt", "ignored")

	// Newer upstream copy wins; older upstream copy is ignored.
	writeFile(t, upstream, "b_zlib.yaml", "migrator_ts: 300\nzlib: [1.5]\n")
	writeFile(t, upstream, "first.yml", "migrator_ts: 50\nlibpng: [1.8]\n")

	ms, err := NewLoader(zerolog.Nop()).LoadMigrations(local, upstream, linuxEval())
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}

	var names []string
	for _, m := range ms {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff([]string{"first.yml", "a_openssl.yaml", "b_zlib.yaml"}, names); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if !ms[2].Upstream || ms[2].Overlay.Variant.Values("zlib")[0] != "1.5" {
		t.Errorf("expected upstream zlib migration, got %+v", ms[2])
	}
	if ms[0].Upstream {
		t.Error("older upstream copy must not replace the local migration")
	}
}

func TestLoadMigrations_UpstreamUnreadable(t *testing.T) {
	local := t.TempDir()
	writeFile(t, local, "zlib.yaml", "migrator_ts: 200\nzlib: [1.4]\n")

	// A file where the upstream directory should be makes the lookup fail
	// with ENOTDIR rather than "does not exist".
	upstream := writeFile(t, t.TempDir(), "migrations", "not a directory")

	_, err := NewLoader(zerolog.Nop()).LoadMigrations(local, upstream, linuxEval())
	if !engine.IsInternal(err) {
		t.Fatalf("expected an internal error, got %v", err)
	}
	if !strings.Contains(err.Error(), "zlib.yaml") {
		t.Errorf("expected the error to name the migration, got %v", err)
	}
}

func TestLoadMigrations_UpstreamAbsent(t *testing.T) {
	local := t.TempDir()
	writeFile(t, local, "zlib.yaml", "migrator_ts: 200\nzlib: [1.4]\n")

	ms, err := NewLoader(zerolog.Nop()).LoadMigrations(local, t.TempDir(), linuxEval())
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}
	if len(ms) != 1 || ms[0].Upstream {
		t.Errorf("expected the local migration, got %+v", ms)
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	ms, err := NewLoader(zerolog.Nop()).LoadMigrations(filepath.Join(t.TempDir(), "absent"), "", linuxEval())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(ms) != 0 {
		t.Errorf("expected no migrations, got %d", len(ms))
	}
}

type rejectAll struct{}

func (rejectAll) ValidateMigration(name string, data []byte) error {
	return os.ErrInvalid
}

func TestLoadMigrations_Validator(t *testing.T) {
	local := t.TempDir()
	writeFile(t, local, "zlib.yaml", "zlib: [1.4]\n")

	loader := NewLoader(zerolog.Nop(), WithMigrationValidator(rejectAll{}))
	_, err := loader.LoadMigrations(local, "", linuxEval())
	if engine.CodeOf(err) != engine.ErrCodeMalformedMigration {
		t.Errorf("expected MALFORMED_MIGRATION, got %v", err)
	}
}

func TestLoad_StaleMigration(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, BaseFile, "zlib: [1.3]\nopenssl: [3]\n")

	migrations := t.TempDir()
	writeFile(t, migrations, "zlib14.yaml", "migrator_ts: 1\nzlib: [1.4]\n")
	writeFile(t, migrations, "libfoo2.yaml", "migrator_ts: 2\nlibfoo: [2]\n")
	writeFile(t, migrations, "newaxis.yaml", "__migrator:\n  operation: key_add\nmigrator_ts: 3\nlibbar: [1]\n")

	set, stale, err := NewLoader(zerolog.Nop()).Load(Request{
		BaseDir:       base,
		MigrationsDir: migrations,
		Evaluator:     linuxEval(),
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := variant.Of("zlib", "1.4", "openssl", "3", "libbar", "1")
	if !want.Equal(set.Variant()) {
		t.Errorf("effective set mismatch:\nwant %s\ngot  %s", want, set.Variant())
	}
	if len(stale) != 1 || stale[0].Name != "libfoo2.yaml" {
		t.Fatalf("expected libfoo2.yaml to be stale, got %+v", stale)
	}
	if stale[0].Path != filepath.Join(migrations, "libfoo2.yaml") {
		t.Errorf("unexpected stale path %q", stale[0].Path)
	}
	if w := stale[0].Warning(); w.Kind != engine.WarningStaleMigration || w.Resource != "libfoo2.yaml" {
		t.Errorf("unexpected warning %+v", w)
	}
}

func TestStaleEverywhere(t *testing.T) {
	a := StaleMigration{Name: "a.yaml"}
	b := StaleMigration{Name: "b.yaml"}
	c := StaleMigration{Name: "c.yaml"}

	got := StaleEverywhere([][]StaleMigration{{b, a, c}, {a, b}, {b, a, a}})
	var names []string
	for _, s := range got {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"a.yaml", "b.yaml"}, names); diff != "" {
		t.Errorf("stale mismatch (-want +got):\n%s", diff)
	}
	if StaleEverywhere(nil) != nil {
		t.Error("expected nil for no platforms")
	}
}

func TestOverride_RecipeLocal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, BaseFile, baseConfig)
	writeFile(t, dir, "recipe/"+BaseFile, "zlib:\n  - 1.2\n  - 1.3\nlibpng:\n  - 1.6  # [linux]\n")

	loader := NewLoader(zerolog.Nop())
	base, err := loader.LoadBase(dir, linuxEval())
	if err != nil {
		t.Fatalf("LoadBase failed: %v", err)
	}
	local, err := loader.LoadOverride(filepath.Join(dir, "recipe"), linuxEval())
	if err != nil {
		t.Fatalf("LoadOverride failed: %v", err)
	}
	set, err := Override(base, local)
	if err != nil {
		t.Fatalf("Override failed: %v", err)
	}

	if diff := cmp.Diff([]string{"1.2", "1.3"}, set.Variant().Values("zlib")); diff != "" {
		t.Errorf("zlib mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1.6"}, set.Variant().Values("libpng")); diff != "" {
		t.Errorf("libpng mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(base.Variant().Values("python"), set.Variant().Values("python")); diff != "" {
		t.Errorf("python should be untouched (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1.3"}, base.Variant().Values("zlib")); diff != "" {
		t.Errorf("base must not change (-want +got):\n%s", diff)
	}
}

func TestOverride_ZipGroups(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, BaseFile, baseConfig)
	loader := NewLoader(zerolog.Nop())
	base, err := loader.LoadBase(dir, linuxEval())
	if err != nil {
		t.Fatalf("LoadBase failed: %v", err)
	}

	local := NewSet()
	local.Space = variant.NewSpace(variant.Of("python", []string{"3.12.* *_cpython"}), nil)
	_, err = Override(base, local)
	if code := engine.CodeOf(err); code != engine.ErrCodeZipMismatch {
		t.Fatalf("expected %s, got %v", engine.ErrCodeZipMismatch, err)
	}

	local.Space = variant.NewSpace(variant.Of(
		"python", []string{"3.12.* *_cpython"},
		"numpy", []string{"2"},
	), variant.ZipKeys{{"python", "numpy"}})
	set, err := Override(base, local)
	if err != nil {
		t.Fatalf("Override failed: %v", err)
	}
	if diff := cmp.Diff(variant.ZipKeys{{"python", "numpy"}}, set.Space.ZipKeys); diff != "" {
		t.Errorf("zip keys mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverride_None(t *testing.T) {
	local, err := NewLoader(zerolog.Nop()).LoadOverride(t.TempDir(), linuxEval())
	if err != nil || local != nil {
		t.Fatalf("expected no override, got %v, %v", local, err)
	}
}
