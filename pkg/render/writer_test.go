package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

func testConfig(short string, axes ...string) engine.BuildConfig {
	c := engine.BuildConfig{
		Platform:      engine.PlatformLinux64,
		BuildPlatform: engine.PlatformLinux64,
		Name:          short,
		ShortName:     short,
	}
	for i := 0; i+1 < len(axes); i += 2 {
		c.Axes = append(c.Axes, engine.Assignment{Axis: axes[i], Value: axes[i+1]})
	}
	return c
}

func TestVariantFileWriter_Files(t *testing.T) {
	c := testConfig("linux_64_python3.10",
		"python", "3.10",
		"c_compiler", "gcc",
		"target_platform", "linux-64",
	)
	c.ZipKeys = [][]string{{"c_compiler", "python"}}

	files, err := NewVariantFileWriter(zerolog.Nop()).Files([]engine.BuildConfig{c})
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(files) != 1 || files[0].Name != "linux_64_python3.10.yaml" {
		t.Fatalf("unexpected files %+v", files)
	}

	want := `c_compiler:
  - gcc
python:
  - "3.10"
target_platform:
  - linux-64
zip_keys:
  - - c_compiler
    - python
`
	if diff := cmp.Diff(want, string(files[0].Data)); diff != "" {
		t.Errorf("variant file mismatch (-want +got):\n%s", diff)
	}
}

func TestVariantFileWriter_DuplicateShortName(t *testing.T) {
	configs := []engine.BuildConfig{
		testConfig("linux_64_", "python", "3.11"),
		testConfig("linux_64_", "python", "3.12"),
	}
	_, err := NewVariantFileWriter(zerolog.Nop()).Files(configs)
	if code := engine.CodeOf(err); code != engine.ErrCodeNameCollision {
		t.Errorf("expected %s, got %v", engine.ErrCodeNameCollision, err)
	}
}

func TestVariantFileWriter_Write(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, CISupportDir)
	writeFile(t, root, ".ci_support/old_config.yaml", "python: [\"2.7\"]\n")
	writeFile(t, root, ".ci_support/README", "generated\n")
	writeFile(t, root, ".ci_support/migrations/zlib14.yaml", "migrator_ts: 1\nzlib: [1.4]\n")

	w := NewVariantFileWriter(zerolog.Nop())
	configs := []engine.BuildConfig{
		testConfig("linux_64_python3.11", "python", "3.11"),
		testConfig("linux_64_python3.12", "python", "3.12"),
	}
	if err := w.Write(context.Background(), dir, configs); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := []string{"README", "linux_64_python3.11.yaml", "linux_64_python3.12.yaml"}
	if diff := cmp.Diff(want, variantFiles(t, root)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "migrations", "zlib14.yaml")); err != nil || string(data) != "migrator_ts: 1\nzlib: [1.4]\n" {
		t.Errorf("expected the migrations folder to be carried over, got %q, %v", data, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected no staging leftovers next to %s, got %d entries", CISupportDir, len(entries))
	}
}

func TestVariantFileWriter_WriteFailureKeepsDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, CISupportDir)
	writeFile(t, root, ".ci_support/linux_64_.yaml", "python: [\"3.11\"]\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewVariantFileWriter(zerolog.Nop())
	err := w.Write(ctx, dir, []engine.BuildConfig{testConfig("osx_64_", "python", "3.12")})
	if err == nil {
		t.Fatal("expected a cancelled write to fail")
	}
	if diff := cmp.Diff([]string{"linux_64_.yaml"}, variantFiles(t, root)); diff != "" {
		t.Errorf("directory changed after a failed write (-want +got):\n%s", diff)
	}
}

func TestVariantFileWriter_Diff(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, CISupportDir)
	w := NewVariantFileWriter(zerolog.Nop())
	ctx := context.Background()

	configs := []engine.BuildConfig{
		testConfig("linux_64_python3.11", "python", "3.11"),
		testConfig("linux_64_python3.12", "python", "3.12"),
	}

	changed, err := w.Diff(dir, configs)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if diff := cmp.Diff([]string{"linux_64_python3.11.yaml", "linux_64_python3.12.yaml"}, changed); diff != "" {
		t.Errorf("expected every file to be new (-want +got):\n%s", diff)
	}

	if err := w.Write(ctx, dir, configs); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if changed, err := w.Diff(dir, configs); err != nil || len(changed) != 0 {
		t.Errorf("expected no changes after writing, got %v, %v", changed, err)
	}

	next := []engine.BuildConfig{
		testConfig("linux_64_python3.12", "python", "3.12", "numpy", "2"),
		testConfig("linux_64_python3.13", "python", "3.13"),
	}
	changed, err = w.Diff(dir, next)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	want := []string{"linux_64_python3.11.yaml", "linux_64_python3.12.yaml", "linux_64_python3.13.yaml"}
	if diff := cmp.Diff(want, changed); diff != "" {
		t.Errorf("changed files mismatch (-want +got):\n%s", diff)
	}
}
