package pinning

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// tarBytes builds an uncompressed tar archive from name -> content. Names
// ending in "/" become directories.
func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(name, "/") {
			hdr = &tar.Header{Name: name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(content)); err != nil {
				t.Fatalf("tar write: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(tarBytes(t, files)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func tarZst(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := zw.Write(tarBytes(t, files)); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

// condaBytes builds a .conda package: a zip holding info- and pkg- members.
func condaBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	members := map[string][]byte{
		"metadata.json":                    []byte(`{"conda_pkg_format_version": 2}`),
		"info-conda-forge-pinning.tar.zst": tarZst(t, map[string]string{"info/index.json": "{}"}),
		"pkg-conda-forge-pinning.tar.zst":  tarZst(t, files),
	}
	for _, name := range []string{"metadata.json", "info-conda-forge-pinning.tar.zst", "pkg-conda-forge-pinning.tar.zst"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write(members[name]); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

var pinningTree = map[string]string{
	"share/conda-forge/conda_build_config.yaml": "zlib:\n  - 1.3\n",
	"share/conda-forge/migrations/zlib14.yaml":  "migrator_ts: 1\nzlib:\n  - 1.4\n",
	"info/about.json":                           "{}",
}

func TestExtract_Formats(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"conda-forge-pinning-2025.01.15-hd8ed1ab_0.conda", func(t *testing.T) []byte { return condaBytes(t, pinningTree) }},
		{"conda-forge-pinning-2025.01.15-hd8ed1ab_0.tar.zst", func(t *testing.T) []byte { return tarZst(t, pinningTree) }},
		{"pinning.tar.gz", func(t *testing.T) []byte { return tarGz(t, pinningTree) }},
		{"pinning.tgz", func(t *testing.T) []byte { return tarGz(t, pinningTree) }},
		{"pinning.tar", func(t *testing.T) []byte { return tarBytes(t, pinningTree) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			src := filepath.Join(tmp, "artifact")
			if err := os.WriteFile(src, tt.data(t), 0o644); err != nil {
				t.Fatalf("write artifact: %v", err)
			}
			dest := filepath.Join(tmp, "out")
			if err := Extract(src, tt.name, dest); err != nil {
				t.Fatalf("Extract failed: %v", err)
			}

			root, err := PinningRoot(dest)
			if err != nil {
				t.Fatalf("PinningRoot failed: %v", err)
			}
			if root != filepath.Join(dest, "share", "conda-forge") {
				t.Errorf("unexpected root %q", root)
			}
			data, err := os.ReadFile(filepath.Join(root, "migrations", "zlib14.yaml"))
			if err != nil || !strings.Contains(string(data), "1.4") {
				t.Errorf("migration not extracted: %v", err)
			}
		})
	}
}

func TestExtract_RejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.yaml", "share/../../evil.yaml", "/etc/evil.yaml"} {
		t.Run(name, func(t *testing.T) {
			tmp := t.TempDir()
			src := filepath.Join(tmp, "artifact")
			if err := os.WriteFile(src, tarGz(t, map[string]string{name: "x"}), 0o644); err != nil {
				t.Fatalf("write artifact: %v", err)
			}
			err := Extract(src, "evil.tar.gz", filepath.Join(tmp, "out"))
			if err == nil || !strings.Contains(err.Error(), "escapes") {
				t.Errorf("expected traversal rejection, got %v", err)
			}
		})
	}
}

func TestExtract_Errors(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "artifact")
	if err := os.WriteFile(src, []byte("not an archive"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	if err := Extract(src, "pinning.rar", filepath.Join(tmp, "a")); err == nil {
		t.Error("expected error for unsupported format")
	}
	if err := Extract(src, "pinning.conda", filepath.Join(tmp, "b")); err == nil {
		t.Error("expected error for corrupt .conda")
	}
	if err := Extract(src, "pinning.tar.gz", filepath.Join(tmp, "c")); err == nil {
		t.Error("expected error for corrupt .tar.gz")
	}
}

func TestPinningRoot(t *testing.T) {
	t.Run("feedstock tarball layout", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "conda-forge-pinning-feedstock-main/recipe/conda_build_config.yaml", "zlib: [1.3]\n")
		root, err := PinningRoot(dir)
		if err != nil {
			t.Fatalf("PinningRoot failed: %v", err)
		}
		if want := filepath.Join(dir, "conda-forge-pinning-feedstock-main", "recipe"); root != want {
			t.Errorf("expected %q, got %q", want, root)
		}
	})

	t.Run("flat directory", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, BaseFile, "zlib: [1.3]\n")
		root, err := PinningRoot(dir)
		if err != nil || root != dir {
			t.Errorf("expected %q, got %q (%v)", dir, root, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := PinningRoot(t.TempDir()); err == nil {
			t.Error("expected error")
		}
	})
}
