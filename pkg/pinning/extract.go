package pinning

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// archiveExtensions lists the supported artifact formats, longest first.
var archiveExtensions = []string{".tar.zst", ".tar.bz2", ".tar.gz", ".conda", ".tgz", ".tar"}

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 256 << 20

// Extract unpacks the artifact at src into dest. name selects the format.
func Extract(src, name, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".conda"):
		return extractConda(src, dest)
	case strings.HasSuffix(lower, ".tar.zst"):
		return withFile(src, func(f *os.File) error { return untarZstd(f, dest) })
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return withFile(src, func(f *os.File) error {
			zr, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer zr.Close()
			return untar(zr, dest)
		})
	case strings.HasSuffix(lower, ".tar.bz2"):
		return withFile(src, func(f *os.File) error { return untar(bzip2.NewReader(f), dest) })
	case strings.HasSuffix(lower, ".tar"):
		return withFile(src, func(f *os.File) error { return untar(f, dest) })
	}
	return fmt.Errorf("unsupported artifact format: %s", name)
}

func withFile(p string, fn func(*os.File) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

// extractConda unpacks the pkg-*.tar.zst member of a .conda archive. The
// info-*.tar.zst member only carries package metadata.
func extractConda(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "pkg-") || !strings.HasSuffix(f.Name, ".tar.zst") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = untarZstd(rc, dest)
		rc.Close()
		return err
	}
	return fmt.Errorf("no pkg-*.tar.zst member in .conda archive")
}

func untarZstd(r io.Reader, dest string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()
	return untar(dec, dest)
}

// untar writes regular files and directories from r under dest. Links and
// special files are skipped. Entries that would land outside dest are
// rejected.
func untar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if hdr.Size > maxEntrySize {
				return fmt.Errorf("archive entry %s exceeds %d bytes", hdr.Name, maxEntrySize)
			}
			if err := writeEntry(target, tr, hdr.Size); err != nil {
				return err
			}
		}
	}
}

func writeEntry(target string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeJoin resolves an archive entry name under dest. Absolute names and
// names with ".." components are rejected.
func safeJoin(dest, name string) (string, error) {
	slashed := strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(slashed) || filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
	}
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
		}
	}
	return filepath.Join(dest, filepath.FromSlash(path.Clean(slashed))), nil
}

// PinningRoot locates the directory holding the base pinning file inside
// an extracted artifact: the root itself, share/conda-forge, or the first
// directory at most three levels down that contains BaseFile.
func PinningRoot(dir string) (string, error) {
	for _, candidate := range []string{dir, filepath.Join(dir, "share", "conda-forge")} {
		if isFile(filepath.Join(candidate, BaseFile)) {
			return candidate, nil
		}
	}

	var found string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		if rel != "." && strings.Count(rel, string(filepath.Separator)) >= 3 {
			return filepath.SkipDir
		}
		if isFile(filepath.Join(p, BaseFile)) {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found in %s", BaseFile, dir)
	}
	return found, nil
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
