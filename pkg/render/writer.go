package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

// CISupportDir is the directory of a feedstock that holds the variant files.
const CISupportDir = ".ci_support"

const zipKeysKey = "zip_keys"

// VariantFileWriter writes one <short name>.yaml per configuration. It
// implements engine.ConfigWriter.
type VariantFileWriter struct {
	logger zerolog.Logger
}

var _ engine.ConfigWriter = (*VariantFileWriter)(nil)

// NewVariantFileWriter creates a writer.
func NewVariantFileWriter(logger zerolog.Logger) *VariantFileWriter {
	return &VariantFileWriter{logger: logger.With().Str("component", "variant-writer").Logger()}
}

// File is one rendered variant file.
type File struct {
	Name string
	Data []byte
}

// Files renders the variant files of configs, ordered by name.
func (w *VariantFileWriter) Files(configs []engine.BuildConfig) ([]File, error) {
	files := make([]File, 0, len(configs))
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		name := c.ShortName + ".yaml"
		if seen[name] {
			return nil, engine.NewConfigurationError("two configurations share the file "+name, nil).
				WithCode(engine.ErrCodeNameCollision).
				WithResource(name).
				WithOperation("write")
		}
		seen[name] = true

		data, err := encodeConfig(c)
		if err != nil {
			return nil, engine.NewInternalError("failed to encode variant file", err).WithResource(name)
		}
		files = append(files, File{Name: name, Data: data})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// encodeConfig lays a configuration out as conda-build reads it: every axis
// maps to a one-element list, keys sorted, zip_keys included.
func encodeConfig(c engine.BuildConfig) ([]byte, error) {
	type entry struct {
		key   string
		value *yaml.Node
	}
	entries := make([]entry, 0, len(c.Axes)+1)
	for _, a := range c.Axes {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Content: []*yaml.Node{variant.StringNode(a.Value)}}
		entries = append(entries, entry{key: a.Axis, value: seq})
	}
	if len(c.ZipKeys) > 0 {
		groups := &yaml.Node{Kind: yaml.SequenceNode}
		for _, g := range c.ZipKeys {
			group := &yaml.Node{Kind: yaml.SequenceNode}
			for _, axis := range g {
				group.Content = append(group.Content, variant.StringNode(axis))
			}
			groups.Content = append(groups.Content, group)
		}
		entries = append(entries, entry{key: zipKeysKey, value: groups})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range entries {
		doc.Content = append(doc.Content, variant.StringNode(e.key), e.value)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write replaces the variant files in dir with those of configs. The new
// directory is assembled next to dir and swapped in with renames; entries
// of dir that are not top-level yaml files (the migrations folder) are
// carried over. On error dir is left as it was.
func (w *VariantFileWriter) Write(ctx context.Context, dir string, configs []engine.BuildConfig) error {
	files, err := w.Files(configs)
	if err != nil {
		return err
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return writeError(dir, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+"-*")
	if err != nil {
		return writeError(dir, err)
	}
	defer os.RemoveAll(staging)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(staging, f.Name), f.Data, 0o644); err != nil {
			return writeError(dir, err)
		}
	}

	removed, err := carryOver(dir, staging, files)
	if err != nil {
		return writeError(dir, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	old := staging + ".old"
	_, statErr := os.Stat(dir)
	if statErr == nil {
		if err := os.Rename(dir, old); err != nil {
			return writeError(dir, err)
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		if statErr == nil {
			_ = os.Rename(old, dir)
		}
		return writeError(dir, err)
	}
	_ = os.RemoveAll(old)

	w.logger.Info().
		Str("dir", dir).
		Int("files", len(files)).
		Strs("removed", removed).
		Msg("Wrote variant files")
	return nil
}

// carryOver copies every entry of dir except top-level yaml files into
// staging and returns the yaml files that the new render drops.
func carryOver(dir, staging string, files []File) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		src := filepath.Join(dir, e.Name())
		dst := filepath.Join(staging, e.Name())
		switch {
		case isVariantFile(e):
			if !slices.ContainsFunc(files, func(f File) bool { return f.Name == e.Name() }) {
				removed = append(removed, e.Name())
			}
		case e.IsDir():
			if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
				return nil, fmt.Errorf("copy %s: %w", src, err)
			}
		default:
			data, err := os.ReadFile(src)
			if err != nil {
				return nil, err
			}
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
				return nil, err
			}
		}
	}
	return removed, nil
}

func isVariantFile(e fs.DirEntry) bool {
	return e.Type().IsRegular() && (strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml"))
}

// Diff compares the variant files of configs with those in dir and returns
// the names that would be added, changed or removed, sorted.
func (w *VariantFileWriter) Diff(dir string, configs []engine.BuildConfig) ([]string, error) {
	files, err := w.Files(configs)
	if err != nil {
		return nil, err
	}

	var changed []string
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[f.Name] = true
		have, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewInternalError("failed to read variant file", err).WithResource(f.Name)
		}
		if err != nil || !bytes.Equal(have, f.Data) {
			changed = append(changed, f.Name)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, engine.NewInternalError("failed to list variant files", err).WithResource(dir)
	}
	for _, e := range entries {
		if isVariantFile(e) && !want[e.Name()] {
			changed = append(changed, e.Name())
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func writeError(dir string, err error) error {
	return engine.NewInternalError("failed to write variant files", err).
		WithResource(dir).
		WithOperation("write")
}
