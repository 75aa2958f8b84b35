package pinning

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/selector"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

const (
	// BaseFile is the conventional name of the base pinning file.
	BaseFile = "conda_build_config.yaml"

	// PinsDir holds additional pinning files merged after BaseFile.
	PinsDir = "pins"

	// MigrationsDir is where pinning artifacts ship upstream migrations.
	MigrationsDir = "migrations"
)

// MigrationValidator checks a selector-filtered migration document before
// it is parsed.
type MigrationValidator interface {
	ValidateMigration(name string, data []byte) error
}

// Loader reads pinning sets and migration overlays for one platform at a time.
type Loader struct {
	logger    zerolog.Logger
	validator MigrationValidator
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithMigrationValidator installs a schema check for migration files.
func WithMigrationValidator(v MigrationValidator) LoaderOption {
	return func(l *Loader) {
		l.validator = v
	}
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{logger: logger.With().Str("component", "pinning").Logger()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadBase reads the base pinning set from dir, evaluating selectors with
// eval. BaseFile is read first, then pins/*.yaml in file name order. An axis
// declared in two files is a configuration error.
func (l *Loader) LoadBase(dir string, eval *selector.Evaluator) (*Set, error) {
	files, err := baseFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, engine.NewConfigurationError("no pinning files found", nil).
			WithCode(engine.ErrCodeInvalidConfig).
			WithResource(dir).
			WithOperation("load")
	}

	set := NewSet()
	declared := make(map[string]string)
	var zips variant.ZipKeys
	for _, path := range files {
		name := relName(dir, path)
		doc, err := readDocument(name, path, eval)
		if err != nil {
			return nil, err
		}
		for _, axis := range doc.variant.Axes() {
			if prev, ok := declared[axis]; ok {
				return nil, engine.NewConfigurationError(
					fmt.Sprintf("axis %q declared in both %s and %s", axis, prev, name), nil).
					WithCode(engine.ErrCodeInvalidConfig).
					WithResource(axis).
					WithOperation("load")
			}
			declared[axis] = name
			set.Space.Variant.Set(axis, doc.variant.Values(axis)...)
		}
		zips = append(zips, doc.zipKeys...)
		for axis, opts := range doc.pinRunAsBuild {
			set.PinRunAsBuild[axis] = opts
		}
		for axis, weights := range doc.downPrioritize {
			set.DownPrioritize[axis] = weights
		}
	}
	set.Space.ZipKeys = zips.Normalize()
	if err := set.Validate(); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("dir", dir).
		Str("platform", eval.Platform().String()).
		Int("files", len(files)).
		Int("axes", set.Variant().Len()).
		Msg("Loaded base pinning set")
	return set, nil
}

func baseFiles(dir string) ([]string, error) {
	var files []string
	base := filepath.Join(dir, BaseFile)
	if _, err := os.Stat(base); err == nil {
		files = append(files, base)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, engine.NewInternalError("failed to stat pinning file", err).WithResource(base)
	}
	pins, err := yamlFiles(filepath.Join(dir, PinsDir))
	if err != nil {
		return nil, err
	}
	return append(files, pins...), nil
}

// yamlFiles lists *.yaml and *.yml files in dir, sorted by name. A missing
// directory yields no files.
func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to read directory", err).WithResource(dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func relName(dir, path string) string {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}

func readFiltered(name, path string, eval *selector.Evaluator) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewInternalError("failed to read pinning file", err).WithResource(path)
	}
	filtered, err := eval.FilterLines(raw)
	if err != nil {
		return nil, invalidFile(name, err)
	}
	return filtered, nil
}

func readDocument(name, path string, eval *selector.Evaluator) (*document, error) {
	data, err := readFiltered(name, path, eval)
	if err != nil {
		return nil, err
	}
	return parseDocument(name, data)
}

// LoadMigrations reads the migration overlays in localDir. When upstreamDir
// holds a file of the same name with a newer migrator_ts, that copy is used
// instead. The result is sorted by (timestamp, name).
func (l *Loader) LoadMigrations(localDir, upstreamDir string, eval *selector.Evaluator) ([]*Migration, error) {
	files, err := yamlFiles(localDir)
	if err != nil {
		return nil, err
	}

	migrations := make([]*Migration, 0, len(files))
	for _, path := range files {
		m, err := l.readMigration(path, eval)
		if err != nil {
			return nil, err
		}
		if upstreamDir != "" {
			up, err := l.upstreamOverride(m, upstreamDir, eval)
			if err != nil {
				return nil, err
			}
			if up != nil {
				m = up
			}
		}
		migrations = append(migrations, m)
	}
	SortMigrations(migrations)
	return migrations, nil
}

func (l *Loader) readMigration(path string, eval *selector.Evaluator) (*Migration, error) {
	name := filepath.Base(path)
	data, err := readFiltered(name, path, eval)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Class == engine.ErrorClassConfiguration {
			return nil, ee.WithCode(engine.ErrCodeMalformedMigration)
		}
		return nil, err
	}
	if l.validator != nil {
		if err := l.validator.ValidateMigration(name, data); err != nil {
			return nil, engine.NewConfigurationError("migration failed schema validation", err).
				WithCode(engine.ErrCodeMalformedMigration).
				WithResource(name).
				WithOperation("load")
		}
	}
	return ParseMigration(name, path, data)
}

func (l *Loader) upstreamOverride(local *Migration, upstreamDir string, eval *selector.Evaluator) (*Migration, error) {
	path := filepath.Join(upstreamDir, local.Name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, engine.NewInternalError("failed to inspect upstream migration", err).
			WithResource(local.Name).
			WithOperation("load")
	}
	up, err := l.readMigration(path, eval)
	if err != nil {
		return nil, err
	}
	if up.Timestamp <= local.Timestamp {
		return nil, nil
	}
	up.Upstream = true
	l.logger.Info().
		Str("migration", local.Name).
		Float64("local_ts", local.Timestamp).
		Float64("upstream_ts", up.Timestamp).
		Msg("Using newer upstream migration")
	return up, nil
}

// Effective applies migrations to base in order. Migrations whose targets
// are absent from base are skipped and reported as stale.
func (l *Loader) Effective(base *Set, migrations []*Migration) (*Set, []StaleMigration, error) {
	set := base
	var stale []StaleMigration
	for _, m := range migrations {
		if m.Stale(base) {
			s := staleOf(m)
			stale = append(stale, s)
			l.logger.Warn().
				Str("migration", m.Name).
				Strs("targets", s.Targets).
				Msg("Skipping stale migration")
			continue
		}
		next, err := m.Apply(set)
		if err != nil {
			return nil, nil, err
		}
		l.logger.Debug().
			Str("migration", m.Name).
			Str("operation", string(m.Operation)).
			Bool("upstream", m.Upstream).
			Msg("Applied migration")
		set = next
	}
	return set, stale, nil
}

// Request names the inputs of one platform's effective pinning set.
type Request struct {
	BaseDir       string
	MigrationsDir string
	UpstreamDir   string
	Evaluator     *selector.Evaluator
}

// Load reads the base set and migrations and returns the effective set.
func (l *Loader) Load(req Request) (*Set, []StaleMigration, error) {
	base, err := l.LoadBase(req.BaseDir, req.Evaluator)
	if err != nil {
		return nil, nil, err
	}
	migrations, err := l.LoadMigrations(req.MigrationsDir, req.UpstreamDir, req.Evaluator)
	if err != nil {
		return nil, nil, err
	}
	return l.Effective(base, migrations)
}

// StaleEverywhere returns the migrations reported stale for every platform,
// sorted by name. perPlatform holds one stale list per rendered platform.
func StaleEverywhere(perPlatform [][]StaleMigration) []StaleMigration {
	if len(perPlatform) == 0 {
		return nil
	}
	counts := make(map[string]int)
	first := make(map[string]StaleMigration)
	for _, list := range perPlatform {
		seen := make(map[string]bool)
		for _, s := range list {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			counts[s.Name]++
			if _, ok := first[s.Name]; !ok {
				first[s.Name] = s
			}
		}
	}
	var out []StaleMigration
	for name, n := range counts {
		if n == len(perPlatform) {
			out = append(out, first[name])
		}
	}
	slices.SortFunc(out, func(a, b StaleMigration) int { return strings.Compare(a.Name, b.Name) })
	return out
}
