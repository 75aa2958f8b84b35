package pinning

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

// Operation is the combination a migration applies to the base set.
type Operation string

const (
	// OpVersion is the default: ordered, position-wise "take the higher" merge.
	OpVersion   Operation = "version"
	OpUnion     Operation = "union"
	OpLoosen    Operation = "loosen"
	OpTighten   Operation = "tighten"
	OpKeyAdd    Operation = "key_add"
	OpKeyRemove Operation = "key_remove"
)

// Valid reports whether the operation is known.
func (o Operation) Valid() bool {
	switch o {
	case OpVersion, OpUnion, OpLoosen, OpTighten, OpKeyAdd, OpKeyRemove:
		return true
	}
	return false
}

// NoTimestamp is used for migrations without migrator_ts.
const NoTimestamp = -1.0

// Migration is a parsed migration overlay for one platform.
type Migration struct {
	Name              string
	Path              string
	Timestamp         float64
	Operation         Operation
	PrimaryKey        string
	AdditionalZipKeys []string
	Ordering          variant.Ordering
	Overlay           *variant.Space
	PinRunAsBuild     map[string]map[string]string
	DownPrioritize    map[string]map[string]int

	// Upstream is set when the copy shipped with the pinning artifact
	// replaced the local file.
	Upstream bool
}

// ParseMigration parses selector-filtered migration YAML.
func ParseMigration(name, path string, data []byte) (*Migration, error) {
	doc, err := parseDocument(name, data)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return nil, ee.WithCode(engine.ErrCodeMalformedMigration)
		}
		return nil, err
	}

	m := &Migration{
		Name:           name,
		Path:           path,
		Timestamp:      NoTimestamp,
		Operation:      OpVersion,
		Overlay:        variant.NewSpace(doc.variant, doc.zipKeys),
		PinRunAsBuild:  doc.pinRunAsBuild,
		DownPrioritize: doc.downPrioritize,
	}
	if doc.timestamp != nil {
		m.Timestamp = *doc.timestamp
	}
	if mb := doc.migrator; mb != nil {
		if mb.Operation != "" {
			m.Operation = Operation(mb.Operation)
		}
		m.PrimaryKey = variant.NormalizeAxis(mb.PrimaryKey)
		for _, key := range mb.AdditionalZipKeys {
			m.AdditionalZipKeys = append(m.AdditionalZipKeys, variant.NormalizeAxis(key))
		}
		m.Ordering = variant.Ordering(mb.Ordering).Normalize()
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Migration) validate() error {
	v := m.Overlay.Variant
	if v.Len() == 0 {
		return m.malformed("migration declares no axes")
	}
	if !m.Operation.Valid() {
		return m.malformed(fmt.Sprintf("unknown operation %q", m.Operation))
	}
	if (m.Operation == OpKeyRemove || len(m.AdditionalZipKeys) > 0) && m.PrimaryKey == "" {
		return m.malformed(fmt.Sprintf("operation %s requires primary_key", m.Operation))
	}
	if m.PrimaryKey != "" && !v.Has(m.PrimaryKey) {
		return m.malformed(fmt.Sprintf("primary_key %q is not declared", m.PrimaryKey))
	}
	for _, key := range m.AdditionalZipKeys {
		if !v.Has(key) {
			return m.malformed(fmt.Sprintf("additional zip key %q is not declared", key))
		}
	}
	for _, group := range m.Overlay.ZipKeys {
		for _, key := range group {
			if !v.Has(key) {
				return m.malformed(fmt.Sprintf("zip key %q is not declared", key))
			}
		}
	}
	if err := m.Overlay.Validate(); err != nil {
		return engine.NewConfigurationError("migration zip_keys are misaligned", err).
			WithCode(engine.ErrCodeMalformedMigration).
			WithResource(m.Name).
			WithOperation("load")
	}
	return nil
}

func (m *Migration) malformed(msg string) error {
	return engine.NewConfigurationError(msg, nil).
		WithCode(engine.ErrCodeMalformedMigration).
		WithResource(m.Name).
		WithOperation("load")
}

// Targets returns the axes the migration acts on: the primary key when
// declared, otherwise every overlay axis.
func (m *Migration) Targets() []string {
	if m.PrimaryKey != "" {
		return []string{m.PrimaryKey}
	}
	return m.Overlay.Variant.Axes()
}

// Stale reports whether none of the migration's targets exist in base. A
// key_add without a primary key introduces axes and is never stale.
func (m *Migration) Stale(base *Set) bool {
	if m.Operation == OpKeyAdd && m.PrimaryKey == "" {
		return false
	}
	for _, axis := range m.Targets() {
		if base.Variant().Has(axis) {
			return false
		}
	}
	return true
}

// Apply returns set with the migration applied. set is not modified.
func (m *Migration) Apply(set *Set) (*Set, error) {
	out := set.Clone()
	overlay := m.Overlay

	var (
		space *variant.Space
		err   error
	)
	switch m.Operation {
	case OpVersion:
		space, err = variant.VersionAdd(set.Space, overlay, m.Ordering, m.PrimaryKey)

	case OpUnion, OpLoosen:
		space = set.Space.Clone()
		space.Variant = variant.Union(set.Space.Variant, overlay.Variant)
		space.ZipKeys = mergeZips(set.Space.ZipKeys, overlay.ZipKeys)

	case OpTighten:
		space = set.Space.Clone()
		err = space.Tighten(overlay.Variant)

	case OpKeyAdd:
		if m.PrimaryKey == "" {
			space = set.Space.Clone()
			for _, axis := range overlay.Variant.Axes() {
				space.Variant = variant.KeyAdd(space.Variant, axis, overlay.Variant.Values(axis))
			}
			space.ZipKeys = mergeZips(set.Space.ZipKeys, overlay.ZipKeys)
			break
		}
		space, err = variant.AddKey(set.Space, overlay.Variant, m.PrimaryKey, m.Ordering, m.AdditionalZipKeys)

	case OpKeyRemove:
		space, err = variant.RemoveKey(set.Space, overlay.Variant, m.PrimaryKey, m.Ordering)
	}
	if err != nil {
		return nil, withMigration(err, m.Name)
	}
	if err := space.Validate(); err != nil {
		return nil, withMigration(err, m.Name)
	}
	out.Space = space

	for axis, opts := range m.PinRunAsBuild {
		merged := maps.Clone(out.PinRunAsBuild[axis])
		if merged == nil {
			merged = make(map[string]string, len(opts))
		}
		maps.Copy(merged, opts)
		out.PinRunAsBuild[axis] = merged
	}
	for axis, weights := range m.DownPrioritize {
		merged := maps.Clone(out.DownPrioritize[axis])
		if merged == nil {
			merged = make(map[string]int, len(weights))
		}
		maps.Copy(merged, weights)
		out.DownPrioritize[axis] = merged
	}
	return out, nil
}

func mergeZips(base, overlay variant.ZipKeys) variant.ZipKeys {
	switch {
	case len(base) > 0 && len(overlay) > 0:
		return variant.MergeZipKeys(base, overlay)
	case len(overlay) > 0:
		return overlay.Normalize()
	}
	return base.Clone()
}

// withMigration wraps an error raised while applying a migration so that
// the file name shows in the message. Class and code are kept.
func withMigration(err error, name string) error {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return fmt.Errorf("migration %s: %w", name, err)
	}
	return (&engine.EngineError{
		Class:   ee.Class,
		Message: "failed to apply migration",
		Code:    ee.Code,
		Err:     err,
	}).WithResource(name).WithOperation("migrate").WithDetail("migration", name)
}

// SortMigrations orders migrations by (timestamp, name).
func SortMigrations(ms []*Migration) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Timestamp != ms[j].Timestamp {
			return ms[i].Timestamp < ms[j].Timestamp
		}
		return ms[i].Name < ms[j].Name
	})
}

// StaleMigration records a migration skipped because its targets are gone.
type StaleMigration struct {
	Name      string
	Path      string
	Targets   []string
	Timestamp float64
}

// Warning converts the record into a render warning.
func (s StaleMigration) Warning() engine.Warning {
	return engine.Warning{
		Kind:     engine.WarningStaleMigration,
		Resource: s.Name,
		Message:  fmt.Sprintf("migration targets %v are not in the pinning set", s.Targets),
	}
}

func staleOf(m *Migration) StaleMigration {
	return StaleMigration{
		Name:      m.Name,
		Path:      m.Path,
		Targets:   slices.Clone(m.Targets()),
		Timestamp: m.Timestamp,
	}
}
