package pinning

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

// Reserved top-level keys of pinning and migration files.
const (
	keyZipKeys        = "zip_keys"
	keyPinRunAsBuild  = "pin_run_as_build"
	keyDownPrioritize = "down_prioritize"
	keyMigrator       = "__migrator"
	keyMigratorTS     = "migrator_ts"
)

// ignoredKeys are conda-build settings that carry no candidate values.
var ignoredKeys = map[string]bool{
	"extend_keys":            true,
	"ignore_version":         true,
	"ignore_build_only_deps": true,
	"exclusive_config_files": true,
}

// Set is the effective pinning set for one platform.
type Set struct {
	// Space holds the candidate values and zip groups.
	Space *variant.Space

	// PinRunAsBuild maps an axis to its run-export pin options (max_pin, ...).
	PinRunAsBuild map[string]map[string]string

	// DownPrioritize maps axis -> value -> weight. Higher weights mark
	// configurations as less preferred.
	DownPrioritize map[string]map[string]int
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{
		Space:          variant.NewSpace(nil, nil),
		PinRunAsBuild:  make(map[string]map[string]string),
		DownPrioritize: make(map[string]map[string]int),
	}
}

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	out := &Set{
		Space:          s.Space.Clone(),
		PinRunAsBuild:  make(map[string]map[string]string, len(s.PinRunAsBuild)),
		DownPrioritize: make(map[string]map[string]int, len(s.DownPrioritize)),
	}
	for k, v := range s.PinRunAsBuild {
		out.PinRunAsBuild[k] = maps.Clone(v)
	}
	for k, v := range s.DownPrioritize {
		out.DownPrioritize[k] = maps.Clone(v)
	}
	return out
}

// Variant returns the candidate values.
func (s *Set) Variant() *variant.Variant {
	return s.Space.Variant
}

// Weight returns the down-priority weight of an axis value.
func (s *Set) Weight(axis, value string) int {
	return s.DownPrioritize[variant.NormalizeAxis(axis)][value]
}

// Validate checks the zip groups of the set.
func (s *Set) Validate() error {
	return s.Space.Validate()
}

// migratorBlock is the "__migrator" section of a migration file.
type migratorBlock struct {
	Operation         string              `yaml:"operation"`
	PrimaryKey        string              `yaml:"primary_key"`
	AdditionalZipKeys []string            `yaml:"additional_zip_keys"`
	Ordering          map[string][]string `yaml:"ordering"`
	Kind              string              `yaml:"kind"`
	MigrationNumber   int                 `yaml:"migration_number"`
	Paused            bool                `yaml:"paused"`
}

// document is one parsed pinning or migration file.
type document struct {
	variant        *variant.Variant
	zipKeys        variant.ZipKeys
	pinRunAsBuild  map[string]map[string]string
	downPrioritize map[string]map[string]int
	migrator       *migratorBlock
	timestamp      *float64
}

// parseDocument parses selector-filtered YAML. name is used in errors.
func parseDocument(name string, data []byte) (*document, error) {
	doc := &document{variant: variant.New()}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, invalidFile(name, err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return doc, nil
	}
	node := root.Content[0]
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return doc, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, invalidFile(name, fmt.Errorf("top level must be a mapping"))
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, val := node.Content[i], node.Content[i+1]
		key := variant.NormalizeAxis(keyNode.Value)

		switch {
		case key == keyZipKeys:
			zips, err := parseZipKeys(val)
			if err != nil {
				return nil, invalidFile(name, err)
			}
			doc.zipKeys = append(doc.zipKeys, zips...)

		case key == keyPinRunAsBuild:
			prab := make(map[string]map[string]string)
			if err := val.Decode(&prab); err != nil {
				return nil, invalidFile(name, fmt.Errorf("%s: %w", key, err))
			}
			doc.pinRunAsBuild = normalizeKeys(prab)

		case key == keyDownPrioritize:
			weights := make(map[string]map[string]int)
			if err := val.Decode(&weights); err != nil {
				return nil, invalidFile(name, fmt.Errorf("%s: %w", key, err))
			}
			doc.downPrioritize = normalizeKeys(weights)

		case key == keyMigrator:
			var m migratorBlock
			if err := val.Decode(&m); err != nil {
				return nil, invalidFile(name, fmt.Errorf("%s: %w", key, err))
			}
			doc.migrator = &m

		case key == keyMigratorTS:
			ts, err := strconv.ParseFloat(strings.TrimSpace(val.Value), 64)
			if err != nil || val.Kind != yaml.ScalarNode {
				return nil, invalidFile(name, fmt.Errorf("line %d: migrator_ts must be a number", val.Line))
			}
			doc.timestamp = &ts

		case strings.HasPrefix(key, "__"), ignoredKeys[key]:
			continue

		default:
			values, err := variant.ScalarList(val)
			if err != nil {
				return nil, invalidFile(name, fmt.Errorf("axis %s: %w", key, err))
			}
			if len(values) == 0 {
				continue
			}
			if doc.variant.Has(key) {
				return nil, invalidFile(name, fmt.Errorf("line %d: duplicate axis %q", keyNode.Line, key))
			}
			doc.variant.Set(key, values...)
		}
	}
	doc.zipKeys = doc.zipKeys.Normalize()
	return doc, nil
}

// parseZipKeys accepts a list of lists, or a single flat list as one group.
func parseZipKeys(node *yaml.Node) (variant.ZipKeys, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: zip_keys must be a list", node.Line)
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.ScalarNode {
		group, err := variant.ScalarList(node)
		if err != nil {
			return nil, fmt.Errorf("zip_keys: %w", err)
		}
		return variant.ZipKeys{group}, nil
	}
	var zips variant.ZipKeys
	for _, item := range node.Content {
		group, err := variant.ScalarList(item)
		if err != nil {
			return nil, fmt.Errorf("zip_keys: %w", err)
		}
		zips = append(zips, group)
	}
	return zips, nil
}

func normalizeKeys[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[variant.NormalizeAxis(k)] = v
	}
	return out
}

func invalidFile(name string, err error) error {
	return engine.NewConfigurationError("invalid pinning file", err).
		WithCode(engine.ErrCodeInvalidConfig).
		WithResource(name).
		WithOperation("load")
}
