package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Schema names registered by NewSchemaRegistry.
const (
	SchemaForgeConfig = "#ForgeConfig"
	SchemaMigration   = "#Migration"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchemas(builtinSchemas); err != nil {
		panic("config: built-in schemas do not compile: " + err.Error())
	}
	return sr
}

// RegisterSchemas compiles CUE source and registers every definition it
// declares under its name ("#ForgeConfig").
func (sr *SchemaRegistry) RegisterSchemas(src string) error {
	val := sr.ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schemas: %w", err)
	}
	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list schema definitions: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for iter.Next() {
		if !iter.Selector().IsDefinition() {
			continue
		}
		sr.schemas[iter.Selector().String()] = iter.Value()
	}
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. A cue.Context
// is not safe for concurrent use, so validations are serialized.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateMigration checks a migration file against #Migration.
func (sr *SchemaRegistry) ValidateMigration(name string, data []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := sr.ValidateAgainstSchema(SchemaMigration, doc); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchemas = `
_platform: "^(linux|osx|win)[-_](32|64|aarch64|arm64|ppc64le|s390x|armv7l)$"

#Platform: =~_platform

#Provider: "azure" | "github_actions" | "travis" | "circle" | "drone" | "woodpecker" | "appveyor" | "default" | "none"

// conda-forge.yml
#ForgeConfig: {
	platforms?: [...#Platform]

	// Keyed by platform ("linux_aarch64") or operating system ("win").
	provider?: {[string]: #Provider}

	build_platform?: {[=~_platform]: #Platform}
	noarch_platforms?: [...#Platform]

	name_limits?: {[string]: int & >=11}
	max_name_length?: int & (0 | >=11)

	recipe_dir?: string & !=""

	pinning?: {
		source?:    string
		cache_dir?: string
		timeout?:   int & >=0
	}

	channels?: {
		sources?: [...string]
		targets?: [...[string, ...string]]
	}

	policy?: {
		paths?: [...string]
		disabled?: [...string]
	}
}

#Migrator: {
	operation?:           "version" | "union" | "loosen" | "tighten" | "key_add" | "key_remove"
	primary_key?:         string & !=""
	additional_zip_keys?: [...string]
	ordering?: {[string]: [...(string | number)]}
	kind?:             string
	migration_number?: int & >=1
	paused?:           bool
	...
}

// A migration overlay under .ci_support/migrations.
#Migration: {
	"__migrator"?: #Migrator
	migrator_ts?:  number
	zip_keys?: [...(string | [...string])]
	pin_run_as_build?: {[string]: {...}}
	down_prioritize?: {[string]: {[string]: int}}
	...
}
`
