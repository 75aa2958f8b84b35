package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/pinning"
)

// Parser reads and validates forge configuration files.
type Parser struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewParser creates a new parser.
func NewParser() *Parser {
	v := validator.New()
	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
		return engine.ParsePlatform(fl.Field().String()).Valid()
	})
	return &Parser{
		schemaRegistry: NewSchemaRegistry(),
		validator:      v,
	}
}

// Schemas returns the parser's schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemaRegistry
}

// LoadFeedstock reads conda-forge.yml from a feedstock directory. A missing
// file yields the defaults.
func (p *Parser) LoadFeedstock(dir string) (*ForgeConfig, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p.Parse(path, nil)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to read forge config", err).WithResource(path)
	}
	return p.Parse(path, data)
}

// Parse decodes, defaults and validates forge configuration. name is used
// in errors.
func (p *Parser) Parse(name string, data []byte) (*ForgeConfig, error) {
	cfg := &ForgeConfig{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, invalidConfig(name, err)
		}
	}

	if err := p.validator.Struct(cfg); err != nil {
		return nil, invalidConfig(name, err)
	}
	if err := p.schemaRegistry.ValidateAgainstSchema(SchemaForgeConfig, cfg); err != nil {
		return nil, invalidConfig(name, err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, invalidConfig(name, err)
	}
	return cfg, nil
}

// ValidateMigration implements pinning.MigrationValidator.
func (p *Parser) ValidateMigration(name string, data []byte) error {
	return p.schemaRegistry.ValidateMigration(name, data)
}

var _ pinning.MigrationValidator = (*Parser)(nil)

func applyDefaults(cfg *ForgeConfig) error {
	if cfg.RecipeDir == "" {
		cfg.RecipeDir = "recipe"
	}
	if len(cfg.NoarchPlatforms) == 0 {
		cfg.NoarchPlatforms = []string{engine.PlatformLinux64.Slug()}
	}
	if cfg.Pinning.Source == "" {
		cfg.Pinning.Source = pinning.DefaultSource
	}
	if cfg.Pinning.Timeout == 0 {
		cfg.Pinning.Timeout = pinning.DefaultTimeout
	}
	if cfg.Pinning.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("no pinning.cache_dir and no user cache directory: %w", err)
		}
		cfg.Pinning.CacheDir = filepath.Join(dir, "smithy", "pinning")
	}
	return nil
}

func invalidConfig(name string, err error) error {
	return engine.NewConfigurationError("invalid forge config", err).
		WithCode(engine.ErrCodeInvalidConfig).
		WithResource(name).
		WithOperation("load_config")
}
