package config

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

// FileName is the forge configuration file at the feedstock root.
const FileName = "conda-forge.yml"

// Provider names.
const (
	ProviderAzure         = "azure"
	ProviderGitHubActions = "github_actions"
	ProviderDefault       = "default"
	ProviderNone          = "none"
)

// DefaultPlatforms are rendered unless platforms is set.
var DefaultPlatforms = []engine.Platform{
	engine.PlatformLinux64,
	engine.PlatformOSX64,
	engine.PlatformWin64,
}

// ForgeConfig is the parsed conda-forge.yml of a feedstock.
type ForgeConfig struct {
	// Platforms lists the platforms to render. When empty, DefaultPlatforms
	// plus every platform named in Provider is rendered.
	Platforms []string `yaml:"platforms" json:"platforms,omitempty" validate:"omitempty,dive,platform"`

	// Provider assigns a CI provider per platform ("linux_aarch64") or per
	// operating system ("linux"). "none" disables a platform.
	Provider map[string]string `yaml:"provider" json:"provider,omitempty" validate:"omitempty,dive,keys,required,endkeys,required"`

	// BuildPlatform maps a target platform to the platform it is
	// cross-compiled on.
	BuildPlatform map[string]string `yaml:"build_platform" json:"build_platform,omitempty" validate:"omitempty,dive,keys,platform,endkeys,platform"`

	// NoarchPlatforms are the platforms a noarch recipe is rendered for.
	NoarchPlatforms []string `yaml:"noarch_platforms" json:"noarch_platforms,omitempty" validate:"omitempty,dive,platform"`

	// NameLimits caps configuration name length per provider.
	NameLimits map[string]int `yaml:"name_limits" json:"name_limits,omitempty" validate:"omitempty,dive,min=11"`

	// MaxNameLength caps configuration name length for all providers.
	MaxNameLength int `yaml:"max_name_length" json:"max_name_length,omitempty" validate:"omitempty,min=11"`

	RecipeDir string `yaml:"recipe_dir" json:"recipe_dir,omitempty"`

	Pinning  PinningConfig `yaml:"pinning" json:"pinning"`
	Channels ChannelConfig `yaml:"channels" json:"channels"`
	Policy   PolicyConfig  `yaml:"policy" json:"policy"`
}

// PinningConfig locates the global pinning set.
type PinningConfig struct {
	// Source is an http(s)://, s3://, sftp://, file:// URI or a local path.
	Source string `yaml:"source" json:"source,omitempty"`

	// CacheDir holds fetched pinning artifacts.
	CacheDir string `yaml:"cache_dir" json:"cache_dir,omitempty"`

	// Timeout bounds one fetch.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty" validate:"gte=0"`
}

// ChannelConfig sets the channel_sources and channel_targets axes.
type ChannelConfig struct {
	Sources []string   `yaml:"sources" json:"sources,omitempty" validate:"omitempty,dive,required"`
	Targets [][]string `yaml:"targets" json:"targets,omitempty" validate:"omitempty,dive,min=1,dive,required"`
}

// PolicyConfig selects the policies applied to a render.
type PolicyConfig struct {
	// Paths are extra .rego files or directories.
	Paths []string `yaml:"paths" json:"paths,omitempty"`

	// Disabled lists built-in policy names that are skipped.
	Disabled []string `yaml:"disabled" json:"disabled,omitempty"`
}

// PlatformList returns the platforms to render for an arch-specific recipe,
// without those whose provider is "none". Explicit platforms keep their
// order; otherwise the list is sorted.
func (c *ForgeConfig) PlatformList() []engine.Platform {
	var candidates []engine.Platform
	if len(c.Platforms) > 0 {
		for _, p := range c.Platforms {
			candidates = append(candidates, engine.ParsePlatform(p))
		}
	} else {
		candidates = slices.Clone(DefaultPlatforms)
		for key := range c.Provider {
			if p := engine.ParsePlatform(key); p.Valid() {
				candidates = append(candidates, p)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	}

	var out []engine.Platform
	for _, p := range candidates {
		if slices.Contains(out, p) || c.ProviderFor(p) == ProviderNone {
			continue
		}
		out = append(out, p)
	}
	return out
}

// NoarchPlatformList returns the platforms a noarch recipe is rendered for.
func (c *ForgeConfig) NoarchPlatformList() []engine.Platform {
	var out []engine.Platform
	for _, p := range c.NoarchPlatforms {
		if pp := engine.ParsePlatform(p); !slices.Contains(out, pp) {
			out = append(out, pp)
		}
	}
	return out
}

// ProviderFor returns the CI provider of a platform: the per-platform entry,
// then the per-OS entry, then azure.
func (c *ForgeConfig) ProviderFor(p engine.Platform) string {
	for _, key := range []string{p.Slug(), string(p), p.OS()} {
		if v, ok := c.Provider[key]; ok {
			v = strings.ToLower(v)
			if v == ProviderDefault {
				return ProviderAzure
			}
			return v
		}
	}
	return ProviderAzure
}

// BuildPlatformFor returns the platform p is built on.
func (c *ForgeConfig) BuildPlatformFor(p engine.Platform) engine.Platform {
	for _, key := range []string{p.Slug(), string(p)} {
		if v, ok := c.BuildPlatform[key]; ok {
			return engine.ParsePlatform(v)
		}
	}
	return p
}

// NameLimitFor returns the configuration name limit for a provider; zero
// means the default.
func (c *ForgeConfig) NameLimitFor(provider string) int {
	if n, ok := c.NameLimits[provider]; ok {
		return n
	}
	return c.MaxNameLength
}

// ChannelValues returns the channel_sources and channel_targets axis values
// the configuration sets, if any.
func (c *ForgeConfig) ChannelValues() map[string][]string {
	out := make(map[string][]string)
	if len(c.Channels.Sources) > 0 {
		out["channel_sources"] = []string{strings.Join(c.Channels.Sources, ",")}
	}
	for _, t := range c.Channels.Targets {
		out["channel_targets"] = append(out["channel_targets"], strings.Join(t, " "))
	}
	return out
}
