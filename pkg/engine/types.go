package engine

import (
	"strings"
	"time"
)

// Platform is a conda subdir such as "linux-64" or "osx-arm64".
type Platform string

// Common platforms.
const (
	PlatformLinux64      Platform = "linux-64"
	PlatformLinuxAarch64 Platform = "linux-aarch64"
	PlatformLinuxPPC64LE Platform = "linux-ppc64le"
	PlatformOSX64        Platform = "osx-64"
	PlatformOSXArm64     Platform = "osx-arm64"
	PlatformWin64        Platform = "win-64"
	PlatformWinArm64     Platform = "win-arm64"
)

// ParsePlatform accepts both "linux-64" and "linux_64" spellings.
func ParsePlatform(s string) Platform {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, '_'); i > 0 {
		s = s[:i] + "-" + s[i+1:]
	}
	return Platform(s)
}

// OS returns the operating system part ("linux", "osx", "win").
func (p Platform) OS() string {
	os, _, _ := strings.Cut(string(p), "-")
	return os
}

// Arch returns the architecture part ("64", "aarch64", "arm64", ...).
func (p Platform) Arch() string {
	_, arch, _ := strings.Cut(string(p), "-")
	return arch
}

// Slug returns the file-name form used in configuration names ("linux_64").
func (p Platform) Slug() string {
	return strings.ReplaceAll(string(p), "-", "_")
}

// Valid reports whether the platform has both an OS and an architecture.
func (p Platform) Valid() bool {
	os, arch, ok := strings.Cut(string(p), "-")
	return ok && os != "" && arch != ""
}

// String implements fmt.Stringer.
func (p Platform) String() string {
	return string(p)
}

// Assignment binds one axis to the single value chosen for a configuration.
type Assignment struct {
	Axis  string `json:"axis" cbor:"1,keyasint"`
	Value string `json:"value" cbor:"2,keyasint"`
}

// BuildConfig is one fully resolved build configuration.
type BuildConfig struct {
	// Platform is the host platform the package is built for.
	Platform Platform `json:"platform" cbor:"1,keyasint"`

	// BuildPlatform is the platform the build runs on (differs when cross-compiling).
	BuildPlatform Platform `json:"build_platform" cbor:"2,keyasint"`

	// Provider is the CI provider assigned to the build platform.
	Provider string `json:"provider,omitempty" cbor:"3,keyasint,omitempty"`

	// Axes holds the chosen value per axis, in pinning declaration order.
	Axes []Assignment `json:"axes" cbor:"4,keyasint"`

	// ZipKeys lists the zip groups restricted to the axes present in Axes.
	ZipKeys [][]string `json:"zip_keys,omitempty" cbor:"5,keyasint,omitempty"`

	// Name is the canonical configuration name.
	Name string `json:"name" cbor:"6,keyasint"`

	// ShortName is Name, shortened deterministically when over the length limit.
	ShortName string `json:"short_name" cbor:"7,keyasint"`

	// Priority is the down-priority score; lower is preferred.
	Priority int `json:"priority" cbor:"8,keyasint"`
}

// Get returns the value chosen for an axis.
func (c *BuildConfig) Get(axis string) (string, bool) {
	for _, a := range c.Axes {
		if a.Axis == axis {
			return a.Value, true
		}
	}
	return "", false
}

// WarningKind classifies non-fatal render findings.
type WarningKind string

const (
	// WarningStaleMigration marks a migration overlay whose target axis is gone.
	WarningStaleMigration WarningKind = "stale_migration"

	// WarningCacheFallback marks a render that used a cached pinning set after a failed fetch.
	WarningCacheFallback WarningKind = "cache_fallback"

	// WarningPolicy marks a non-blocking policy violation.
	WarningPolicy WarningKind = "policy"
)

// Warning is a non-fatal finding reported with a render result.
type Warning struct {
	Kind     WarningKind `json:"kind"`
	Resource string      `json:"resource,omitempty"`
	Message  string      `json:"message"`
}

// RenderStatus is the outcome of a render pass as recorded in the ledger.
type RenderStatus string

const (
	RenderStatusRunning   RenderStatus = "running"
	RenderStatusSucceeded RenderStatus = "succeeded"
	RenderStatusFailed    RenderStatus = "failed"
	RenderStatusDrifted   RenderStatus = "drifted"
)

// PinningInfo identifies the pinning snapshot a render used.
type PinningInfo struct {
	Source    string    `json:"source"`
	Version   string    `json:"version,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	FromCache bool      `json:"from_cache"`
}

// Result is the output of one render pass.
type Result struct {
	// ID identifies the render pass in the ledger.
	ID string `json:"id"`

	// Feedstock is the feedstock directory the pass rendered.
	Feedstock string `json:"feedstock"`

	// Configs is the ordered, deduplicated configuration list.
	Configs []BuildConfig `json:"configs"`

	// Warnings collects non-fatal findings.
	Warnings []Warning `json:"warnings,omitempty"`

	// Pinning identifies the pinning snapshot used.
	Pinning PinningInfo `json:"pinning"`

	// Fingerprint is a stable digest of Configs.
	Fingerprint string `json:"fingerprint"`

	// StaleMigrations lists migration files flagged for removal.
	StaleMigrations []string `json:"stale_migrations,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ConfigsFor returns the configurations of one platform, in result order.
func (r *Result) ConfigsFor(p Platform) []BuildConfig {
	var out []BuildConfig
	for _, c := range r.Configs {
		if c.Platform == p {
			out = append(out, c)
		}
	}
	return out
}
