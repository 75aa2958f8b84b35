package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/pinning"
)

const forgeConfig = `
provider:
  linux_aarch64: default
  linux_ppc64le: github_actions
  win: none
build_platform:
  linux_aarch64: linux_64
  osx_arm64: osx_64
noarch_platforms:
  - linux_64
  - win_64
name_limits:
  travis: 40
max_name_length: 60
pinning:
  source: s3://pinning/conda-forge-pinning.conda
  cache_dir: /tmp/smithy-cache
  timeout: 10s
channels:
  sources: [conda-forge, conda-forge/label/rc]
  targets:
    - [conda-forge, main]
    - [conda-forge, rc]
policy:
  disabled: [max_configs]
`

func parse(t *testing.T, src string) *ForgeConfig {
	t.Helper()
	cfg, err := NewParser().Parse(FileName, []byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return cfg
}

func TestParse_Full(t *testing.T) {
	cfg := parse(t, forgeConfig)

	wantPlatforms := []engine.Platform{
		engine.PlatformLinux64,
		engine.PlatformLinuxAarch64,
		engine.PlatformLinuxPPC64LE,
		engine.PlatformOSX64,
	}
	if diff := cmp.Diff(wantPlatforms, cfg.PlatformList()); diff != "" {
		t.Errorf("platforms mismatch (-want +got):\n%s", diff)
	}

	providers := map[engine.Platform]string{
		engine.PlatformLinux64:      ProviderAzure,
		engine.PlatformLinuxAarch64: ProviderAzure,
		engine.PlatformLinuxPPC64LE: ProviderGitHubActions,
		engine.PlatformWin64:        ProviderNone,
	}
	for p, want := range providers {
		if got := cfg.ProviderFor(p); got != want {
			t.Errorf("ProviderFor(%s) = %s, want %s", p, got, want)
		}
	}

	if got := cfg.BuildPlatformFor(engine.PlatformLinuxAarch64); got != engine.PlatformLinux64 {
		t.Errorf("expected linux-aarch64 to build on linux-64, got %s", got)
	}
	if got := cfg.BuildPlatformFor(engine.PlatformOSX64); got != engine.PlatformOSX64 {
		t.Errorf("expected osx-64 to build natively, got %s", got)
	}

	if diff := cmp.Diff([]engine.Platform{engine.PlatformLinux64, engine.PlatformWin64}, cfg.NoarchPlatformList()); diff != "" {
		t.Errorf("noarch platforms mismatch (-want +got):\n%s", diff)
	}
	if cfg.NameLimitFor("travis") != 40 || cfg.NameLimitFor(ProviderAzure) != 60 {
		t.Errorf("unexpected name limits: travis=%d azure=%d", cfg.NameLimitFor("travis"), cfg.NameLimitFor(ProviderAzure))
	}
	if cfg.Pinning.Timeout != 10*time.Second {
		t.Errorf("expected a 10s timeout, got %s", cfg.Pinning.Timeout)
	}

	wantChannels := map[string][]string{
		"channel_sources": {"conda-forge,conda-forge/label/rc"},
		"channel_targets": {"conda-forge main", "conda-forge rc"},
	}
	if diff := cmp.Diff(wantChannels, cfg.ChannelValues()); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg := parse(t, "")

	if diff := cmp.Diff(DefaultPlatforms, cfg.PlatformList()); diff != "" {
		t.Errorf("platforms mismatch (-want +got):\n%s", diff)
	}
	if cfg.RecipeDir != "recipe" {
		t.Errorf("expected recipe dir 'recipe', got %q", cfg.RecipeDir)
	}
	if cfg.Pinning.Source != pinning.DefaultSource {
		t.Errorf("expected the default pinning source, got %q", cfg.Pinning.Source)
	}
	if cfg.Pinning.Timeout != pinning.DefaultTimeout {
		t.Errorf("expected the default timeout, got %s", cfg.Pinning.Timeout)
	}
	if cfg.Pinning.CacheDir == "" {
		t.Error("expected a default cache dir")
	}
	if diff := cmp.Diff([]engine.Platform{engine.PlatformLinux64}, cfg.NoarchPlatformList()); diff != "" {
		t.Errorf("noarch platforms mismatch (-want +got):\n%s", diff)
	}
	if len(cfg.ChannelValues()) != 0 {
		t.Errorf("expected no channel values, got %v", cfg.ChannelValues())
	}
}

func TestParse_ExplicitPlatformsKeepOrder(t *testing.T) {
	cfg := parse(t, "platforms: [osx_arm64, linux_64, osx_arm64]\n")
	want := []engine.Platform{engine.PlatformOSXArm64, engine.PlatformLinux64}
	if diff := cmp.Diff(want, cfg.PlatformList()); diff != "" {
		t.Errorf("platforms mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad yaml", "provider: [linux"},
		{"bad platform", "platforms: [beos_64]\n"},
		{"unknown provider", "provider:\n  linux: jenkins\n"},
		{"bad build platform", "build_platform:\n  linux_aarch64: amiga\n"},
		{"name limit too small", "max_name_length: 5\n"},
		{"empty channel target", "channels:\n  targets:\n    - []\n"},
		{"negative timeout", "pinning:\n  timeout: -1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().Parse(FileName, []byte(tt.src))
			if code := engine.CodeOf(err); code != engine.ErrCodeInvalidConfig {
				t.Errorf("expected %s, got %v", engine.ErrCodeInvalidConfig, err)
			}
		})
	}
}

func TestLoadFeedstock(t *testing.T) {
	dir := t.TempDir()
	p := NewParser()

	cfg, err := p.LoadFeedstock(dir)
	if err != nil {
		t.Fatalf("LoadFeedstock without a file failed: %v", err)
	}
	if cfg.RecipeDir != "recipe" {
		t.Errorf("expected defaults, got %+v", cfg)
	}

	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("recipe_dir: src/recipe\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = p.LoadFeedstock(dir)
	if err != nil {
		t.Fatalf("LoadFeedstock failed: %v", err)
	}
	if cfg.RecipeDir != "src/recipe" {
		t.Errorf("expected src/recipe, got %q", cfg.RecipeDir)
	}
}

func TestParser_ValidateMigration(t *testing.T) {
	var v pinning.MigrationValidator = NewParser()
	if err := v.ValidateMigration("bad.yaml", []byte("__migrator:\n  operation: merge\n")); err == nil {
		t.Error("expected a schema error")
	}
}
