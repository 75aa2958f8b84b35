package policy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	eng.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return eng
}

func testConfig(platform engine.Platform, name string, axes ...string) engine.BuildConfig {
	c := engine.BuildConfig{
		Platform:      platform,
		BuildPlatform: platform,
		Provider:      "azure",
		Name:          name,
		ShortName:     name,
	}
	for i := 0; i+1 < len(axes); i += 2 {
		c.Axes = append(c.Axes, engine.Assignment{Axis: axes[i], Value: axes[i+1]})
	}
	return c
}

func testResult(configs ...engine.BuildConfig) *engine.Result {
	return &engine.Result{
		ID:        "render-1",
		Feedstock: "foo-feedstock",
		Configs:   configs,
		Pinning:   engine.PinningInfo{Source: "file:///pinning", Version: "2026.01.01"},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{PolicyEOLPython, PolicyEmptyMatrix, PolicyMaxConfigs, PolicyUniqueNames}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policy %d: expected %s, got %s", i, want[i], p.Name)
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		result     *engine.Result
		wantPolicy string
		wantCount  int
	}{
		{
			name: "clean matrix",
			result: testResult(
				testConfig(engine.PlatformLinux64, "linux_64_python3.12", "python", "3.12"),
				testConfig(engine.PlatformLinux64, "linux_64_python3.13", "python", "3.13"),
			),
			wantCount: 0,
		},
		{
			name:       "empty matrix",
			result:     testResult(),
			wantPolicy: PolicyEmptyMatrix,
			wantCount:  1,
		},
		{
			name: "duplicate short names",
			result: testResult(
				testConfig(engine.PlatformLinux64, "linux_64_h0123", "python", "3.12"),
				testConfig(engine.PlatformLinux64, "linux_64_h0123", "python", "3.13"),
			),
			wantPolicy: PolicyUniqueNames,
			wantCount:  1,
		},
		{
			name: "end-of-life python",
			result: testResult(
				testConfig(engine.PlatformLinux64, "linux_64_python3.8", "python", "3.8.* *_cpython"),
				testConfig(engine.PlatformLinux64, "linux_64_python3.10", "python", "3.10.* *_cpython"),
			),
			wantPolicy: PolicyEOLPython,
			wantCount:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations, err := eng.Evaluate(context.Background(), NewInput(tt.result, "render", eng.now()))
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(violations) != tt.wantCount {
				t.Fatalf("Expected %d violations, got %d: %+v", tt.wantCount, len(violations), violations)
			}
			for _, v := range violations {
				if v.Policy != tt.wantPolicy {
					t.Errorf("Expected a %s violation, got %+v", tt.wantPolicy, v)
				}
				if v.Message == "" {
					t.Error("Violation message is empty")
				}
			}
		})
	}
}

func TestEvaluate_MaxConfigs(t *testing.T) {
	eng := newTestEngine(t)

	var configs []engine.BuildConfig
	for i := 0; i < 101; i++ {
		name := "linux_64_n" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		configs = append(configs, testConfig(engine.PlatformLinux64, name, "n", name))
	}
	configs = append(configs, testConfig(engine.PlatformOSX64, "osx_64_", "n", "1"))

	violations, err := eng.Evaluate(context.Background(), NewInput(testResult(configs...), "render", eng.now()))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", violations)
	}
	v := violations[0]
	if v.Policy != PolicyMaxConfigs || v.Resource != "linux-64" || v.Severity != SeverityWarning {
		t.Errorf("unexpected violation: %+v", v)
	}
}

func TestCheck(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	warnings, err := eng.Check(ctx, testResult(
		testConfig(engine.PlatformLinux64, "linux_64_python3.7", "python", "3.7"),
	))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Kind != engine.WarningPolicy {
		t.Fatalf("Expected one policy warning, got %+v", warnings)
	}
	if warnings[0].Resource != "linux_64_python3.7" {
		t.Errorf("Expected the configuration as resource, got %q", warnings[0].Resource)
	}

	_, err = eng.Check(ctx, testResult())
	if code := engine.CodeOf(err); code != engine.ErrCodePolicyDenied {
		t.Fatalf("Expected %s, got %v", engine.ErrCodePolicyDenied, err)
	}
}

func TestReplace(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "no-cuda",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package smithy.custom.cuda

import rego.v1

deny contains msg if {
	some config in input.configs
	config.variant.cuda_compiler_version != "None"
	msg := sprintf("%s enables cuda", [config.name])
}`,
	}
	if err := eng.Replace(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	result := testResult(testConfig(engine.PlatformLinux64, "linux_64_cuda12", "cuda_compiler_version", "12.6"))
	if _, err := eng.Check(ctx, result); engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Fatalf("Expected the custom policy to deny, got %v", err)
	}

	// A second replace drops the custom policy but keeps the built-ins.
	if err := eng.Replace(ctx, nil); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if _, err := eng.GetPolicy("no-cuda"); err == nil {
		t.Error("Expected the custom policy to be removed")
	}
	if _, err := eng.GetPolicy(PolicyEmptyMatrix); err != nil {
		t.Errorf("Expected the built-in policy to survive: %v", err)
	}
	if _, err := eng.Check(ctx, result); err != nil {
		t.Errorf("Expected no violation after replace, got %v", err)
	}
}

func TestReplace_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.Replace(context.Background(), []Policy{{Name: "broken", Rego: "package x\n\ndeny contains if {", Enabled: true}})
	if err == nil {
		t.Fatal("Expected a compile error")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.DisablePolicy(PolicyEmptyMatrix); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	p, err := eng.GetPolicy(PolicyEmptyMatrix)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if p.Enabled {
		t.Error("Policy should be disabled")
	}
	if _, err := eng.Check(ctx, testResult()); err != nil {
		t.Errorf("Expected a disabled policy to pass, got %v", err)
	}

	if err := eng.EnablePolicy(PolicyEmptyMatrix); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if _, err := eng.Check(ctx, testResult()); err == nil {
		t.Error("Expected the re-enabled policy to deny")
	}

	if err := eng.EnablePolicy("non-existent"); err == nil {
		t.Error("Expected error for non-existent policy")
	}
}

func TestNewInput(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	in := NewInput(testResult(
		testConfig(engine.PlatformLinux64, "a", "python", "3.12", "numpy", "2"),
		testConfig(engine.PlatformOSXArm64, "b"),
	), "check", now)

	if in.Feedstock != "foo-feedstock" || in.Context.Operation != "check" || !in.Context.Timestamp.Equal(now) {
		t.Errorf("unexpected input header: %+v", in)
	}
	if in.Platforms["linux-64"] != 1 || in.Platforms["osx-arm64"] != 1 {
		t.Errorf("unexpected platform counts: %v", in.Platforms)
	}
	if in.Configs[0].Variant["numpy"] != "2" {
		t.Errorf("expected the numpy axis in the variant, got %v", in.Configs[0].Variant)
	}
}
