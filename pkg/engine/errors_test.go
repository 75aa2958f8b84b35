package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "message only",
			err:  NewConfigurationError("empty intersection", nil),
			want: "[configuration] empty intersection",
		},
		{
			name: "with resource",
			err:  NewConfigurationError("empty intersection", nil).WithResource("numpy"),
			want: "[configuration] empty intersection (resource=numpy)",
		},
		{
			name: "with resource and operation",
			err: NewConfigurationError("empty intersection", errors.New("no candidates")).
				WithResource("numpy").WithOperation("constrain"),
			want: "[configuration] empty intersection (resource=numpy, operation=constrain): no candidates",
		},
		{
			name: "operation only",
			err:  NewInternalError("write failed", errors.New("disk full")).WithOperation("emit"),
			want: "[internal] write failed (operation=emit): disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEngineError_Is(t *testing.T) {
	err := fmt.Errorf("constrain: %w",
		NewConfigurationError("zip length mismatch", nil).WithCode(ErrCodeZipMismatch))

	if !errors.Is(err, &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeZipMismatch}) {
		t.Error("Expected errors.Is to match class and code")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassConfiguration}) {
		t.Error("Expected errors.Is to match class with empty code")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeZipOverlap}) {
		t.Error("Expected errors.Is not to match a different code")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassCacheFetch}) {
		t.Error("Expected errors.Is not to match a different class")
	}
}

func TestClassHelpers(t *testing.T) {
	cfg := NewConfigurationError("bad", nil)
	fetch := NewCacheFetchError("offline", errors.New("dial tcp: timeout"))
	internal := NewInternalError("oops", nil)

	if !IsConfiguration(cfg) || IsCacheFetch(cfg) || IsInternal(cfg) {
		t.Error("configuration error misclassified")
	}
	if !IsCacheFetch(fmt.Errorf("wrapped: %w", fetch)) {
		t.Error("Expected wrapped cache fetch error to be detected")
	}
	if !IsInternal(internal) {
		t.Error("internal error misclassified")
	}
	if IsConfiguration(errors.New("plain")) {
		t.Error("plain error must not be classified")
	}
	if got := CodeOf(fetch); got != ErrCodeFetchFailed {
		t.Errorf("Expected code %s, got %s", ErrCodeFetchFailed, got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("Expected empty code, got %s", got)
	}
}

func TestEngineError_WithDetail(t *testing.T) {
	err := NewConfigurationError("zip length mismatch", nil).
		WithDetail("group", []string{"python", "numpy"}).
		WithDetail("lengths", map[string]int{"python": 2, "numpy": 3})

	if len(err.Details) != 2 {
		t.Fatalf("Expected 2 details, got %d", len(err.Details))
	}
	if _, ok := err.Details["group"]; !ok {
		t.Error("Expected group detail")
	}
}

func TestPlatform(t *testing.T) {
	tests := []struct {
		in   string
		want Platform
		os   string
		arch string
		slug string
	}{
		{"linux-64", PlatformLinux64, "linux", "64", "linux_64"},
		{"linux_aarch64", PlatformLinuxAarch64, "linux", "aarch64", "linux_aarch64"},
		{" OSX_ARM64 ", PlatformOSXArm64, "osx", "arm64", "osx_arm64"},
		{"win-64", PlatformWin64, "win", "64", "win_64"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p := ParsePlatform(tt.in)
			if p != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, p)
			}
			if p.OS() != tt.os || p.Arch() != tt.arch || p.Slug() != tt.slug {
				t.Errorf("Expected %s/%s/%s, got %s/%s/%s", tt.os, tt.arch, tt.slug, p.OS(), p.Arch(), p.Slug())
			}
			if !p.Valid() {
				t.Error("Expected platform to be valid")
			}
		})
	}

	if Platform("noarch").Valid() {
		t.Error("Expected platform without arch to be invalid")
	}
}
