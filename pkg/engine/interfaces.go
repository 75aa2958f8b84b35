package engine

import (
	"context"
	"io"
	"time"
)

// ArtifactMeta describes a fetched pinning artifact.
type ArtifactMeta struct {
	// Name is the artifact file name; its extension selects the extractor.
	Name string

	// Version is the pinning package version, when the source knows it.
	Version string

	// ETag is an opaque validator for conditional fetches.
	ETag string

	// NotModified is set when the source confirmed the cached copy is current.
	NotModified bool

	// ModTime is the remote modification time, when known.
	ModTime time.Time
}

// PinningSource fetches the raw pinning artifact.
type PinningSource interface {
	// Fetch writes the artifact to w. When etag matches the remote copy,
	// implementations may return NotModified without writing anything.
	Fetch(ctx context.Context, etag string, w io.Writer) (*ArtifactMeta, error)

	// URI returns the canonical location of the source.
	URI() string
}

// ConfigWriter is the boundary to the CI configuration renderer.
type ConfigWriter interface {
	// Write emits the configuration list. Implementations must leave dir
	// untouched when they return an error.
	Write(ctx context.Context, dir string, configs []BuildConfig) error
}

// PolicyChecker evaluates a render result before anything is written.
type PolicyChecker interface {
	// Check returns blocking violations as an error and the rest as warnings.
	Check(ctx context.Context, result *Result) ([]Warning, error)
}
