package pinning

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

const (
	// LifetimeEnv overrides the cache lifetime, in seconds or as a Go duration.
	LifetimeEnv = "CONDA_FORGE_PINNING_LIFETIME"

	// DefaultLifetime is how long a fetched pinning set is reused without
	// contacting the source.
	DefaultLifetime = 15 * time.Minute

	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 30 * time.Second

	metaFile     = "meta.json"
	artifactFile = "artifact"
	extractDir   = "root"
)

// Cache outcomes reported to an Observer.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeRevalidated = "revalidated"
	OutcomeFallback    = "fallback"
	OutcomeLocal       = "local"
)

// LifetimeFromEnv reads LifetimeEnv. An unset variable yields DefaultLifetime.
func LifetimeFromEnv() (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(LifetimeEnv))
	if raw == "" {
		return DefaultLifetime, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%s must not be negative", LifetimeEnv)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", LifetimeEnv, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", LifetimeEnv)
	}
	return d, nil
}

// Observer receives cache outcomes.
type Observer interface {
	ObserveCache(outcome string, fetch time.Duration)
}

// Snapshot is an immutable view of one pinning set on disk, used for a
// whole render pass.
type Snapshot struct {
	// Dir is the pinning root holding BaseFile.
	Dir       string
	Source    string
	Version   string
	ETag      string
	Digest    string
	FetchedAt time.Time

	// FromCache is set when no new bytes were downloaded.
	FromCache bool

	// Fallback is set when the fetch failed and a stale copy is used.
	// FetchErr holds the failure.
	Fallback bool
	FetchErr error
}

// MigrationsDir returns the upstream migrations directory of the snapshot.
func (s *Snapshot) MigrationsDir() string {
	return filepath.Join(s.Dir, MigrationsDir)
}

// Info returns the ledger view of the snapshot.
func (s *Snapshot) Info() engine.PinningInfo {
	return engine.PinningInfo{
		Source:    s.Source,
		Version:   s.Version,
		Digest:    s.Digest,
		FetchedAt: s.FetchedAt,
		FromCache: s.FromCache,
	}
}

// Warning returns the fallback warning, if any.
func (s *Snapshot) Warning() (engine.Warning, bool) {
	if !s.Fallback {
		return engine.Warning{}, false
	}
	return engine.Warning{
		Kind:     engine.WarningCacheFallback,
		Resource: s.Source,
		Message:  fmt.Sprintf("using cached pinning from %s: %v", s.FetchedAt.UTC().Format(time.RFC3339), s.FetchErr),
	}, true
}

// cacheMeta is persisted next to a cached artifact.
type cacheMeta struct {
	Source    string    `json:"source"`
	Name      string    `json:"name"`
	Version   string    `json:"version,omitempty"`
	ETag      string    `json:"etag,omitempty"`
	Digest    string    `json:"digest"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache keeps the last good pinning artifact per source on disk.
type Cache struct {
	Dir      string
	Lifetime time.Duration
	Timeout  time.Duration
	Source   engine.PinningSource

	now      func() time.Time
	logger   zerolog.Logger
	observer Observer
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithLifetime sets the reuse window.
func WithLifetime(d time.Duration) CacheOption {
	return func(c *Cache) { c.Lifetime = d }
}

// WithTimeout sets the fetch timeout.
func WithTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// WithObserver reports cache outcomes to o.
func WithObserver(o Observer) CacheOption {
	return func(c *Cache) { c.observer = o }
}

// NewCache creates a cache rooted at dir for source.
func NewCache(dir string, source engine.PinningSource, opts ...CacheOption) *Cache {
	c := &Cache{
		Dir:      dir,
		Lifetime: DefaultLifetime,
		Timeout:  DefaultTimeout,
		Source:   source,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// entryDir is the per-source directory.
func (c *Cache) entryDir() string {
	sum := blake3.Sum256([]byte(c.Source.URI()))
	return filepath.Join(c.Dir, hex.EncodeToString(sum[:8]))
}

// Get returns the current pinning snapshot. A cached copy younger than
// Lifetime is reused. Otherwise the source is fetched under Timeout, with the
// cached ETag for revalidation. A failed fetch falls back to the cached
// copy; without one it returns a cache_fetch error with code NO_CACHE.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	logger := c.logger.With().Str("source", c.Source.URI()).Logger()

	if local, ok := c.Source.(LocalSource); ok {
		if dir, ok := local.LocalDir(); ok {
			root, err := PinningRoot(dir)
			if err != nil {
				return nil, engine.NewConfigurationError("pinning directory has no base file", err).
					WithCode(engine.ErrCodeInvalidConfig).
					WithResource(dir)
			}
			c.observe(OutcomeLocal, 0)
			return &Snapshot{Dir: root, Source: c.Source.URI(), FetchedAt: c.now()}, nil
		}
	}

	entry := c.entryDir()
	meta, metaErr := c.readMeta(entry)
	cached := metaErr == nil

	if cached && c.now().Sub(meta.FetchedAt) < c.Lifetime {
		snap, err := c.snapshot(entry, meta)
		if err == nil {
			logger.Debug().Time("fetched_at", meta.FetchedAt).Msg("Using cached pinning")
			snap.FromCache = true
			c.observe(OutcomeHit, 0)
			return snap, nil
		}
		logger.Warn().Err(err).Msg("Cached pinning is unusable, refetching")
		cached = false
	}

	etag := ""
	if cached {
		etag = meta.ETag
	}
	start := c.now()
	next, notModified, err := c.fetch(ctx, entry, etag)
	elapsed := c.now().Sub(start)
	if err == nil && notModified && !cached {
		err = errors.New("source reported not modified without a cached copy")
	}

	switch {
	case err == nil && notModified:
		meta.FetchedAt = c.now()
		if next.ETag != "" {
			meta.ETag = next.ETag
		}
		if werr := c.writeMeta(entry, meta); werr != nil {
			logger.Warn().Err(werr).Msg("Failed to update cache metadata")
		}
		snap, serr := c.snapshot(entry, meta)
		if serr != nil {
			return nil, engine.NewInternalError("cached pinning is unusable", serr).WithResource(c.Source.URI())
		}
		snap.FromCache = true
		logger.Debug().Msg("Pinning not modified")
		c.observe(OutcomeRevalidated, elapsed)
		return snap, nil

	case err == nil:
		snap, serr := c.snapshot(entry, next)
		if serr != nil {
			return nil, engine.NewInternalError("fetched pinning is unusable", serr).WithResource(c.Source.URI())
		}
		logger.Info().
			Str("version", next.Version).
			Str("digest", next.Digest).
			Dur("duration", elapsed).
			Msg("Fetched pinning")
		c.observe(OutcomeMiss, elapsed)
		return snap, nil
	}

	fetchErr := engine.NewCacheFetchError("failed to fetch pinning", err).
		WithResource(c.Source.URI()).
		WithOperation("fetch")
	if !cached {
		return nil, fetchErr.WithCode(engine.ErrCodeNoCache)
	}
	snap, serr := c.snapshot(entry, meta)
	if serr != nil {
		return nil, fetchErr.WithCode(engine.ErrCodeNoCache)
	}
	logger.Warn().Err(err).Time("fetched_at", meta.FetchedAt).Msg("Pinning fetch failed, using cached copy")
	snap.FromCache = true
	snap.Fallback = true
	snap.FetchErr = fetchErr
	c.observe(OutcomeFallback, elapsed)
	return snap, nil
}

// fetch downloads the artifact into a staging directory and swaps it into
// place. The previous copy stays intact until the new one is extracted.
func (c *Cache) fetch(ctx context.Context, entry, etag string) (*cacheMeta, bool, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, false, err
	}
	staging, err := os.MkdirTemp(c.Dir, ".fetch-*")
	if err != nil {
		return nil, false, err
	}
	defer os.RemoveAll(staging)

	artifactPath := filepath.Join(staging, artifactFile)
	f, err := os.Create(artifactPath)
	if err != nil {
		return nil, false, err
	}
	hasher := blake3.New()
	am, err := c.Source.Fetch(ctx, etag, io.MultiWriter(f, hasher))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, false, err
	}
	if am.NotModified {
		return &cacheMeta{ETag: am.ETag}, true, nil
	}

	if err := Extract(artifactPath, am.Name, filepath.Join(staging, extractDir)); err != nil {
		return nil, false, fmt.Errorf("extract %s: %w", am.Name, err)
	}
	if _, err := PinningRoot(filepath.Join(staging, extractDir)); err != nil {
		return nil, false, err
	}

	meta := &cacheMeta{
		Source:    c.Source.URI(),
		Name:      am.Name,
		Version:   am.Version,
		ETag:      am.ETag,
		Digest:    "blake3:" + hex.EncodeToString(hasher.Sum(nil)),
		FetchedAt: c.now(),
	}
	if err := c.writeMeta(staging, meta); err != nil {
		return nil, false, err
	}

	old := entry + ".old"
	_ = os.RemoveAll(old)
	if _, err := os.Stat(entry); err == nil {
		if err := os.Rename(entry, old); err != nil {
			return nil, false, err
		}
	}
	if err := os.Rename(staging, entry); err != nil {
		_ = os.Rename(old, entry)
		return nil, false, err
	}
	_ = os.RemoveAll(old)
	return meta, false, nil
}

func (c *Cache) snapshot(entry string, meta *cacheMeta) (*Snapshot, error) {
	root, err := PinningRoot(filepath.Join(entry, extractDir))
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Dir:       root,
		Source:    meta.Source,
		Version:   meta.Version,
		ETag:      meta.ETag,
		Digest:    meta.Digest,
		FetchedAt: meta.FetchedAt,
	}, nil
}

func (c *Cache) readMeta(entry string) (*cacheMeta, error) {
	data, err := os.ReadFile(filepath.Join(entry, metaFile))
	if err != nil {
		return nil, err
	}
	var meta cacheMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.Source != c.Source.URI() {
		return nil, fs.ErrNotExist
	}
	return &meta, nil
}

func (c *Cache) writeMeta(dir string, meta *cacheMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, metaFile))
}

func (c *Cache) observe(outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveCache(outcome, d)
	}
}

// Clear removes the cached copy of the source.
func (c *Cache) Clear() error {
	err := os.RemoveAll(c.entryDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
