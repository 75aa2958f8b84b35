package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/feedstock-tools/smithy/pkg/config"
	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/matrix"
	"github.com/feedstock-tools/smithy/pkg/pinning"
	"github.com/feedstock-tools/smithy/pkg/policy"
	"github.com/feedstock-tools/smithy/pkg/recipe"
	"github.com/feedstock-tools/smithy/pkg/selector"
	"github.com/feedstock-tools/smithy/pkg/stores"
	"github.com/feedstock-tools/smithy/pkg/telemetry"
)

// MigrationsDir is the feedstock-local migrations folder, relative to the
// feedstock root.
var MigrationsDir = filepath.Join(CISupportDir, "migrations")

// Renderer runs render passes over feedstock directories. A Renderer is
// safe to reuse across passes but passes must not overlap.
type Renderer struct {
	logger   zerolog.Logger
	parser   *config.Parser
	loader   *pinning.Loader
	expander *matrix.Expander
	writer   engine.ConfigWriter
	policy   engine.PolicyChecker
	ledger   stores.Store
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
	sources  pinning.SourceOptions
	now      func() time.Time
	newID    func() string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Renderer) { r.logger = logger }
}

// WithWriter replaces the variant file writer.
func WithWriter(w engine.ConfigWriter) Option {
	return func(r *Renderer) { r.writer = w }
}

// WithPolicyChecker sets the policy gate. Without it every pass builds a
// policy engine from the feedstock's policy settings.
func WithPolicyChecker(p engine.PolicyChecker) Option {
	return func(r *Renderer) { r.policy = p }
}

// WithLedger records every pass in store.
func WithLedger(store stores.Store) Option {
	return func(r *Renderer) { r.ledger = store }
}

// WithTelemetry reports spans and metrics to t.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Renderer) {
		if t.Tracer != nil {
			r.tracer = t.Tracer
		}
		if t.Metrics != nil {
			r.metrics = t.Metrics
		}
	}
}

// WithSourceOptions configures how pinning sources are opened.
func WithSourceOptions(opts pinning.SourceOptions) Option {
	return func(r *Renderer) { r.sources = opts }
}

// WithClock sets the clock used for timestamps and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// New creates a Renderer.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		logger: zerolog.Nop(),
		parser: config.NewParser(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "smithy", "", "")
	}
	if r.metrics == nil {
		r.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	r.logger = r.logger.With().Str("component", "renderer").Logger()
	r.loader = pinning.NewLoader(r.logger, pinning.WithMigrationValidator(r.parser))
	r.expander = matrix.NewExpander(r.logger)
	if r.writer == nil {
		r.writer = NewVariantFileWriter(r.logger)
	}
	return r
}

// PlatformPinning is the effective pinning set of one platform.
type PlatformPinning struct {
	Platform engine.Platform
	Recipe   *recipe.Recipe
	Set      *pinning.Set
	Stale    []pinning.StaleMigration
}

// pass holds the state of one render pass.
type pass struct {
	root      string
	cfg       *config.ForgeConfig
	snapshot  *pinning.Snapshot
	platforms []PlatformPinning
	noarch    bool
	stale     []pinning.StaleMigration
	result    *engine.Result
}

// Pinning resolves the forge configuration, the recipe and the pinning
// snapshot of the feedstock in dir and returns the effective pinning set of
// every rendered platform. Platforms the recipe skips are left out.
func (r *Renderer) Pinning(ctx context.Context, dir string) ([]PlatformPinning, *pinning.Snapshot, error) {
	p, err := r.newPass(dir)
	if err != nil {
		return nil, nil, err
	}
	if err := r.resolve(ctx, p); err != nil {
		return nil, nil, err
	}
	return p.platforms, p.snapshot, nil
}

// Snapshot returns the pinning snapshot the feedstock in dir renders
// against, fetching it when the cache is cold or expired.
func (r *Renderer) Snapshot(ctx context.Context, dir string) (*pinning.Snapshot, error) {
	p, err := r.newPass(dir)
	if err != nil {
		return nil, err
	}
	return r.fetchPinning(ctx, p)
}

// Matrix computes the configuration list of the feedstock in dir and runs
// the policy gate, without writing anything or touching the ledger.
func (r *Renderer) Matrix(ctx context.Context, dir string) (*engine.Result, error) {
	p, err := r.newPass(dir)
	if err != nil {
		return nil, err
	}
	if err := r.plan(ctx, p); err != nil {
		return nil, err
	}
	return p.result, nil
}

// Render runs one pass: it computes the matrix, writes the variant files to
// .ci_support, removes migrations that are stale on every platform and
// records the pass in the ledger. When any step before the write fails,
// nothing on disk changes.
func (r *Renderer) Render(ctx context.Context, dir string) (*engine.Result, error) {
	start := r.now()
	p, err := r.newPass(dir)
	if err != nil {
		r.metrics.RecordError(err)
		return nil, err
	}

	ctx, span := r.tracer.StartRenderSpan(ctx, p.root, p.result.ID)
	defer span.End()
	logger := r.logger.With().Str("render_id", p.result.ID).Str("feedstock", p.root).Logger()

	err = r.plan(ctx, p)
	if err == nil {
		err = r.writer.Write(ctx, filepath.Join(p.root, CISupportDir), p.result.Configs)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Render failed")
		r.finish(ctx, p, engine.RenderStatusFailed, err, start)
		telemetry.RecordError(span, err)
		return nil, err
	}

	r.removeStale(p, logger)
	r.finish(ctx, p, engine.RenderStatusSucceeded, nil, start)

	telemetry.SetAttributes(span,
		telemetry.AttrConfigCount.Int(len(p.result.Configs)),
		telemetry.AttrFingerprint.String(p.result.Fingerprint),
	)
	telemetry.RecordSuccess(span)
	logger.Info().
		Int("configs", len(p.result.Configs)).
		Int("warnings", len(p.result.Warnings)).
		Str("fingerprint", p.result.Fingerprint).
		Dur("duration", r.now().Sub(start)).
		Msg("Render completed")
	return p.result, nil
}

// CheckResult is the outcome of a drift check.
type CheckResult struct {
	Result *engine.Result

	// Drifted is set when the rendered files differ from those on disk.
	Drifted bool

	// Changed lists the variant files that would be added, changed or
	// removed.
	Changed []string

	// LastFingerprint is the fingerprint of the last successful render in
	// the ledger, empty without one.
	LastFingerprint string
}

// differ is implemented by writers that can compare a render with the
// files on disk.
type differ interface {
	Diff(dir string, configs []engine.BuildConfig) ([]string, error)
}

// Check computes the matrix of the feedstock in dir and reports whether it
// differs from what is on disk, without writing. A drifted result is
// recorded in the ledger. When the writer cannot compare files, drift is
// judged by the fingerprint of the last successful render.
func (r *Renderer) Check(ctx context.Context, dir string) (*CheckResult, error) {
	start := r.now()
	p, err := r.newPass(dir)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.StartRenderSpan(ctx, p.root, p.result.ID)
	defer span.End()

	if err := r.plan(ctx, p); err != nil {
		r.metrics.RecordError(err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	check := &CheckResult{Result: p.result}
	if r.ledger != nil {
		last, err := r.ledger.LastRender(ctx, p.root, engine.RenderStatusSucceeded)
		switch {
		case err == nil:
			check.LastFingerprint = last.Fingerprint
		case !errors.Is(err, stores.ErrNotFound):
			r.logger.Warn().Err(err).Msg("Failed to read the last render from the ledger")
		}
	}

	if d, ok := r.writer.(differ); ok {
		changed, err := d.Diff(filepath.Join(p.root, CISupportDir), p.result.Configs)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		check.Changed = changed
		check.Drifted = len(changed) > 0
	} else {
		check.Drifted = check.LastFingerprint != p.result.Fingerprint
	}

	status := engine.RenderStatusSucceeded
	if check.Drifted {
		status = engine.RenderStatusDrifted
		p.result.CompletedAt = r.now().UTC()
		drift := *p.result
		drift.StaleMigrations = nil
		r.record(ctx, &drift, status, nil)
	}
	r.metrics.RecordRender(status, r.now().Sub(start), p.result)
	telemetry.RecordSuccess(span)

	r.logger.Info().
		Str("feedstock", p.root).
		Bool("drifted", check.Drifted).
		Strs("changed", check.Changed).
		Msg("Check completed")
	return check, nil
}

// newPass reads the forge configuration of the feedstock in dir.
func (r *Renderer) newPass(dir string) (*pass, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, engine.NewInternalError("failed to resolve feedstock directory", err).WithResource(dir)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, engine.NewConfigurationError("feedstock directory does not exist", err).
			WithCode(engine.ErrCodeInvalidConfig).
			WithResource(root)
	}

	cfg, err := r.parser.LoadFeedstock(root)
	if err != nil {
		return nil, err
	}
	return &pass{
		root: root,
		cfg:  cfg,
		result: &engine.Result{
			ID:        r.newID(),
			Feedstock: root,
			StartedAt: r.now().UTC(),
		},
	}, nil
}

// plan resolves the pinning, expands the matrix and runs the policy gate.
func (r *Renderer) plan(ctx context.Context, p *pass) error {
	if err := r.resolve(ctx, p); err != nil {
		return err
	}

	for _, pp := range p.platforms {
		if err := ctx.Err(); err != nil {
			return err
		}
		used := append(pp.Recipe.UsedAxes(), matrix.DefaultNameIgnore...)

		provider := p.cfg.ProviderFor(pp.Platform)
		_, span := r.tracer.StartExpandSpan(ctx, pp.Platform.String())
		configs, err := r.expander.Expand(matrix.Request{
			Inputs: []matrix.Input{{
				Platform:      pp.Platform,
				BuildPlatform: p.cfg.BuildPlatformFor(pp.Platform),
				Provider:      provider,
				Set:           pp.Set,
				MaxNameLength: p.cfg.NameLimitFor(provider),
			}},
			Constraints:   pp.Recipe.Constraints(),
			UsedAxes:      used,
			Noarch:        p.noarch,
			MaxNameLength: p.cfg.MaxNameLength,
		})
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return err
		}
		telemetry.SetAttributes(span, telemetry.AttrConfigCount.Int(len(configs)))
		span.End()
		p.result.Configs = append(p.result.Configs, configs...)
	}

	shorts := make(map[string]string, len(p.result.Configs))
	for _, c := range p.result.Configs {
		if other, ok := shorts[c.ShortName]; ok {
			return engine.NewConfigurationError(
				fmt.Sprintf("configurations %s and %s share the short name %s", other, c.Name, c.ShortName), nil).
				WithCode(engine.ErrCodeNameCollision).
				WithResource(c.ShortName).
				WithOperation("name")
		}
		shorts[c.ShortName] = c.Name
	}

	fp, err := matrix.Fingerprint(p.result.Configs)
	if err != nil {
		return err
	}
	p.result.Fingerprint = fp

	for _, s := range p.stale {
		p.result.StaleMigrations = append(p.result.StaleMigrations, s.Name)
		p.result.Warnings = append(p.result.Warnings, s.Warning())
	}

	checker, err := r.policyFor(ctx, p)
	if err != nil {
		return err
	}
	warnings, err := checker.Check(ctx, p.result)
	for _, w := range warnings {
		name, _, _ := strings.Cut(w.Message, ":")
		r.metrics.RecordPolicyViolation(name, string(policy.SeverityWarning))
	}
	p.result.Warnings = append(p.result.Warnings, warnings...)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			if vs, ok := ee.Details["violations"].([]policy.Violation); ok {
				for _, v := range vs {
					r.metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
				}
			}
		}
		return err
	}
	return nil
}

// resolve loads the recipe and the pinning snapshot and computes the
// effective pinning set of every rendered platform.
func (r *Renderer) resolve(ctx context.Context, p *pass) error {
	recipeDir := p.cfg.RecipeDir
	if !filepath.IsAbs(recipeDir) {
		recipeDir = filepath.Join(p.root, recipeDir)
	}

	platforms, err := r.platforms(p, recipeDir)
	if err != nil {
		return err
	}

	snap, err := r.fetchPinning(ctx, p)
	if err != nil {
		return err
	}
	p.snapshot = snap
	p.result.Pinning = snap.Info()
	if w, ok := snap.Warning(); ok {
		p.result.Warnings = append(p.result.Warnings, w)
	}

	channels := channelSet(p.cfg)
	migrationsDir := filepath.Join(p.root, MigrationsDir)

	var stale [][]pinning.StaleMigration
	for _, pl := range platforms {
		eval := selector.NewEvaluator(pl, p.cfg.BuildPlatformFor(pl), nil)
		rec, err := recipe.Load(recipeDir, eval)
		if err != nil {
			return err
		}
		if rec.Skip {
			r.logger.Debug().Str("platform", pl.String()).Msg("Recipe skips platform")
			continue
		}

		base, err := r.loader.LoadBase(snap.Dir, eval)
		if err != nil {
			return err
		}
		migrations, err := r.loader.LoadMigrations(migrationsDir, snap.MigrationsDir(), eval)
		if err != nil {
			return err
		}
		set, platformStale, err := r.loader.Effective(base, migrations)
		if err != nil {
			return err
		}
		for _, s := range platformStale {
			r.logger.Warn().
				Str("platform", pl.String()).
				Str("migration", s.Name).
				Strs("targets", s.Targets).
				Msg("Skipping stale migration")
		}

		local, err := r.loader.LoadOverride(recipeDir, eval)
		if err != nil {
			return err
		}
		if set, err = pinning.Override(set, local); err != nil {
			return err
		}
		if set, err = pinning.Override(set, channels); err != nil {
			return err
		}

		stale = append(stale, platformStale)
		p.platforms = append(p.platforms, PlatformPinning{
			Platform: pl,
			Recipe:   rec,
			Set:      set,
			Stale:    platformStale,
		})
	}
	p.stale = pinning.StaleEverywhere(stale)
	return nil
}

// platforms returns the platforms to render: the noarch platforms when the
// recipe builds a noarch package, the configured platforms otherwise.
func (r *Renderer) platforms(p *pass, recipeDir string) ([]engine.Platform, error) {
	platforms := p.cfg.PlatformList()
	probe := engine.PlatformLinux64
	if len(platforms) > 0 {
		probe = platforms[0]
	}
	rec, err := recipe.Load(recipeDir, selector.NewEvaluator(probe, p.cfg.BuildPlatformFor(probe), nil))
	if err != nil {
		return nil, err
	}
	if rec.IsNoarch() {
		p.noarch = true
		platforms = p.cfg.NoarchPlatformList()
	}
	return platforms, nil
}

// channelSet turns the channel settings into a pinning set that overrides
// channel_sources and channel_targets.
func channelSet(cfg *config.ForgeConfig) *pinning.Set {
	values := cfg.ChannelValues()
	if len(values) == 0 {
		return nil
	}
	axes := make([]string, 0, len(values))
	for axis := range values {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	set := pinning.NewSet()
	for _, axis := range axes {
		set.Space.Variant.Set(axis, values[axis]...)
	}
	return set
}

// fetchPinning opens the configured pinning source and returns its snapshot.
func (r *Renderer) fetchPinning(ctx context.Context, p *pass) (*pinning.Snapshot, error) {
	uri := p.cfg.Pinning.Source
	if !strings.Contains(uri, "://") && !filepath.IsAbs(uri) {
		uri = filepath.Join(p.root, uri)
	}

	ctx, span := r.tracer.StartPinningSpan(ctx, uri)
	defer span.End()

	source, err := pinning.OpenSource(uri, r.sources)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	lifetime, err := pinning.LifetimeFromEnv()
	if err != nil {
		err = engine.NewConfigurationError("invalid pinning cache lifetime", err).
			WithCode(engine.ErrCodeInvalidConfig).
			WithResource(pinning.LifetimeEnv)
		telemetry.RecordError(span, err)
		return nil, err
	}

	cache := pinning.NewCache(p.cfg.Pinning.CacheDir, source,
		pinning.WithClock(r.now),
		pinning.WithLifetime(lifetime),
		pinning.WithTimeout(p.cfg.Pinning.Timeout),
		pinning.WithLogger(r.logger),
		pinning.WithObserver(r.metrics),
	)
	snap, err := cache.Get(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	outcome := pinning.OutcomeMiss
	switch {
	case snap.Fallback:
		outcome = pinning.OutcomeFallback
	case snap.FromCache:
		outcome = pinning.OutcomeHit
	}
	telemetry.SetAttributes(span, telemetry.AttrCacheOutcome.String(outcome))
	telemetry.RecordSuccess(span)
	return snap, nil
}

// policyFor returns the policy gate of a pass.
func (r *Renderer) policyFor(ctx context.Context, p *pass) (engine.PolicyChecker, error) {
	if r.policy != nil {
		return r.policy, nil
	}
	pe, err := policy.NewEngine(r.logger)
	if err != nil {
		return nil, engine.NewInternalError("failed to create policy engine", err)
	}
	for _, name := range p.cfg.Policy.Disabled {
		if err := pe.DisablePolicy(strings.ReplaceAll(name, "_", "-")); err != nil {
			r.logger.Warn().Str("policy", name).Msg("Ignoring unknown disabled policy")
		}
	}
	if len(p.cfg.Policy.Paths) == 0 {
		return pe, nil
	}

	paths := make([]string, 0, len(p.cfg.Policy.Paths))
	for _, path := range p.cfg.Policy.Paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.root, path)
		}
		paths = append(paths, path)
	}
	if err := pe.LoadPolicies(ctx, paths); err != nil {
		return nil, engine.NewConfigurationError("failed to load policies", err).
			WithCode(engine.ErrCodeInvalidConfig).
			WithOperation("policy")
	}
	return pe, nil
}

// removeStale deletes the local migration files that were stale on every
// platform.
func (r *Renderer) removeStale(p *pass, logger zerolog.Logger) {
	dir := filepath.Join(p.root, MigrationsDir)
	for _, s := range p.stale {
		path := filepath.Join(dir, s.Name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("migration", s.Name).Msg("Failed to remove stale migration")
			continue
		}
		logger.Info().Str("migration", s.Name).Msg("Removed stale migration")
	}
}

// finish records the outcome of a pass in the metrics and the ledger.
func (r *Renderer) finish(ctx context.Context, p *pass, status engine.RenderStatus, err error, start time.Time) {
	p.result.CompletedAt = r.now().UTC()
	if err != nil {
		r.metrics.RecordError(err)
		r.metrics.RecordRender(status, r.now().Sub(start), nil)
		msg := err.Error()
		failed := *p.result
		failed.Configs = nil
		failed.Fingerprint = ""
		failed.StaleMigrations = nil
		r.record(ctx, &failed, status, &msg)
		return
	}
	r.metrics.RecordRender(status, r.now().Sub(start), p.result)
	r.record(ctx, p.result, status, nil)
}

// record writes a pass to the ledger. Ledger failures are logged; they
// never fail a pass whose files are already written.
func (r *Renderer) record(ctx context.Context, result *engine.Result, status engine.RenderStatus, errMsg *string) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.RecordResult(ctx, result, status, errMsg); err != nil {
		r.logger.Error().Err(err).
			Str("render_id", result.ID).
			Msg("Failed to record render in the ledger")
	}
}
