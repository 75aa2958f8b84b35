package matrix

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/pinning"
)

// Input is the effective pinning of one platform.
type Input struct {
	Platform      engine.Platform
	BuildPlatform engine.Platform
	Provider      string
	Set           *pinning.Set

	// MaxNameLength overrides Request.MaxNameLength for this platform's
	// provider.
	MaxNameLength int
}

// Request is everything one expansion needs.
type Request struct {
	// Inputs are expanded in order; the output keeps that platform order.
	Inputs []Input

	// Constraints are the recipe's version bounds.
	Constraints []Constraint

	// UsedAxes are the axes the recipe references.
	UsedAxes []string

	// Noarch collapses every platform to a single configuration.
	Noarch bool

	// MaxNameLength defaults to DefaultMaxNameLength.
	MaxNameLength int

	// NameIgnore defaults to DefaultNameIgnore.
	NameIgnore []string
}

// Expander turns effective pinning sets into an ordered configuration list.
type Expander struct {
	logger zerolog.Logger
}

// NewExpander creates an expander.
func NewExpander(logger zerolog.Logger) *Expander {
	return &Expander{logger: logger.With().Str("component", "matrix").Logger()}
}

// Expand runs constrain, expand, score, name and shorten for every input.
// The result is ordered by input platform, then by canonical name. Any
// failure aborts the whole expansion.
func (e *Expander) Expand(req Request) ([]engine.BuildConfig, error) {
	ignore := req.NameIgnore
	if ignore == nil {
		ignore = DefaultNameIgnore
	}

	seen := make(map[engine.Platform]bool, len(req.Inputs))
	var out []engine.BuildConfig
	for _, in := range req.Inputs {
		if seen[in.Platform] {
			return nil, engine.NewConfigurationError(fmt.Sprintf("platform %s listed twice", in.Platform), nil).
				WithCode(engine.ErrCodeInvalidConfig).
				WithResource(in.Platform.String()).
				WithOperation("expand")
		}
		seen[in.Platform] = true

		configs, err := e.expandPlatform(in, req, ignore)
		if err != nil {
			return nil, withPlatform(err, in.Platform)
		}
		out = append(out, configs...)
	}

	names := make(map[string]bool, len(out))
	shorts := make(map[string]bool, len(out))
	for _, c := range out {
		if names[c.Name] || shorts[c.ShortName] {
			return nil, collision(c.Name)
		}
		names[c.Name] = true
		shorts[c.ShortName] = true
	}
	return out, nil
}

func (e *Expander) expandPlatform(in Input, req Request, ignore []string) ([]engine.BuildConfig, error) {
	if in.Set == nil || in.Set.Space == nil {
		return nil, engine.NewInternalError("no pinning set", nil).WithOperation("expand")
	}
	buildPlatform := in.BuildPlatform
	if buildPlatform == "" {
		buildPlatform = in.Platform
	}

	space := in.Set.Space.Clone()
	if err := Constrain(space, req.Constraints); err != nil {
		return nil, err
	}
	restricted, rows, err := Expand(space, req.UsedAxes, in.Platform)
	if err != nil {
		return nil, err
	}

	var zips [][]string
	for _, g := range restricted.ZipKeys {
		zips = append(zips, append([]string(nil), g...))
	}

	configs := make([]engine.BuildConfig, 0, len(rows))
	for _, row := range rows {
		configs = append(configs, engine.BuildConfig{
			Platform:      in.Platform,
			BuildPlatform: buildPlatform,
			Provider:      in.Provider,
			Axes:          row,
			ZipKeys:       zips,
			Priority:      Score(in.Set.Weight, row),
		})
	}

	named, err := NameAndDedupe(in.Platform, configs, req.Noarch, ignore)
	if err != nil {
		return nil, err
	}

	limit := in.MaxNameLength
	if limit <= 0 {
		limit = req.MaxNameLength
	}
	if err := Shorten(named, limit); err != nil {
		return nil, err
	}
	sort.SliceStable(named, func(i, j int) bool { return named[i].Name < named[j].Name })

	e.logger.Debug().
		Str("platform", in.Platform.String()).
		Int("expanded", len(rows)).
		Int("configs", len(named)).
		Msg("Expanded platform")
	return named, nil
}

func withPlatform(err error, p engine.Platform) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		ee.WithDetail("platform", p.String())
	}
	return err
}
