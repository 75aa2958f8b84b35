package pinning

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/selector"
	"github.com/feedstock-tools/smithy/pkg/variant"
)

// RecipeOverrideFiles are the recipe-local pinning files, in lookup order.
var RecipeOverrideFiles = []string{"variants.yaml", BaseFile}

// LoadOverride reads the first recipe-local pinning file found in
// recipeDir. It returns nil when the recipe has none.
func (l *Loader) LoadOverride(recipeDir string, eval *selector.Evaluator) (*Set, error) {
	for _, name := range RecipeOverrideFiles {
		path := filepath.Join(recipeDir, name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, engine.NewInternalError("failed to stat recipe pinning file", err).WithResource(path)
		}

		doc, err := readDocument(name, path, eval)
		if err != nil {
			return nil, err
		}
		set := NewSet()
		set.Space = variant.NewSpace(doc.variant, doc.zipKeys.Normalize())
		set.PinRunAsBuild = doc.pinRunAsBuild
		set.DownPrioritize = doc.downPrioritize
		l.logger.Debug().
			Str("file", path).
			Int("axes", doc.variant.Len()).
			Msg("Loaded recipe pinning override")
		return set, nil
	}
	return nil, nil
}

// Override returns base with every axis local declares replaced by local's
// values. A local zip group replaces the base groups it shares an axis with.
func Override(base, local *Set) (*Set, error) {
	if local == nil {
		return base, nil
	}
	out := base.Clone()
	for _, axis := range local.Variant().Axes() {
		out.Space.Variant.Set(axis, local.Variant().Values(axis)...)
	}

	var zips variant.ZipKeys
	for _, g := range out.Space.ZipKeys {
		replaced := false
		for _, lg := range local.Space.ZipKeys {
			if slices.ContainsFunc(g, func(a string) bool { return slices.Contains(lg, a) }) {
				replaced = true
				break
			}
		}
		if !replaced {
			zips = append(zips, g)
		}
	}
	out.Space.ZipKeys = append(zips, local.Space.ZipKeys.Clone()...).Normalize()

	for axis, opts := range local.PinRunAsBuild {
		out.PinRunAsBuild[axis] = opts
	}
	for axis, weights := range local.DownPrioritize {
		out.DownPrioritize[axis] = weights
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
