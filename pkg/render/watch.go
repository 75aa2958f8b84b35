package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/feedstock-tools/smithy/pkg/config"
	"github.com/feedstock-tools/smithy/pkg/engine"
)

// WatchDebounce is how long Watch waits for changes to settle.
var WatchDebounce = 500 * time.Millisecond

// Watch renders the feedstock in dir, then renders it again whenever the
// forge configuration, the recipe, the local migrations, a local pinning
// directory or a policy path change. Every pass is reported to onPass. Passes run one at a
// time; the watcher is rebuilt after each pass so that the pass's own
// writes do not trigger another one. Watch returns when ctx is done.
func (r *Renderer) Watch(ctx context.Context, dir string, onPass func(*engine.Result, error)) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve feedstock directory: %w", err)
	}

	for {
		onPass(r.Render(ctx, root))

		changed, err := r.waitForChange(ctx, root)
		if err != nil {
			return err
		}
		if changed == "" {
			return nil
		}
		r.logger.Info().Str("file", changed).Msg("Feedstock changed, rendering")
	}
}

// waitForChange blocks until a watched input changes and returns its path.
// It returns "" when ctx is done.
func (r *Renderer) waitForChange(ctx context.Context, root string) (string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := r.watchedDirs(root)
	for _, d := range dirs {
		if err := watcher.Add(d); err != nil {
			r.logger.Warn().Err(err).Str("path", d).Msg("Failed to watch directory")
		}
	}
	r.logger.Debug().Strs("paths", dirs).Msg("Watching feedstock")

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending string
	)
	for {
		select {
		case <-ctx.Done():
			return "", nil

		case event, ok := <-watcher.Events:
			if !ok {
				return "", nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !relevant(root, event.Name) {
				continue
			}
			pending = event.Name
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(WatchDebounce)
			fire = timer.C

		case <-fire:
			return pending, nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return "", nil
			}
			r.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchedDirs lists the directories whose changes trigger a render.
func (r *Renderer) watchedDirs(root string) []string {
	dirs := []string{root, filepath.Join(root, MigrationsDir)}

	cfg, err := r.parser.LoadFeedstock(root)
	if err != nil {
		return existing(append(dirs, filepath.Join(root, "recipe")))
	}
	recipeDir := cfg.RecipeDir
	if !filepath.IsAbs(recipeDir) {
		recipeDir = filepath.Join(root, recipeDir)
	}
	dirs = append(dirs, recipeDir)

	if src := cfg.Pinning.Source; !strings.Contains(src, "://") {
		if !filepath.IsAbs(src) {
			src = filepath.Join(root, src)
		}
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			dirs = append(dirs, src, filepath.Join(src, "pins"))
		}
	}

	for _, path := range cfg.Policy.Paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			path = filepath.Dir(path)
		}
		dirs = append(dirs, path)
	}
	return existing(dirs)
}

func existing(dirs []string) []string {
	var out []string
	for _, d := range dirs {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			out = append(out, d)
		}
	}
	return out
}

// relevant filters out events in the feedstock root other than the forge
// configuration and policies, such as editor swap files and the variant
// file swap.
func relevant(root, path string) bool {
	if filepath.Dir(path) != root {
		return true
	}
	return filepath.Base(path) == config.FileName || filepath.Ext(path) == ".rego"
}
