package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads custom policies from a feedstock's policy paths.
//
// A path is either a policy file or a directory that is searched
// recursively. Supported files are:
//
//   - *.rego: a single policy named after the file, severity error
//   - *.json: a Policy document, or a PolicyBundle with a "policies" list
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads the policies below paths, in path order and, within a
// directory, in lexical file order. A missing path is an error; a broken
// file inside a directory is skipped with a warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}

		if !info.IsDir() {
			loaded, err := l.loadFromFile(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("policy path %s: %w", path, err)
			}
			out = append(out, loaded...)
			continue
		}

		loaded, err := l.loadFromDirectory(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}
		out = append(out, loaded...)
	}

	l.logger.Debug().
		Int("policies", len(out)).
		Strs("paths", paths).
		Msg("Custom policies loaded")
	return out, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Policy
	for _, file := range files {
		loaded, err := l.loadFromFile(ctx, file)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
			continue
		}
		out = append(out, loaded...)
	}
	return out, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(ctx context.Context, path string) ([]Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch filepath.Ext(path) {
	case ".rego":
		return []Policy{regoPolicy(path, string(data))}, nil
	case ".json":
		return l.decodeJSON(data)
	default:
		return nil, fmt.Errorf("%s is neither a .rego nor a .json policy", filepath.Base(path))
	}
}

func regoPolicy(path, src string) Policy {
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(src),
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"custom"},
		Metadata:    map[string]interface{}{"source": path},
	}
}

// decodeJSON accepts either a single Policy or a PolicyBundle.
func (l *Loader) decodeJSON(data []byte) ([]Policy, error) {
	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("invalid policy document: %w", err)
	}

	policies := bundle.Policies
	if policies == nil {
		var single Policy
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("invalid policy document: %w", err)
		}
		policies = []Policy{single}
	} else {
		l.logger.Debug().
			Str("bundle", bundle.Name).
			Str("version", bundle.Version).
			Int("policies", len(policies)).
			Msg("Policy bundle decoded")
	}

	for i := range policies {
		if policies[i].Name == "" {
			return nil, fmt.Errorf("policy %d has no name", i)
		}
		if policies[i].Severity == "" {
			policies[i].Severity = SeverityError
		}
	}
	return policies, nil
}

// leadingComment joins the comment lines at the top of a Rego module.
func leadingComment(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line == "" && len(words) == 0 {
				continue
			}
			break
		}
		if text := strings.TrimSpace(strings.TrimPrefix(line, "#")); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}
