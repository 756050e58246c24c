package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loader reads policies from .rego and .json files. Parsed files are
// cached by path until ClearCache.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Policy
}

// NewLoader returns a loader with an empty cache.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  map[string]*Policy{},
	}
}

// LoadFromPaths loads every policy file named by paths. A directory
// contributes the policy files below it.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, p := range paths {
		policies, err := l.loadFromPath(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("policies from %s: %w", p, err)
		}
		out = append(out, policies...)
	}
	l.logger.Debug().Int("total", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

func (l *Loader) loadFromPath(ctx context.Context, p string) ([]Policy, error) {
	info, err := os.Stat(p)
	switch {
	case err != nil:
		return nil, err
	case info.IsDir():
		return l.loadFromDirectory(ctx, p)
	}
	pol, err := l.loadFromFile(ctx, p)
	if err != nil {
		return nil, err
	}
	return []Policy{*pol}, nil
}

// loadFromDirectory walks dir. A policy file that does not parse is logged
// and left out.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var out []Policy
	walk := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(p) {
			return nil
		}
		pol, err := l.loadFromFile(ctx, p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Skipping policy file")
			return nil
		}
		out = append(out, *pol)
		return nil
	}
	if err := filepath.WalkDir(dir, walk); err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return out, nil
}

func isPolicyFile(p string) bool {
	switch filepath.Ext(p) {
	case ".rego", ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(_ context.Context, p string) (*Policy, error) {
	l.mu.RLock()
	pol, ok := l.cache[p]
	l.mu.RUnlock()
	if ok {
		return pol, nil
	}

	if !isPolicyFile(p) {
		return nil, fmt.Errorf("%s is neither .rego nor .json", p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(p) == ".rego" {
		pol = regoPolicy(p, data)
	} else if pol, err = jsonPolicy(data); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}

	l.mu.Lock()
	l.cache[p] = pol
	l.mu.Unlock()
	l.logger.Debug().Str("path", p).Str("policy", pol.Name).Msg("Policy parsed")
	return pol, nil
}

// regoPolicy names the policy after its file. The leading comment block
// is its description; a "# severity: <level>" line in it sets the
// severity.
func regoPolicy(p string, data []byte) *Policy {
	src := string(data)
	desc, sev := parseHeader(src)
	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(p), ".rego"),
		Description: desc,
		Rego:        src,
		Severity:    sev,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{"source": p},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func jsonPolicy(data []byte) (*Policy, error) {
	pol := &Policy{}
	if err := json.Unmarshal(data, pol); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if pol.Name == "" {
		return nil, errors.New("policy has no name")
	}
	if pol.Severity == "" {
		pol.Severity = SeverityWarning
	}
	now := time.Now()
	if pol.CreatedAt.IsZero() {
		pol.CreatedAt = now
	}
	if pol.UpdatedAt.IsZero() {
		pol.UpdatedAt = now
	}
	return pol, nil
}

// parseHeader returns the description and severity found in the comment
// lines before the first line of code.
func parseHeader(src string) (string, Severity) {
	sev := SeverityWarning
	var words []string
	for line := range strings.Lines(src) {
		line = strings.TrimSpace(line)
		text, comment := strings.CutPrefix(line, "#")
		if !comment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		text = strings.TrimSpace(text)
		if level, ok := strings.CutPrefix(text, "severity:"); ok {
			if s := Severity(strings.TrimSpace(level)); s.valid() {
				sev = s
			}
			continue
		}
		if text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " "), sev
}

// LoadBundle reads a JSON bundle of policies.
func (l *Loader) LoadBundle(_ context.Context, p string) (*Bundle, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	b := &Bundle{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", p, err)
	}
	l.logger.Info().
		Str("bundle", b.Name).
		Str("version", b.Version).
		Int("policies", len(b.Policies)).
		Msg("Bundle loaded")
	return b, nil
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	clear(l.cache)
	l.mu.Unlock()
}
