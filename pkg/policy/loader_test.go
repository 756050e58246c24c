package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const emptyDeny = "\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "max-levels.rego")
	regoContent := `# Hierarchies deeper than three levels
# rarely pay off.
# severity: info
package site.levels

import rego.v1

deny contains msg if {
	count(input.run.levels) > 3
	msg := "more than three levels"
}
`
	writePolicy(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "max-levels" {
		t.Errorf("Expected name 'max-levels', got '%s'", policy.Name)
	}
	if policy.Description != "Hierarchies deeper than three levels rarely pay off." {
		t.Errorf("unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityInfo {
		t.Errorf("Expected severity info, got %s", policy.Severity)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "json-policy.json")
	policy := Policy{
		Name:        "json-policy",
		Description: "A test policy",
		Rego:        "package test" + emptyDeny,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"test"},
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writePolicy(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != policy.Name || loaded.Description != policy.Description || loaded.Severity != policy.Severity {
		t.Errorf("loaded %+v, want %+v", loaded, policy)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	writePolicy(t, filepath.Join(tmpDir, "policy1.rego"), "package policy1"+emptyDeny)
	writePolicy(t, filepath.Join(tmpDir, "policy2.rego"), "package policy2"+emptyDeny)
	writePolicy(t, filepath.Join(tmpDir, "nested", "policy3.rego"), "package policy3"+emptyDeny)
	writePolicy(t, filepath.Join(tmpDir, "README.md"), "# Policies")
	// Broken files are skipped.
	writePolicy(t, filepath.Join(tmpDir, "broken.json"), "{")

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(loaded) != 3 {
		t.Errorf("Expected 3 policies, got %d", len(loaded))
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	dir1 := filepath.Join(tmpDir, "dir1")
	writePolicy(t, filepath.Join(dir1, "policy1.rego"), "package p1"+emptyDeny)
	file1 := filepath.Join(tmpDir, "policy2.rego")
	writePolicy(t, file1, "package p2"+emptyDeny)

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file1})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "missing")}); err == nil {
		t.Error("expected error for a missing path")
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	bundleFile := filepath.Join(t.TempDir(), "bundle.json")

	bundle := Bundle{
		Name:        "site",
		Version:     "1.0.0",
		Description: "Site limits",
		Policies: []Policy{
			{Name: "p1", Rego: "package p1" + emptyDeny, Severity: SeverityError, Enabled: true},
			{Name: "p2", Rego: "package p2" + emptyDeny, Severity: SeverityWarning, Enabled: true},
		},
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	writePolicy(t, bundleFile, string(data))

	loaded, err := loader.LoadBundle(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if loaded.Name != bundle.Name || loaded.Version != bundle.Version || len(loaded.Policies) != 2 {
		t.Errorf("loaded %+v, want %+v", loaded, bundle)
	}

	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := eng.AddPolicies(context.Background(), loaded.Policies); err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("p2"); err != nil {
		t.Errorf("bundle policy not added: %v", err)
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantDesc     string
		wantSeverity Severity
	}{
		{
			name:         "single line",
			content:      "# Checks ranks\npackage p",
			wantDesc:     "Checks ranks",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "multiple lines with severity",
			content:      "# Checks ranks\n# against the site limit\n# severity: critical\npackage p",
			wantDesc:     "Checks ranks against the site limit",
			wantSeverity: SeverityCritical,
		},
		{
			name:         "unknown severity is ignored",
			content:      "# severity: fatal\n# Checks\npackage p",
			wantDesc:     "Checks",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "no comments",
			content:      "package p\n\ndeny contains 1 if { false }",
			wantDesc:     "",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "stops at code",
			content:      "# Header\npackage p\n# later comment",
			wantDesc:     "Header",
			wantSeverity: SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := parseHeader(tt.content)
			if desc != tt.wantDesc {
				t.Errorf("description = %q, want %q", desc, tt.wantDesc)
			}
			if sev != tt.wantSeverity {
				t.Errorf("severity = %q, want %q", sev, tt.wantSeverity)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "cached.rego")
	writePolicy(t, policyFile, "package cached"+emptyDeny)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cached policy, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected empty cache, got %d entries", len(loader.cache))
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unsupported type", file: "policy.txt", content: "package p"},
		{name: "invalid JSON", file: "policy.json", content: "{ invalid"},
		{name: "JSON without name", file: "nameless.json", content: `{"rego": "package p"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writePolicy(t, path, tt.content)
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := loader.loadFromPath(context.Background(), filepath.Join(dir, "missing.rego")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestWatchFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "run.yaml")
	writePolicy(t, target, "ranks: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- WatchFiles(ctx, zerolog.Nop(), []string{target},
			func(name string) bool { return strings.HasSuffix(name, ".yaml") },
			func(name string) { changed <- name })
	}()

	// The watcher may not be registered yet; keep writing until it reports.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for got := ""; got == ""; {
		select {
		case got = <-changed:
			if filepath.Base(got) != "run.yaml" {
				t.Errorf("changed = %s, want run.yaml", got)
			}
		case <-tick.C:
			writePolicy(t, target, "ranks: 2\n")
			writePolicy(t, filepath.Join(dir, "notes.txt"), "ignored")
		case <-deadline:
			t.Fatal("no change reported")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WatchFiles() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WatchFiles did not return after cancel")
	}
}
