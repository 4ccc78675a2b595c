package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "freeze.rego")

	if err := os.WriteFile(policyFile, []byte(freezeRego), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "freeze" {
		t.Errorf("Expected name 'freeze', got '%s'", policy.Name)
	}
	if policy.Rego != freezeRego {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Shard 0 is frozen." {
		t.Errorf("description = %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError || policy.Source != policyFile {
		t.Errorf("unexpected defaults: %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "freeze.json")

	data, err := json.Marshal(Policy{Name: "freeze-json", Rego: freezeRego, Enabled: true, Builtin: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policyFile, data, 0644); err != nil {
		t.Fatal(err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "freeze-json" || policy.Severity != SeverityError {
		t.Errorf("policy = %+v", policy)
	}
	if policy.Builtin {
		t.Error("file policies are never builtin")
	}
}

func TestLoadFromFile_JSONWithoutName(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "anon.json")
	if err := os.WriteFile(policyFile, []byte(`{"rego": "package x"}`), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("expected error for unnamed policy")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	files := map[string]string{
		filepath.Join(dir, "a.rego"):      freezeRego,
		filepath.Join(nested, "b.rego"):   freezeRego,
		filepath.Join(dir, "broken.json"): "{not json",
		filepath.Join(dir, "README.md"):   "ignored",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("loaded %d policies, want 2", len(policies))
	}

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())
	loader.reloadDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(freezeRego), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Name != "freeze" {
			t.Errorf("reloaded %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after writing a policy file")
	}
}
