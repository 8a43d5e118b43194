package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: primary
    base_url: https://api.example.com/v1
    api_key: sk-test
    model: gpt-test
embedding:
  name: embed
  api_key: sk-embed
  model: text-embedding-3-small
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DebounceWaitMs != 1500 {
		t.Fatalf("expected default debounce wait, got %d", cfg.DebounceWaitMs)
	}
	if cfg.GatewayMaxConcurrent != 15 {
		t.Fatalf("expected default max concurrent, got %d", cfg.GatewayMaxConcurrent)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("expected default data dir, got %s", cfg.DataDir)
	}
}

func TestLoadFailsWithoutProviderAPIKey(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: primary
    base_url: https://api.example.com/v1
    model: gpt-test
embedding:
  name: embed
  api_key: sk-embed
  model: text-embedding-3-small
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing api key")
	}
}

func TestEnvOverridesProviderAPIKey(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: primary
    base_url: https://api.example.com/v1
    model: gpt-test
embedding:
  name: embed
  api_key: sk-embed
  model: text-embedding-3-small
`)
	t.Setenv("ANIMA_PROVIDER_primary_API_KEY", "sk-from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers[0].APIKey != "sk-from-env" {
		t.Fatalf("expected env override, got %q", cfg.Providers[0].APIKey)
	}
}
