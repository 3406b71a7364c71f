package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: "9090"
  max_input_chars: 1000
providers:
  - name: primary
    kind: openaifm
    endpoint: http://localhost:7000
    weight: 3
    formats: [mp3, wav]
  - name: backup
    kind: openai
    api_key_env: TEST_OPENAI_KEY
    weight: 1
router:
  retry_budget: 2
  attempt_timeout: 15s
rate_limit:
  global:
    capacity: 100
    refill_per_minute: 100
  tenant_default:
    capacity: 10
    refill_per_minute: 10
circuit_breaker:
  failure_threshold: 5
  window: 20s
  cooldown: 45s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Server.MaxInputChars != 1000 {
		t.Errorf("max_input_chars = %d, want 1000", cfg.Server.MaxInputChars)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	if cfg.Router.RetryBudget != 2 {
		t.Errorf("retry_budget = %d, want 2", cfg.Router.RetryBudget)
	}
	if cfg.Router.AttemptTimeout.Std() != 15*time.Second {
		t.Errorf("attempt_timeout = %v, want 15s", cfg.Router.AttemptTimeout.Std())
	}
	if cfg.Breaker.Cooldown.Std() != 45*time.Second {
		t.Errorf("cooldown = %v, want 45s", cfg.Breaker.Cooldown.Std())
	}

	settings, err := cfg.Providers[1].Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if settings.APIKey != "sk-test" {
		t.Errorf("api key not resolved from env, got %q", settings.APIKey)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: solo
    kind: openaifm
    endpoint: http://localhost:7000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.MaxInputChars != DefaultMaxInputChars {
		t.Errorf("max_input_chars default = %d, want %d", cfg.Server.MaxInputChars, DefaultMaxInputChars)
	}
	if cfg.Router.RetryBudget != 1 {
		t.Errorf("retry_budget default = %d, want 1", cfg.Router.RetryBudget)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("failure_threshold default = %d, want 5", cfg.Breaker.FailureThreshold)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no providers": `server: {port: "8080"}`,
		"duplicate names": `
providers:
  - {name: a, kind: openaifm}
  - {name: a, kind: openai}
`,
		"bad format": `
providers:
  - name: a
    kind: openaifm
    formats: [ogg]
`,
		"missing kind": `
providers:
  - name: a
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStore_ReloadSwapsSnapshot(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	first := store.Current()
	if first.Version != 1 {
		t.Errorf("initial version = %d, want 1", first.Version)
	}

	var notified *Snapshot
	store.Subscribe(func(s *Snapshot) { notified = s })

	updated := sampleConfig + "\n" // touch content
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	second := store.Current()
	if second.Version != 2 {
		t.Errorf("reloaded version = %d, want 2", second.Version)
	}
	if notified == nil || notified.Version != 2 {
		t.Error("subscriber not notified with new snapshot")
	}
	// The first snapshot is immutable and still readable.
	if first.Config.Server.Port != "9090" {
		t.Error("old snapshot mutated by reload")
	}
}

func TestStore_RejectedReloadKeepsCurrent(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("providers: []"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload rejection for invalid config")
	}
	if store.Current().Version != 1 {
		t.Error("rejected reload must not advance the snapshot")
	}
}
