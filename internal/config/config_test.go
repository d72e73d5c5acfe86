package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseYAMLDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	data := []byte(`
providers:
  anthropic:
    api_key: sk-test
    model_opus: opus
sandbox:
  memory: 512m
`)
	cfg, err := Parse(data, ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Sandbox.SandboxProvider(); got != "docker" {
		t.Errorf("provider = %q, want docker", got)
	}
	mem, err := cfg.Sandbox.MemoryBytes()
	if err != nil {
		t.Fatalf("MemoryBytes: %v", err)
	}
	if mem != 512*1024*1024 {
		t.Errorf("memory = %d, want %d", mem, 512*1024*1024)
	}
	if got := cfg.Sandbox.ExecTimeout(); got != 600*time.Second {
		t.Errorf("exec timeout = %s", got)
	}
	if got := cfg.Worker.StopGrace(); got != 15*time.Second {
		t.Errorf("stop grace = %s", got)
	}
	if got := cfg.Proxy.Dir(); got != "/tmp" {
		t.Errorf("response dir = %q", got)
	}
	if got := cfg.Sandbox.Setup(); len(got) != 1 {
		t.Errorf("setup commands = %v, want default", got)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("LINEAR_API_KEY", "")

	cfg, err := Parse([]byte(`{"providers":{"anthropic":{"api_key":"sk-file"}}}`), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-env" {
		t.Errorf("api key = %q, want env value", cfg.Providers.Anthropic.APIKey)
	}

	env := cfg.SandboxEnv()
	if env["SLACK_BOT_TOKEN"] != "xoxb-env" {
		t.Errorf("sandbox env missing slack token: %v", env)
	}
	if _, ok := env["LINEAR_API_KEY"]; ok {
		t.Error("unconfigured linear key should not be injected")
	}
}

func TestParseValidation(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("VELOCITY_DB_DSN", "")

	tests := []struct {
		name string
		yaml string
	}{
		{"missing api key", `sandbox: {provider: docker}`},
		{"bad provider", "providers: {anthropic: {api_key: k}}\nsandbox: {provider: vm}"},
		{"bad memory", "providers: {anthropic: {api_key: k}}\nsandbox: {memory: lots}"},
		{"stop after delete", "providers: {anthropic: {api_key: k}}\nsandbox: {auto_stop_minutes: 30, auto_delete_minutes: 10}"},
		{"postgres without dsn", "providers: {anthropic: {api_key: k}}\nstorage: {driver: postgres}"},
		{"loopback on docker", "providers: {anthropic: {api_key: k}}\nsandbox: {driver: loopback}"},
		{"unknown driver", "providers: {anthropic: {api_key: k}}\nsandbox: {provider: process, driver: shell}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml), ".yml"); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "velocity.json")
	body := `{"providers":{"anthropic":{"api_key":"k"}},"data_dir":"` + dir + `"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.DatabasePath(), filepath.Join(dir, "velocity.db"); got != want {
		t.Errorf("DatabasePath = %q, want %q", got, want)
	}
}
