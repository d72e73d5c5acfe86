package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/velocity/internal/config"
	"github.com/jkaninda/velocity/internal/storage"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.Anthropic.APIKey = "sk-test"
	cfg.Providers.Anthropic.ModelOpus = "opus"
	cfg.Integrations.Slack.TeamID = "T1"
	cfg.Proxy.PollIntervalMillis = 250
	return cfg
}

// --- Worker config ---

func TestWorkerConfigAgentDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Integrations.GitHub.Token = "ghp_x"

	wcfg, err := workerConfig(cfg)
	if err != nil {
		t.Fatalf("workerConfig: %v", err)
	}
	if len(wcfg.Interpreter) != 1 || wcfg.Interpreter[0] != "python3" {
		t.Errorf("interpreter = %v", wcfg.Interpreter)
	}
	if wcfg.ScriptPath != "/tmp/sandbox_runner.py" {
		t.Errorf("script path = %q", wcfg.ScriptPath)
	}
	if len(wcfg.Script) == 0 {
		t.Error("runner script is empty")
	}
	if wcfg.Env["ANTHROPIC_API_KEY"] != "sk-test" {
		t.Errorf("creation env = %v", wcfg.Env)
	}
	if got := wcfg.ExecEnv["VELOCITY_PROXY_POLL_MS"]; got != "250" {
		t.Errorf("poll ms = %q", got)
	}
	if got := wcfg.ExecEnv["VELOCITY_PROXY_TIMEOUT_SECONDS"]; got != "30" {
		t.Errorf("proxy timeout = %q", got)
	}
	if wcfg.ExecEnv["GITHUB_TOKEN"] != "ghp_x" {
		t.Error("github token not passed to executions")
	}
	if wcfg.Run.ModelOpus != "opus" || wcfg.Run.SlackTeamID != "T1" {
		t.Errorf("run config = %+v", wcfg.Run)
	}
	if wcfg.MaxHistoryTurns != 40 || wcfg.MaxHistoryTokens != 60000 {
		t.Errorf("history caps = %d/%d", wcfg.MaxHistoryTurns, wcfg.MaxHistoryTokens)
	}
}

func TestWorkerConfigLoopbackDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Sandbox.Provider = "process"
	cfg.Sandbox.Driver = "loopback"

	wcfg, err := workerConfig(cfg)
	if err != nil {
		t.Fatalf("workerConfig: %v", err)
	}
	if len(wcfg.Interpreter) != 1 || wcfg.Interpreter[0] != "sh" {
		t.Errorf("interpreter = %v", wcfg.Interpreter)
	}
	if wcfg.ScriptPath != loopbackScriptPath {
		t.Errorf("script path = %q", wcfg.ScriptPath)
	}
	if !strings.Contains(string(wcfg.Script), " driver ") {
		t.Errorf("loopback script = %q", wcfg.Script)
	}
}

// --- Storage ---

func TestInitStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := testConfig()
	s, err := initStore(cfg, logger)
	if err != nil || s != nil {
		t.Fatalf("no storage section: store = %v, err = %v", s, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "memory"}
	s, err = initStore(cfg, logger)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if s.Driver() != storage.DriverMemory {
		t.Errorf("driver = %s", s.Driver())
	}

	cfg.Storage = &config.StorageConfig{
		Driver: "sqlite",
		SQLite: &config.SQLiteStorageConfig{Path: filepath.Join(t.TempDir(), "h.db")},
	}
	s, err = initStore(cfg, logger)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer s.Close()
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %s", s.Driver())
	}

	cfg.Storage = &config.StorageConfig{Driver: "postgres"}
	if _, err := initStore(cfg, logger); err == nil {
		t.Error("expected error for postgres without DSN")
	}

	cfg.Storage = &config.StorageConfig{Driver: "mongo"}
	if _, err := initStore(cfg, logger); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("VELOCITY_TEST_MS", "150")
	if got := envDuration("VELOCITY_TEST_MS", time.Millisecond); got.Milliseconds() != 150 {
		t.Errorf("envDuration = %s", got)
	}
	t.Setenv("VELOCITY_TEST_MS", "soon")
	if got := envDuration("VELOCITY_TEST_MS", time.Millisecond); got != 0 {
		t.Errorf("invalid value = %s, want 0", got)
	}
}
