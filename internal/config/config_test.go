package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Bus.Backend != "memory" {
		t.Errorf("expected default backend memory, got %s", cfg.Bus.Backend)
	}
	if cfg.Bus.NATSPort != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.Bus.NATSPort)
	}
	if cfg.Coordinator.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", cfg.Coordinator.MaxRetries)
	}
	if cfg.Coordinator.RetryBackoff != 5*time.Second {
		t.Errorf("expected retry_backoff 5s, got %v", cfg.Coordinator.RetryBackoff)
	}
	if cfg.Coordinator.SupervisorRole != "project_manager" {
		t.Errorf("expected supervisor_role project_manager, got %s", cfg.Coordinator.SupervisorRole)
	}
	if cfg.Agent.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected heartbeat_interval 10s, got %v", cfg.Agent.HeartbeatInterval)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/agora.db" {
		t.Errorf("expected store path data/agora.db, got %s", cfg.Store.Path)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("AGORA_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("AGORA_BUS_BACKEND", "redis")
	t.Setenv("AGORA_REDIS_URL", "redis://example:6379/2")
	t.Setenv("AGORA_WEB_PORT", "9090")
	t.Setenv("AGORA_SUPERVISOR_ROLE", "lead")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Bus.Backend != "redis" {
		t.Errorf("expected backend redis, got %s", cfg.Bus.Backend)
	}
	if cfg.Bus.RedisURL != "redis://example:6379/2" {
		t.Errorf("expected redis url override, got %s", cfg.Bus.RedisURL)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Coordinator.SupervisorRole != "lead" {
		t.Errorf("expected supervisor_role lead, got %s", cfg.Coordinator.SupervisorRole)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agora.yaml")
	content := `
bus:
  backend: nats
  nats_port: 14222
coordinator:
  max_retries: 5
  retry_backoff: 2s
  auto_recruit: true
agent:
  heartbeat_interval: 3s
web:
  enabled: false
pool:
  - class: developer
    count: 2
  - class: tester
    count: 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGORA_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Bus.Backend != "nats" {
		t.Errorf("expected backend nats, got %s", cfg.Bus.Backend)
	}
	if cfg.Bus.NATSPort != 14222 {
		t.Errorf("expected nats port 14222, got %d", cfg.Bus.NATSPort)
	}
	if cfg.Coordinator.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.Coordinator.MaxRetries)
	}
	if cfg.Coordinator.RetryBackoff != 2*time.Second {
		t.Errorf("expected retry_backoff 2s, got %v", cfg.Coordinator.RetryBackoff)
	}
	if !cfg.Coordinator.AutoRecruit {
		t.Error("expected auto_recruit true")
	}
	if cfg.Agent.HeartbeatInterval != 3*time.Second {
		t.Errorf("expected heartbeat_interval 3s, got %v", cfg.Agent.HeartbeatInterval)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	if len(cfg.Pool) != 2 || cfg.Pool[0].Class != "developer" || cfg.Pool[0].Count != 2 {
		t.Errorf("unexpected pool: %+v", cfg.Pool)
	}

	// Defaults survive partial files.
	if cfg.Store.Path != "data/agora.db" {
		t.Errorf("expected default store path, got %s", cfg.Store.Path)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agora.yaml")
	content := `
store:
  path: ${AGORA_TEST_HOME}/agora.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGORA_CONFIG", path)
	t.Setenv("AGORA_TEST_HOME", "/srv/agora")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Path != "/srv/agora/agora.db" {
		t.Errorf("expected expanded store path, got %s", cfg.Store.Path)
	}
}
