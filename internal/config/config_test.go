package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Agent.RebillCron != "* * * * *" {
		t.Fatalf("cron = %q", cfg.Agent.RebillCron)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("dsn = %q, want empty", cfg.Database.DSN)
	}
	if cfg.Redis.TTL != 30*time.Second {
		t.Fatalf("ttl = %v", cfg.Redis.TTL)
	}
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  address: ":9090"
agent:
  program_id: custom-program
  runner_enabled: true
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Agent.ProgramID != "custom-program" || !cfg.Agent.RunnerEnabled {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Fatalf("read timeout = %v", cfg.Server.ReadTimeout)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":9090\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SERVER_ADDRESS", ":7070")
	t.Setenv("DATABASE_DSN", "postgres://env/agent")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Database.DSN != "postgres://env/agent" {
		t.Fatalf("dsn = %q", cfg.Database.DSN)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed file accepted")
	}
}
