package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("addr = %s, want :8080", cfg.Addr)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("backend = %s, want memory", cfg.Store.Backend)
	}
	if cfg.Database.Enabled {
		t.Error("archive database enabled by default")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Game.HeartbeatSeconds != 5 {
		t.Errorf("heartbeat = %d, want default 5", cfg.Game.HeartbeatSeconds)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
addr: ":9000"
store:
  backend: nats
  nats_url: nats://example:4222
game:
  min_players: 2
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("addr = %s, want :9000", cfg.Addr)
	}
	if cfg.Store.Backend != BackendNATS || cfg.Store.NATSURL != "nats://example:4222" {
		t.Errorf("store = %+v, want nats backend", cfg.Store)
	}
	if cfg.Game.MinPlayers != 2 {
		t.Errorf("min_players = %d, want 2", cfg.Game.MinPlayers)
	}
	// Untouched keys keep their defaults.
	if cfg.Database.Port != 5432 {
		t.Errorf("db port = %d, want default 5432", cfg.Database.Port)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ADDR", ":7000")
	t.Setenv("MIN_PLAYERS", "3")
	t.Setenv("DB_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("addr = %s, env must win over file", cfg.Addr)
	}
	if cfg.Game.MinPlayers != 3 {
		t.Errorf("min_players = %d, want 3", cfg.Game.MinPlayers)
	}
	if !cfg.Database.Enabled {
		t.Error("DB_ENABLED=true ignored")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	if _, err := Load(""); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "quizwire", SSLMode: "disable"}
	want := "postgres://u:p@db:5433/quizwire?sslmode=disable"
	if got := c.DSN(); got != want {
		t.Fatalf("DSN = %s, want %s", got, want)
	}
}
