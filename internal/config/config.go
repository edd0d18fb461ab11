// Package config loads server configuration from an optional YAML file
// with environment variable overrides on top. Environment wins so
// deployments can tweak a shared file without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Backend selects the shared state store implementation.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Config is the full server configuration.
type Config struct {
	Addr     string         `yaml:"addr"`
	LogLevel string         `yaml:"log_level"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Game     GameConfig     `yaml:"game"`
}

// StoreConfig selects and configures the shared state backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	NATSURL string `yaml:"nats_url"`
	Bucket  string `yaml:"bucket"`
}

// DatabaseConfig holds Postgres connection settings for the results
// archive. Archiving is skipped entirely when Enabled is false.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// GameConfig holds per-game policy.
type GameConfig struct {
	// MinPlayers blocks starting a game until this many players joined.
	MinPlayers int `yaml:"min_players"`
	// HeartbeatSeconds is the host liveness refresh interval.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Store: StoreConfig{
			Backend: BackendMemory,
			NATSURL: "nats://localhost:4222",
			Bucket:  "quizwire",
		},
		Database: DatabaseConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "quizwire",
			SSLMode:  "disable",
		},
		Game: GameConfig{
			MinPlayers:       0,
			HeartbeatSeconds: 5,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty or the file does not exist), then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.NATSURL = getEnv("NATS_URL", cfg.Store.NATSURL)
	cfg.Store.Bucket = getEnv("STORE_BUCKET", cfg.Store.Bucket)

	cfg.Database.Enabled = getEnvBool("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Game.MinPlayers = getEnvInt("MIN_PLAYERS", cfg.Game.MinPlayers)
	cfg.Game.HeartbeatSeconds = getEnvInt("HEARTBEAT_SECONDS", cfg.Game.HeartbeatSeconds)
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendNATS:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendNATS && c.Store.NATSURL == "" {
		return fmt.Errorf("nats backend requires a nats url")
	}
	if c.Game.MinPlayers < 0 {
		return fmt.Errorf("min_players must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
