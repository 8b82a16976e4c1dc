package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override secrets from config.toml.
const (
	EnvAnonKey     = "CONVSYNC_ANON_KEY"
	EnvAccessToken = "CONVSYNC_ACCESS_TOKEN"
	EnvDatabaseURL = "CONVSYNC_DATABASE_URL"
)

// Backend kinds.
const (
	BackendREST     = "rest"
	BackendPostgres = "postgres"
)

// Duration is a time.Duration written as a string ("1s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	Backend        Backend  `toml:"backend"`
	Identity       Identity `toml:"identity"`
	Realtime       Realtime `toml:"realtime"`
	Sync           Sync     `toml:"sync"`
	Outbox         Outbox   `toml:"outbox"`
}

// Backend selects and configures the remote data store.
type Backend struct {
	Kind        string   `toml:"kind"`
	URL         string   `toml:"url"`
	AnonKey     string   `toml:"anon_key,omitempty"`
	AccessToken string   `toml:"access_token,omitempty"`
	DatabaseURL string   `toml:"database_url,omitempty"`
	Schema      string   `toml:"schema,omitempty"`
	Timeout     Duration `toml:"timeout"`
}

// Identity is the signed-in user the daemon acts for.
type Identity struct {
	UserID   string `toml:"user_id"`
	TenantID string `toml:"tenant_id,omitempty"`
	FullName string `toml:"full_name,omitempty"`
}

// Realtime configures the change feed. An empty URL is derived from the
// backend URL.
type Realtime struct {
	URL       string   `toml:"url,omitempty"`
	Heartbeat Duration `toml:"heartbeat"`
}

// Sync tunes fetching and merging.
type Sync struct {
	RecentMessages   int      `toml:"recent_messages"`
	SimilarityWindow Duration `toml:"similarity_window"`
	CacheTTL         Duration `toml:"cache_ttl"`
}

// Outbox tunes send retries.
type Outbox struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
}

// Default returns the configuration used for missing keys.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Backend: Backend{
			Kind:    BackendREST,
			Schema:  "public",
			Timeout: Duration{15 * time.Second},
		},
		Realtime: Realtime{Heartbeat: Duration{30 * time.Second}},
		Sync: Sync{
			RecentMessages:   20,
			SimilarityWindow: Duration{10 * time.Second},
			CacheTTL:         Duration{5 * time.Minute},
		},
		Outbox: Outbox{MaxAttempts: 3, BaseDelay: Duration{time.Second}},
	}
}

// Load reads config from the given path on top of Default. Returns nil
// and an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv reads path when it exists, loads any of the given .env files
// that exist and applies the environment overrides. A missing config file
// yields the defaults.
func LoadWithEnv(path string, envFiles ...string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var present []string
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) > 0 {
		if err := godotenv.Load(present...); err != nil {
			return nil, fmt.Errorf("load env: %w", err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides secrets with non-empty environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAnonKey); v != "" {
		c.Backend.AnonKey = v
	}
	if v := os.Getenv(EnvAccessToken); v != "" {
		c.Backend.AccessToken = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Backend.DatabaseURL = v
	}
}

// Validate checks that the daemon can start with c.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendREST:
		if c.Backend.URL == "" {
			return errors.New("backend.url is required for the rest backend")
		}
		if c.Backend.AnonKey == "" {
			return fmt.Errorf("backend.anon_key or %s is required", EnvAnonKey)
		}
	case BackendPostgres:
		if c.Backend.DatabaseURL == "" {
			return fmt.Errorf("backend.database_url or %s is required", EnvDatabaseURL)
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Identity.UserID == "" {
		return errors.New("identity.user_id is required")
	}
	return nil
}

// RealtimeURL returns the change feed endpoint, or "" when there is none.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	if c.Backend.URL == "" {
		return ""
	}
	return strings.TrimRight(c.Backend.URL, "/") + "/realtime/v1/websocket"
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
