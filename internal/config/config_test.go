package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Outbox.BaseDelay = Duration{250 * time.Millisecond}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Outbox.BaseDelay.Duration != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 250ms", loaded.Outbox.BaseDelay)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[backend]
url = "https://example.test"
timeout = "3s"

[outbox]
max_attempts = 5
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Kind != BackendREST {
		t.Errorf("Backend.Kind = %q, want rest", cfg.Backend.Kind)
	}
	if cfg.Backend.Timeout.Duration != 3*time.Second {
		t.Errorf("Backend.Timeout = %v, want 3s", cfg.Backend.Timeout)
	}
	if cfg.Outbox.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Outbox.MaxAttempts)
	}
	if cfg.Outbox.BaseDelay.Duration != time.Second {
		t.Errorf("BaseDelay = %v, want 1s", cfg.Outbox.BaseDelay)
	}
	if got := cfg.RealtimeURL(); got != "https://example.test/realtime/v1/websocket" {
		t.Errorf("RealtimeURL() = %q", got)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[outbox]\nbase_delay = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration")
	}
}

func TestLoadWithEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte(EnvAnonKey+"=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvAnonKey, "")
	t.Setenv(EnvDatabaseURL, "postgres://env")
	// godotenv does not override variables that are already set.
	if err := os.Unsetenv(EnvAnonKey); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithEnv(filepath.Join(dir, "missing.toml"), envFile, filepath.Join(dir, "absent.env"))
	if err != nil {
		t.Fatalf("LoadWithEnv() error = %v", err)
	}
	if cfg.Backend.AnonKey != "from-dotenv" {
		t.Errorf("AnonKey = %q, want from-dotenv", cfg.Backend.AnonKey)
	}
	if cfg.Backend.DatabaseURL != "postgres://env" {
		t.Errorf("DatabaseURL = %q, want postgres://env", cfg.Backend.DatabaseURL)
	}
	if cfg.DefaultSession != "main" {
		t.Errorf("DefaultSession = %q, want main", cfg.DefaultSession)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"rest ok", func(c *Config) {}, false},
		{"rest without url", func(c *Config) { c.Backend.URL = "" }, true},
		{"rest without key", func(c *Config) { c.Backend.AnonKey = "" }, true},
		{"postgres ok", func(c *Config) { c.Backend.Kind = BackendPostgres; c.Backend.DatabaseURL = "postgres://x" }, false},
		{"postgres without url", func(c *Config) { c.Backend.Kind = BackendPostgres }, true},
		{"unknown kind", func(c *Config) { c.Backend.Kind = "grpc" }, true},
		{"no identity", func(c *Config) { c.Identity.UserID = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Backend.URL = "https://example.test"
			cfg.Backend.AnonKey = "anon"
			cfg.Identity.UserID = "user-1"
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
