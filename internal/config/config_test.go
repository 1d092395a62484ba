package config

import (
	"strings"
	"testing"
	"time"
)

// setBaseEnv provides the minimum environment Load needs to succeed.
func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/cases")
	t.Setenv("SECURITY_API_KEYS", "test-key")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Import.ChunkSize != 50 {
		t.Errorf("Import.ChunkSize = %d, want 50", cfg.Import.ChunkSize)
	}
	if cfg.Import.MaxAttempts != 3 {
		t.Errorf("Import.MaxAttempts = %d, want 3", cfg.Import.MaxAttempts)
	}
	if cfg.Import.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("Import.RetryBaseDelay = %v, want 500ms", cfg.Import.RetryBaseDelay)
	}
	if cfg.Import.ChunkPause != 200*time.Millisecond {
		t.Errorf("Import.ChunkPause = %v, want 200ms", cfg.Import.ChunkPause)
	}
	if !cfg.Rate.Enabled {
		t.Error("Rate.Enabled = false, want true")
	}
	if cfg.Session.MaxAge != 2*time.Hour {
		t.Errorf("Session.MaxAge = %v, want 2h", cfg.Session.MaxAge)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("IMPORT_CHUNK_SIZE", "25")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("SESSION_MAX_AGE", "45m")
	t.Setenv("SECURITY_API_KEYS", "key-a, key-b,key-c")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Import.ChunkSize != 25 {
		t.Errorf("Import.ChunkSize = %d, want 25", cfg.Import.ChunkSize)
	}
	if cfg.Rate.Enabled {
		t.Error("Rate.Enabled = true, want false")
	}
	if cfg.Session.MaxAge != 45*time.Minute {
		t.Errorf("Session.MaxAge = %v, want 45m", cfg.Session.MaxAge)
	}
	want := []string{"key-a", "key-b", "key-c"}
	if len(cfg.Security.APIKeys) != len(want) {
		t.Fatalf("APIKeys = %v, want %v", cfg.Security.APIKeys, want)
	}
	for i, k := range want {
		if cfg.Security.APIKeys[i] != k {
			t.Errorf("APIKeys[%d] = %q, want %q", i, cfg.Security.APIKeys[i], k)
		}
	}
}

func TestLoad_AltName(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "postgres://alt:5432/cases")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://alt:5432/cases" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")
	t.Setenv("SECURITY_API_KEYS", "test-key")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("Load err = %v, want DATABASE_URL required", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "SERVER_PORT", "not-a-port"},
		{"bad duration", "IMPORT_RETRY_BASE_DELAY", "fast"},
		{"bad bool", "RATE_LIMIT_ENABLED", "maybe"},
		{"port out of range", "SERVER_PORT", "70000"},
		{"zero chunk size", "IMPORT_CHUNK_SIZE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%q succeeded, want error", tt.key, tt.value)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 8443}
	if got := c.Addr(); got != "127.0.0.1:8443" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:8443")
	}
}

func TestValidate_KeyRequirement(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SECURITY_API_KEYS", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SECURITY_API_KEYS") {
		t.Errorf("Load err = %v, want API keys required", err)
	}
}
