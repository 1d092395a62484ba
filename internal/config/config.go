// Package config centralizes application configuration. Settings load
// from environment variables with defaults and are validated on startup,
// so a misconfigured deployment fails fast instead of limping.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Session  SessionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to.
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on.
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request body.
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response.
	// Zero keeps progress event streams alive.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout.
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the per-request middleware timeout.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns caps the connection pool.
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the number of connections kept open.
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection.
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime closes connections idle longer than this.
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds the pacing and bounds of the submission pipeline.
type ImportConfig struct {
	// MaxFileSize is the largest accepted upload in bytes.
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// ChunkSize is the number of rows written to the store per chunk.
	ChunkSize int `env:"IMPORT_CHUNK_SIZE" default:"50"`

	// MaxAttempts is write attempts per chunk, including the first.
	MaxAttempts int `env:"IMPORT_MAX_ATTEMPTS" default:"3"`

	// RetryBaseDelay scales the linear backoff between attempts.
	RetryBaseDelay time.Duration `env:"IMPORT_RETRY_BASE_DELAY" default:"500ms"`

	// ChunkPause is the pause inserted between chunks.
	ChunkPause time.Duration `env:"IMPORT_CHUNK_PAUSE" default:"200ms"`

	// SubmitTimeout bounds one full submission pass.
	SubmitTimeout time.Duration `env:"IMPORT_SUBMIT_TIMEOUT" default:"10m"`

	// ArchiveMaxRows caps the audit sample attached to a batch record.
	ArchiveMaxRows int `env:"IMPORT_ARCHIVE_MAX_ROWS" default:"1000"`

	// ArchiveMaxBytes caps the serialized audit sample.
	ArchiveMaxBytes int `env:"IMPORT_ARCHIVE_MAX_BYTES" default:"921600"`
}

// RateLimitConfig holds per-IP request throttling settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the sustained per-IP rate.
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// Burst is the short-term burst allowance on top of the rate.
	Burst int `env:"RATE_LIMIT_BURST" default:"25"`
}

// SecurityConfig holds authentication settings.
type SecurityConfig struct {
	// RequireAPIKey gates the API behind X-API-Key when true.
	RequireAPIKey bool `env:"SECURITY_REQUIRE_API_KEY" default:"true"`

	// APIKeys is the comma-separated list of accepted keys.
	APIKeys []string `env:"SECURITY_API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is text or json.
	Format string `env:"LOG_FORMAT" default:"text"`
}

// SessionConfig holds import session lifecycle settings.
type SessionConfig struct {
	// MaxAge is how long an idle session survives.
	MaxAge time.Duration `env:"SESSION_MAX_AGE" default:"2h"`

	// CleanupInterval is how often stale sessions are swept.
	CleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" default:"15m"`
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT %d out of range", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS %d exceeds DB_MAX_CONNS %d", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Import.ChunkSize < 1 {
		return fmt.Errorf("IMPORT_CHUNK_SIZE must be at least 1")
	}
	if c.Import.MaxAttempts < 1 {
		return fmt.Errorf("IMPORT_MAX_ATTEMPTS must be at least 1")
	}
	if c.Import.MaxFileSize < 1 {
		return fmt.Errorf("IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Rate.Enabled && c.Rate.RequestsPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS_PER_MINUTE must be at least 1 when enabled")
	}
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		return fmt.Errorf("SECURITY_API_KEYS must be set when SECURITY_REQUIRE_API_KEY is true")
	}
	if c.Session.MaxAge < time.Minute {
		return fmt.Errorf("SESSION_MAX_AGE must be at least 1m")
	}
	return nil
}
