// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file; a .env file, when present, is loaded
// into the process environment first.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Runtime mode values for LLM_RUNTIME_MODE / LLM_RUNTIME_STREAM_MODE.
const (
	RuntimeSDK  = "sdk"
	RuntimeHTTP = "http"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string

	// DBPoolSize is the base connection pool size. Default: 10.
	DBPoolSize int

	// DBMaxOverflow is the extra headroom above the base pool size.
	// Default: 5.
	DBMaxOverflow int

	// EncryptionKey is the base64-encoded 256-bit credential vault key.
	// Required.
	EncryptionKey string

	// JWTSecret signs/verifies caller bearer tokens. Required.
	JWTSecret string

	// RuntimeMode selects the upstream adapter for non-streaming calls:
	// "sdk" or "http". Default: "sdk".
	RuntimeMode string

	// RuntimeStreamMode selects the streaming adapter independently.
	// Default: "http".
	RuntimeStreamMode string

	// RuntimeHTTPFallback retries SDK transport failures once over raw HTTP.
	// Default: true.
	RuntimeHTTPFallback bool

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// MaxConns is the pool ceiling handed to pgx.
func (c *Config) MaxConns() int32 {
	return int32(c.DBPoolSize + c.DBMaxOverflow)
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_POOL_SIZE", 10)
	v.SetDefault("DB_MAX_OVERFLOW", 5)
	v.SetDefault("LLM_RUNTIME_MODE", RuntimeSDK)
	v.SetDefault("LLM_RUNTIME_STREAM_MODE", RuntimeHTTP)
	v.SetDefault("LLM_RUNTIME_HTTP_FALLBACK", true)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		DBPoolSize:    v.GetInt("DB_POOL_SIZE"),
		DBMaxOverflow: v.GetInt("DB_MAX_OVERFLOW"),

		EncryptionKey: v.GetString("LLM_ENCRYPTION_KEY"),
		JWTSecret:     v.GetString("JWT_SECRET"),

		RuntimeMode:         strings.ToLower(v.GetString("LLM_RUNTIME_MODE")),
		RuntimeStreamMode:   strings.ToLower(v.GetString("LLM_RUNTIME_STREAM_MODE")),
		RuntimeHTTPFallback: v.GetBool("LLM_RUNTIME_HTTP_FALLBACK"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf("config: LLM_ENCRYPTION_KEY is required (base64-encoded 32-byte key)")
	}
	if err := checkEncryptionKey(c.EncryptionKey); err != nil {
		return err
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.RuntimeMode {
	case RuntimeSDK, RuntimeHTTP:
	default:
		return fmt.Errorf("config: invalid LLM_RUNTIME_MODE %q; must be sdk or http", c.RuntimeMode)
	}
	switch c.RuntimeStreamMode {
	case RuntimeSDK, RuntimeHTTP:
	default:
		return fmt.Errorf("config: invalid LLM_RUNTIME_STREAM_MODE %q; must be sdk or http", c.RuntimeStreamMode)
	}

	if c.DBPoolSize < 1 {
		return fmt.Errorf("config: DB_POOL_SIZE must be ≥ 1, got %d", c.DBPoolSize)
	}
	if c.DBMaxOverflow < 0 {
		return fmt.Errorf("config: DB_MAX_OVERFLOW must be ≥ 0, got %d", c.DBMaxOverflow)
	}

	return nil
}

// checkEncryptionKey verifies the key decodes to exactly 32 bytes. Both
// standard and URL-safe base64 are accepted.
func checkEncryptionKey(key string) error {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(key)
	}
	if err != nil {
		return fmt.Errorf("config: LLM_ENCRYPTION_KEY is not valid base64")
	}
	if len(raw) != 32 {
		return fmt.Errorf("config: LLM_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
