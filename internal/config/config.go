// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	Port        string
	GRPCPort    string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level
	Metrics     bool // expose /metrics
	Auth        AuthConfig
	Gemini      GeminiConfig
	Session     SessionConfig
	Retention   RetentionConfig
}

// AuthConfig holds the token verification secrets.
type AuthConfig struct {
	Secret        string
	RefreshSecret string // fallback secret tried after Secret
	Timeout       time.Duration
}

// GeminiConfig configures the upstream streaming service.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
}

// SessionConfig tunes per-session relay behavior.
type SessionConfig struct {
	ProfilesPath   string // empty uses the built-in profiles
	FrameQueueSize int
	PersistTimeout time.Duration
}

// RetentionConfig controls cleanup of conversations that never received a message.
type RetentionConfig struct {
	EmptyConversationTTL time.Duration
	Interval             time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("FRAME_QUEUE_SIZE", 64)
	if queueSize <= 0 {
		queueSize = 64
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/livelink.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Metrics:     getEnvBool("METRICS_ENABLED", true),
		Auth: AuthConfig{
			Secret:        getEnv("JWT_SECRET", ""),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
			Timeout:       getEnvDuration("AUTH_TIMEOUT", 5*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			BaseURL: getEnv("GEMINI_BASE_URL", ""),
			Model:   getEnv("GEMINI_MODEL", ""),
			Voice:   getEnv("GEMINI_VOICE", ""),
		},
		Session: SessionConfig{
			ProfilesPath:   getEnv("PROFILES_PATH", ""),
			FrameQueueSize: queueSize,
			PersistTimeout: getEnvDuration("PERSIST_TIMEOUT", 5*time.Second),
		},
		Retention: RetentionConfig{
			EmptyConversationTTL: getEnvDuration("CONVERSATION_TTL", 24*time.Hour),
			Interval:             getEnvDuration("JANITOR_INTERVAL", 10*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.Auth.Timeout <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT must be > 0")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY cannot be empty")
	}
	if c.Session.FrameQueueSize <= 0 {
		return fmt.Errorf("FRAME_QUEUE_SIZE must be > 0")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS and websocket origin allow-list.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
