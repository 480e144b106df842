package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIBaseURL  string
	RealtimeURL string
	UserID      string
	AuthToken   string

	StoreDriver    string
	StorePath      string
	StoreNamespace string
	RedisURL       string
	DatabaseURL    string
	EncryptionKey  string

	SyncInterval         time.Duration
	RequestTimeout       time.Duration
	ProbeInterval        time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	Backoff              string
	NotificationCap      int
	Endpoints            []string

	LogLevel string

	// Dev server only.
	ServerPort  string
	JWTSecret   string
	DevUserID   string
	DevPassword string
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() *Config {
	return &Config{
		APIBaseURL:           "http://localhost:8080",
		StoreDriver:          "memory",
		StorePath:            "continuity.db",
		StoreNamespace:       "continuity",
		SyncInterval:         30 * time.Second,
		RequestTimeout:       15 * time.Second,
		ProbeInterval:        10 * time.Second,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 10,
		Backoff:              "fixed",
		NotificationCap:      100,
		Endpoints:            []string{"devices", "notifications"},
		LogLevel:             "info",
		ServerPort:           "8080",
	}
}

// LoadConfig builds the client configuration: defaults, then the optional
// YAML file named by CONTINUITY_CONFIG, then environment variables.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONTINUITY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = websocketURL(cfg.APIBaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return raw.apply(c)
}

// fileConfig mirrors Config with durations as strings ("30s", "5m").
type fileConfig struct {
	APIBaseURL           string   `yaml:"api_base_url"`
	RealtimeURL          string   `yaml:"realtime_url"`
	UserID               string   `yaml:"user_id"`
	StoreDriver          string   `yaml:"store_driver"`
	StorePath            string   `yaml:"store_path"`
	StoreNamespace       string   `yaml:"store_namespace"`
	RedisURL             string   `yaml:"redis_url"`
	DatabaseURL          string   `yaml:"database_url"`
	SyncInterval         string   `yaml:"sync_interval"`
	RequestTimeout       string   `yaml:"request_timeout"`
	ProbeInterval        string   `yaml:"probe_interval"`
	ReconnectDelay       string   `yaml:"reconnect_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	Backoff              string   `yaml:"backoff"`
	NotificationCap      int      `yaml:"notification_cap"`
	Endpoints            []string `yaml:"endpoints"`
	LogLevel             string   `yaml:"log_level"`
	ServerPort           string   `yaml:"server_port"`
}

func (f fileConfig) apply(c *Config) error {
	setString(&c.APIBaseURL, f.APIBaseURL)
	setString(&c.RealtimeURL, f.RealtimeURL)
	setString(&c.UserID, f.UserID)
	setString(&c.StoreDriver, f.StoreDriver)
	setString(&c.StorePath, f.StorePath)
	setString(&c.StoreNamespace, f.StoreNamespace)
	setString(&c.RedisURL, f.RedisURL)
	setString(&c.DatabaseURL, f.DatabaseURL)
	setString(&c.Backoff, f.Backoff)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.ServerPort, f.ServerPort)
	if f.MaxReconnectAttempts > 0 {
		c.MaxReconnectAttempts = f.MaxReconnectAttempts
	}
	if f.NotificationCap > 0 {
		c.NotificationCap = f.NotificationCap
	}
	if len(f.Endpoints) > 0 {
		c.Endpoints = f.Endpoints
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"sync_interval", f.SyncInterval, &c.SyncInterval},
		{"request_timeout", f.RequestTimeout, &c.RequestTimeout},
		{"probe_interval", f.ProbeInterval, &c.ProbeInterval},
		{"reconnect_delay", f.ReconnectDelay, &c.ReconnectDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s in config file: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.APIBaseURL = getEnv("CONTINUITY_API_URL", c.APIBaseURL)
	c.RealtimeURL = getEnv("CONTINUITY_REALTIME_URL", c.RealtimeURL)
	c.UserID = getEnv("CONTINUITY_USER_ID", c.UserID)
	c.AuthToken = getEnv("CONTINUITY_AUTH_TOKEN", c.AuthToken)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.StorePath = getEnv("STORE_PATH", c.StorePath)
	c.StoreNamespace = getEnv("STORE_NAMESPACE", c.StoreNamespace)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.EncryptionKey = getEnv("STORE_ENCRYPTION_KEY", c.EncryptionKey)
	c.Backoff = getEnv("RECONNECT_BACKOFF", c.Backoff)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.DevUserID = getEnv("DEV_USER_ID", c.DevUserID)
	c.DevPassword = getEnv("DEV_PASSWORD", c.DevPassword)

	if v := os.Getenv("REALTIME_ENDPOINTS"); v != "" {
		c.Endpoints = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SYNC_INTERVAL", &c.SyncInterval},
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
		{"PROBE_INTERVAL", &c.ProbeInterval},
		{"RECONNECT_DELAY", &c.ReconnectDelay},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s format", d.key)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_RECONNECT_ATTEMPTS", &c.MaxReconnectAttempts},
		{"NOTIFICATION_CAP", &c.NotificationCap},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s format", i.key)
		}
		*i.dst = parsed
	}
	return nil
}

// Validate checks the fields the client cannot run without.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("CONTINUITY_API_URL is required")
	}
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Backoff != "fixed" && c.Backoff != "exponential" {
		return fmt.Errorf("unknown RECONNECT_BACKOFF %q", c.Backoff)
	}
	if c.SyncInterval <= 0 || c.RequestTimeout <= 0 || c.ReconnectDelay <= 0 {
		return errors.New("intervals and timeouts must be positive")
	}
	if c.MaxReconnectAttempts <= 0 {
		return errors.New("MAX_RECONNECT_ATTEMPTS must be positive")
	}
	if c.NotificationCap <= 0 {
		return errors.New("NOTIFICATION_CAP must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
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

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func websocketURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}
