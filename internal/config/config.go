package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime setting for the gateway process.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
	Backends  *BackendsConfig  `json:"backends"`
	Database  *DatabaseConfig  `json:"database"`
	Session   *SessionConfig   `json:"session"`

	// PublicURL is the externally reachable base URL handed to devices for
	// audio download and recording upload.
	PublicURL string `json:"public_url"`
	// InternalAuthToken authenticates service-to-gateway broadcast calls.
	// When empty the internal broadcast endpoint refuses all requests.
	InternalAuthToken string `json:"internal_auth_token"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	MaxMessageBytes int64 `json:"max_message_bytes"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `json:"messages_per_second"`
	Burst             int     `json:"burst"`
}

type BackendsConfig struct {
	LobbyURL       string        `json:"lobby_url"`
	MeasurementURL string        `json:"measurement_url"`
	SimulationURL  string        `json:"simulation_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type SessionConfig struct {
	TTL          time.Duration `json:"ttl"`
	ReapInterval time.Duration `json:"reap_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			MaxMessageBytes: 64 * 1024,
		},
		RateLimit: &RateLimitConfig{
			MessagesPerSecond: 10,
			Burst:             20,
		},
		Backends: &BackendsConfig{
			RequestTimeout: 10 * time.Second,
		},
		Database: &DatabaseConfig{
			Path: "./soundgate.db",
		},
		Session: &SessionConfig{
			TTL:          30 * time.Minute,
			ReapInterval: time.Minute,
		},
		PublicURL: "http://localhost:8080",
	}
}

// LoadFromEnv builds a config from defaults overridden by SOUNDGATE_*
// environment variables. Unparseable values fall back to the default.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	setString(&cfg.HTTP.Host, "SOUNDGATE_HTTP_HOST")
	setInt(&cfg.HTTP.Port, "SOUNDGATE_HTTP_PORT")
	setDuration(&cfg.HTTP.ReadTimeout, "SOUNDGATE_HTTP_READ_TIMEOUT")
	setDuration(&cfg.HTTP.WriteTimeout, "SOUNDGATE_HTTP_WRITE_TIMEOUT")

	setInt64(&cfg.WebSocket.MaxMessageBytes, "SOUNDGATE_WS_MAX_MESSAGE_BYTES")

	setFloat(&cfg.RateLimit.MessagesPerSecond, "SOUNDGATE_RATE_LIMIT_PER_SECOND")
	setInt(&cfg.RateLimit.Burst, "SOUNDGATE_RATE_LIMIT_BURST")

	setString(&cfg.Backends.LobbyURL, "SOUNDGATE_LOBBY_URL")
	setString(&cfg.Backends.MeasurementURL, "SOUNDGATE_MEASUREMENT_URL")
	setString(&cfg.Backends.SimulationURL, "SOUNDGATE_SIMULATION_URL")
	setDuration(&cfg.Backends.RequestTimeout, "SOUNDGATE_BACKEND_TIMEOUT")

	setString(&cfg.Database.Path, "SOUNDGATE_DATABASE_PATH")

	setDuration(&cfg.Session.TTL, "SOUNDGATE_SESSION_TTL")
	setDuration(&cfg.Session.ReapInterval, "SOUNDGATE_SESSION_REAP_INTERVAL")

	setString(&cfg.PublicURL, "SOUNDGATE_PUBLIC_URL")
	setString(&cfg.InternalAuthToken, "SOUNDGATE_INTERNAL_AUTH_TOKEN")

	return cfg
}

func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("http configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.WebSocket == nil || c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("websocket max message size must be positive")
	}
	if c.RateLimit == nil || c.RateLimit.MessagesPerSecond < 0 {
		return fmt.Errorf("rate limit messages per second cannot be negative")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}
	if c.Backends == nil || c.Backends.RequestTimeout <= 0 {
		return fmt.Errorf("backend request timeout must be positive")
	}
	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("session ttl cannot be negative")
	}
	if c.Session.TTL > 0 && c.Session.ReapInterval <= 0 {
		return fmt.Errorf("session reap interval must be positive when ttl is set")
	}
	if c.PublicURL == "" {
		return fmt.Errorf("public url cannot be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
