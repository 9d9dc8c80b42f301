package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig   `json:"basic_config"`
	Backend     BackendConfig `json:"backend"`
	Auth        AuthConfig    `json:"auth"`
	Redis       RedisConfig   `json:"redis"`
	Log         LogConfig     `json:"log"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`

	// PollInterval is in seconds.
	PollInterval int `json:"poll_interval"`

	// IdleTimeout is in minutes.
	IdleTimeout int `json:"idle_timeout"`

	// DeleteTimeout is in seconds.
	DeleteTimeout int `json:"delete_timeout"`
}

// BackendConfig points at the document API the frontend reads from.
type BackendConfig struct {
	BaseURL         string `json:"base_url"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	BreakerFailures int    `json:"breaker_failures"`
	BreakerCooldown int    `json:"breaker_cooldown_seconds"`
	BreakerHalfOpen int    `json:"breaker_half_open_requests"`
}

type AuthConfig struct {
	JWTSecret      string `json:"jwt_secret"`
	CookieName     string `json:"cookie_name"`
	HeaderName     string `json:"header_name"`
	CSRFCookieName string `json:"csrf_cookie_name"`
	CSRFHeaderName string `json:"csrf_header_name"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	// SnapshotTTL is in minutes.
	SnapshotTTL int `json:"snapshot_ttl"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

const (
	defaultAddress       = ":8090"
	defaultPollInterval  = 5 * time.Second
	defaultIdleTimeout   = 30 * time.Minute
	defaultDeleteTimeout = 30 * time.Second
	defaultBackendTO     = 15 * time.Second
	defaultSnapshotTTL   = 30 * time.Minute
)

// Load reads configuration from the provided path (defaults to config.json).
// Environment variables DOCCHAT_ADDR, DOCCHAT_BACKEND_URL and DOCCHAT_JWT_SECRET
// override the file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("DOCCHAT_ADDR")); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("DOCCHAT_BACKEND_URL")); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("DOCCHAT_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must be configured")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("parse backend.base_url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("backend.base_url must be absolute, got %q", c.Backend.BaseURL)
	}
	if c.Redis.Enabled && c.Redis.Port < 0 {
		return fmt.Errorf("redis.port cannot be negative")
	}
	return nil
}

func (c BasicConfig) Address() string {
	if c.ServerAddress == "" {
		return defaultAddress
	}
	return c.ServerAddress
}

func (c BasicConfig) PollEvery() time.Duration {
	return seconds(c.PollInterval, defaultPollInterval)
}

func (c BasicConfig) IdleAfter() time.Duration {
	if c.IdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return time.Duration(c.IdleTimeout) * time.Minute
}

func (c BasicConfig) DeleteWithin() time.Duration {
	return seconds(c.DeleteTimeout, defaultDeleteTimeout)
}

func (c BackendConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, defaultBackendTO)
}

func (c RedisConfig) TTL() time.Duration {
	if c.SnapshotTTL <= 0 {
		return defaultSnapshotTTL
	}
	return time.Duration(c.SnapshotTTL) * time.Minute
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
