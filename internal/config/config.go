package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"golang.org/x/time/rate"

	"github.com/HsiangNianian/tripsync/internal/tripapi"
)

type Config struct {
	API       APIConfig       `json:"api"`
	Store     StoreConfig     `json:"store"`
	Log       LogConfig       `json:"log"`
	Reconnect ReconnectConfig `json:"reconnect"`
}

type APIConfig struct {
	BaseURL                 string            `json:"base_url"`
	RealtimePath            string            `json:"realtime_path"`
	RealtimeURL             string            `json:"realtime_url,omitempty"`
	AuthToken               string            `json:"auth_token,omitempty"`
	Headers                 map[string]string `json:"headers,omitempty"`
	TimeoutSeconds          int               `json:"timeout_seconds"`
	HandshakeTimeoutSeconds int               `json:"handshake_timeout_seconds"`
	PingIntervalSeconds     int               `json:"ping_interval_seconds"`
}

type StoreConfig struct {
	RedisAddr string `json:"redis_addr"`
	KeyPrefix string `json:"key_prefix"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ReconnectConfig budgets explicit reconnects. PerMinute <= 0 disables
// the budget.
type ReconnectConfig struct {
	PerMinute int `json:"per_minute"`
	Burst     int `json:"burst"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:                 envOrDefault("TRIPSYNC_BASE_URL", "http://localhost:8000/api/v1"),
			RealtimePath:            tripapi.RealtimePath,
			AuthToken:               os.Getenv("TRIPSYNC_AUTH_TOKEN"),
			TimeoutSeconds:          30,
			HandshakeTimeoutSeconds: 10,
			PingIntervalSeconds:     30,
		},
		Store: StoreConfig{
			RedisAddr: os.Getenv("REDIS_ADDR"),
			KeyPrefix: "tripsync:",
		},
		Log: LogConfig{
			Level:  envOrDefault("TRIPSYNC_LOG_LEVEL", "info"),
			Format: "text",
		},
		Reconnect: ReconnectConfig{
			PerMinute: 6,
			Burst:     3,
		},
	}
}

// Load reads a JSON config file that may contain comments and trailing
// commas. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	standard, err := hujson.Standardize(content)
	if err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.API.BaseURL = strings.TrimSuffix(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.RealtimePath == "" {
		c.API.RealtimePath = tripapi.RealtimePath
	}
	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = 30
	}
	if c.API.HandshakeTimeoutSeconds <= 0 {
		c.API.HandshakeTimeoutSeconds = 10
	}
	if c.Reconnect.Burst <= 0 {
		c.Reconnect.Burst = 1
	}
}

// Validate checks the addresses.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	if c.API.RealtimeURL != "" {
		r, err := url.Parse(c.API.RealtimeURL)
		if err != nil || (r.Scheme != "ws" && r.Scheme != "wss") {
			return fmt.Errorf("invalid api.realtime_url %q", c.API.RealtimeURL)
		}
	}
	return nil
}

// RealtimeTemplate is the channel address template. Without an explicit
// realtime_url it is derived from base_url by swapping http(s) for ws(s).
func (c Config) RealtimeTemplate() string {
	if c.API.RealtimeURL != "" {
		return c.API.RealtimeURL
	}
	base := c.API.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.API.RealtimePath
}

// Headers returns the default request headers, including the bearer
// token when one is configured.
func (c Config) Headers() map[string]string {
	out := make(map[string]string, len(c.API.Headers)+1)
	for k, v := range c.API.Headers {
		out[k] = v
	}
	if c.API.AuthToken != "" {
		out["Authorization"] = "Bearer " + c.API.AuthToken
	}
	return out
}

// HTTPHeader is Headers as an http.Header for the channel handshake.
func (c Config) HTTPHeader() http.Header {
	h := http.Header{}
	for k, v := range c.Headers() {
		h.Set(k, v)
	}
	return h
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.API.HandshakeTimeoutSeconds) * time.Second
}

func (c Config) PingInterval() time.Duration {
	return time.Duration(c.API.PingIntervalSeconds) * time.Second
}

// ReconnectLimiter returns the explicit-reconnect budget, or nil when
// unlimited.
func (c Config) ReconnectLimiter() *rate.Limiter {
	if c.Reconnect.PerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.Reconnect.PerMinute)), c.Reconnect.Burst)
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
