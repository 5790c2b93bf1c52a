package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// minPingAfter keeps the heartbeat from spinning.
const minPingAfter = 100 * time.Millisecond

// Config holds all environment-based configuration for dash-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Backend endpoints. PushURL is the base for the websocket channels,
	// APIBaseURL for history fetch, mark-read and clear-history.
	APIBaseURL string `env:"API_BASE_URL"`
	PushURL    string `env:"PUSH_URL"`

	// UserID is the signed-in user. It scopes the notification channel
	// and decides which conversation records are "mine".
	UserID string `env:"USER_ID"`

	// Bearer credential. AUTH_TOKEN seeds the provider; AUTH_TOKEN_FILE
	// is watched and rotates it on change. When neither yields a token
	// the last cached one in the state DB is used.
	AuthToken     string `env:"AUTH_TOKEN"`
	AuthTokenFile string `env:"AUTH_TOKEN_FILE"`

	// StatePath overrides ~/.dash-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Sync tuning. SYNC_TUNING_FILE, when set, overrides these.
	MatchWindow      time.Duration   `env:"SYNC_MATCH_WINDOW" envDefault:"10s"`
	Backoff          []time.Duration `env:"SYNC_BACKOFF" envDefault:"0s,2s,5s,10s,30s" envSeparator:","`
	HandshakeTimeout time.Duration   `env:"SYNC_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	PingAfter        time.Duration   `env:"SYNC_PING_AFTER" envDefault:"10s"`
	DisconnectAfter  time.Duration   `env:"SYNC_DISCONNECT_AFTER" envDefault:"60s"`
	TuningFile       string          `env:"SYNC_TUNING_FILE"`

	// Client-side REST throttle.
	APIRateLimit float64 `env:"API_RATE_LIMIT" envDefault:"10"`
	APIRateBurst int     `env:"API_RATE_BURST" envDefault:"5"`

	// Conversation to activate at startup alongside notifications.
	ConversationID string `env:"CONVERSATION_ID"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKey     string `env:"MCP_API_KEY"`
}

// Tuning is the shape of the optional SYNC_TUNING_FILE. Zero values
// leave the environment setting in place.
type Tuning struct {
	Backoff          []time.Duration `yaml:"backoff"`
	MatchWindow      time.Duration   `yaml:"match_window"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	PingAfter        time.Duration   `yaml:"ping_after"`
	DisconnectAfter  time.Duration   `yaml:"disconnect_after"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.TuningFile != "" {
		t, err := LoadTuning(cfg.TuningFile)
		if err != nil {
			return nil, err
		}

		cfg.ApplyTuning(t)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.AuthTokenFile != "" {
		abs, err := filepath.Abs(cfg.AuthTokenFile)
		if err != nil {
			return nil, fmt.Errorf("resolving token file to absolute path: %w", err)
		}

		cfg.AuthTokenFile = abs
	}

	return cfg, nil
}

// LoadTuning reads a YAML tuning file.
func LoadTuning(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tuning file: %w", err)
	}

	var t Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing tuning file %s: %w", path, err)
	}

	return &t, nil
}

// ApplyTuning overrides settings with the non-zero fields of t.
func (c *Config) ApplyTuning(t *Tuning) {
	if len(t.Backoff) > 0 {
		c.Backoff = t.Backoff
	}

	if t.MatchWindow > 0 {
		c.MatchWindow = t.MatchWindow
	}

	if t.HandshakeTimeout > 0 {
		c.HandshakeTimeout = t.HandshakeTimeout
	}

	if t.PingAfter > 0 {
		c.PingAfter = t.PingAfter
	}

	if t.DisconnectAfter > 0 {
		c.DisconnectAfter = t.DisconnectAfter
	}
}

func (c *Config) validate() error {
	if err := validateURL("API_BASE_URL", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}

	if err := validateURL("PUSH_URL", c.PushURL, "http", "https", "ws", "wss"); err != nil {
		return err
	}

	if c.UserID == "" {
		return fmt.Errorf("USER_ID is required")
	}

	if len(c.Backoff) == 0 {
		return fmt.Errorf("SYNC_BACKOFF must have at least one entry")
	}

	for i, d := range c.Backoff {
		if d < 0 {
			return fmt.Errorf("SYNC_BACKOFF entry %d is negative", i+1)
		}

		if i > 0 && d < c.Backoff[i-1] {
			return fmt.Errorf("SYNC_BACKOFF must be non-decreasing (entry %d)", i+1)
		}
	}

	if c.MatchWindow <= 0 {
		return fmt.Errorf("SYNC_MATCH_WINDOW must be positive")
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("SYNC_HANDSHAKE_TIMEOUT must be positive")
	}

	if c.PingAfter < minPingAfter {
		return fmt.Errorf("SYNC_PING_AFTER (%s) must be at least %s", c.PingAfter, minPingAfter)
	}

	if c.DisconnectAfter <= c.PingAfter {
		return fmt.Errorf("SYNC_DISCONNECT_AFTER (%s) must exceed SYNC_PING_AFTER (%s)", c.DisconnectAfter, c.PingAfter)
	}

	if c.APIRateLimit <= 0 {
		return fmt.Errorf("API_RATE_LIMIT must be positive")
	}

	if c.APIRateBurst < 1 {
		return fmt.Errorf("API_RATE_BURST must be at least 1")
	}

	if c.EnableMCP {
		if c.MCPListenAddr == "" {
			return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
		}

		if c.MCPAPIKey == "" && !isLoopback(c.MCPListenAddr) {
			return fmt.Errorf("MCP_API_KEY is required when MCP_LISTEN_ADDR is not a loopback address")
		}
	}

	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %v URL, got %q", name, schemes, raw)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
