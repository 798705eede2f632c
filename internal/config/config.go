package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// MinSecretLength is the minimum accepted length for a relay shared secret.
// Anything shorter is trivially brute-forceable and refused at startup.
const MinSecretLength = 16

// Defaults applied by Load when the config file leaves a field unset.
const (
	DefaultListen        = ":8000"
	DefaultLogLevel      = "INFO"
	DefaultMaxBodySize   = 1048576 // 1 MB
	DefaultReplayWindow  = 300 * time.Second
	DefaultQueueSize     = 256
	DefaultMaxAttempts   = 3
	DefaultSendTimeout   = 10 * time.Second
	DefaultDiscordAPI    = "https://discord.com/api/v10"
	DefaultGatewayURL    = "wss://gateway.discord.gg/?v=10&encoding=json"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the process-wide configuration, loaded once at startup and
// read-only thereafter.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// LockFile, when set, enforces single-instance operation via flock(2).
	LockFile string `yaml:"lock_file,omitempty"`

	Discord DiscordConfig `yaml:"discord"`
	Relay   RelayConfig   `yaml:"relay"`
	Forward ForwardConfig `yaml:"forward"`
	Journal JournalConfig `yaml:"journal,omitempty"`
}

// DiscordConfig holds the platform credential and endpoints.
type DiscordConfig struct {
	Token      string `yaml:"token"`
	APIBase    string `yaml:"api_base,omitempty"`
	GatewayURL string `yaml:"gateway_url,omitempty"`
}

// RelayConfig secures the inbound /send endpoint.
type RelayConfig struct {
	// Secret is the current HMAC shared secret.
	Secret string `yaml:"secret"`

	// PreviousSecret, when set, is also accepted during key rotation.
	PreviousSecret string `yaml:"previous_secret,omitempty"`

	// ReplayWindowSeconds bounds both timestamp skew and replay tracking.
	ReplayWindowSeconds int `yaml:"replay_window_seconds,omitempty"`

	// MaxBodySize is the maximum allowed request body size in bytes.
	MaxBodySize int64 `yaml:"max_body_size,omitempty"`
}

// ForwardConfig drives outbound webhook delivery.
type ForwardConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	MaxAttempts    int    `yaml:"max_attempts,omitempty"`
	QueueSize      int    `yaml:"queue_size,omitempty"`
}

// JournalConfig enables the optional sqlite delivery journal.
type JournalConfig struct {
	Path string `yaml:"path,omitempty"`
}

// ReplayWindow returns the replay window as a duration.
func (r RelayConfig) ReplayWindow() time.Duration {
	if r.ReplayWindowSeconds <= 0 {
		return DefaultReplayWindow
	}
	return time.Duration(r.ReplayWindowSeconds) * time.Second
}

// Timeout returns the per-attempt delivery timeout as a duration.
func (f ForwardConfig) Timeout() time.Duration {
	if f.TimeoutSeconds <= 0 {
		return DefaultSendTimeout
	}
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Load reads and parses configuration from a YAML file. Environment variable
// references of the form ${NAME} are interpolated before parsing, so secrets
// can live in the environment rather than on disk. If a .checksums file exists
// next to the config, the config is hash-verified against it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if err := verifyChecksumIfPresent(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// interpolateEnv replaces ${VAR} references with environment values.
// Unset variables interpolate to the empty string; validation catches
// required fields that end up empty.
func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Discord.APIBase == "" {
		cfg.Discord.APIBase = DefaultDiscordAPI
	}
	if cfg.Discord.GatewayURL == "" {
		cfg.Discord.GatewayURL = DefaultGatewayURL
	}
	if cfg.Relay.MaxBodySize == 0 {
		cfg.Relay.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Forward.MaxAttempts == 0 {
		cfg.Forward.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Forward.QueueSize == 0 {
		cfg.Forward.QueueSize = DefaultQueueSize
	}
}

func validate(cfg *Config) error {
	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	if cfg.Forward.URL == "" {
		return fmt.Errorf("forward.url is required")
	}
	u, err := url.Parse(cfg.Forward.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("forward.url must be an http(s) URL, got %q", cfg.Forward.URL)
	}
	if cfg.Relay.Secret == "" {
		return fmt.Errorf("relay.secret is required")
	}
	if len(cfg.Relay.Secret) < MinSecretLength {
		return fmt.Errorf("relay.secret must be at least %d characters", MinSecretLength)
	}
	if cfg.Relay.PreviousSecret != "" && len(cfg.Relay.PreviousSecret) < MinSecretLength {
		return fmt.Errorf("relay.previous_secret must be at least %d characters", MinSecretLength)
	}
	if cfg.Relay.ReplayWindowSeconds < 0 {
		return fmt.Errorf("relay.replay_window_seconds must not be negative")
	}
	if cfg.Relay.MaxBodySize < 0 {
		return fmt.Errorf("relay.max_body_size must not be negative")
	}
	return nil
}
