package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	OpenFDA  OpenFDAConfig  `yaml:"openfda"`
	Reddit   RedditConfig   `yaml:"reddit"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig locates the two payload cache files.
type CacheConfig struct {
	SearchPath  string `yaml:"search_path"`
	SummaryPath string `yaml:"summary_path"`
}

// OpenFDAConfig configures the adverse event API client.
type OpenFDAConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	SearchLimit   int    `yaml:"search_limit"`
	CountLimit    int    `yaml:"count_limit"`
	Timeout       string `yaml:"timeout"`
	MaxRetries    int    `yaml:"max_retries"`
	RatePerMinute int    `yaml:"rate_per_minute"` // 0 disables throttling
}

// ParseTimeout returns the request timeout as time.Duration.
func (o OpenFDAConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(o.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// RedditConfig for discussion thread lookups.
type RedditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	UserAgent    string `yaml:"user_agent"`
	Limit        int    `yaml:"limit"`
}

// NotifyConfig configures where lookup summaries are pushed.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook notifications.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook notifications.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook notifications.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig selects the zap preset and level.
type LogConfig struct {
	Env   string `yaml:"env"`   // "dev" or "prod"
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./drugradar.db"},
		Cache: CacheConfig{
			SearchPath:  "./search_cache.json",
			SummaryPath: "./summary_cache.json",
		},
		OpenFDA: OpenFDAConfig{
			BaseURL:       "https://api.fda.gov",
			SearchLimit:   1000,
			CountLimit:    100,
			Timeout:       "30s",
			MaxRetries:    3,
			RatePerMinute: 40,
		},
		Reddit: RedditConfig{
			Enabled:   true,
			UserAgent: "drugradar/1.0",
			Limit:     10,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Env: "dev", Level: "info"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnvOverrides(cfg)
	applyKeyedRate(cfg)
	return cfg, nil
}

// applyKeyedRate raises the throttle to openFDA's keyed allowance of 240
// requests per minute when an API key is set from any source.
func applyKeyedRate(cfg *Config) {
	if cfg.OpenFDA.APIKey != "" && cfg.OpenFDA.RatePerMinute > 0 && cfg.OpenFDA.RatePerMinute < 240 {
		cfg.OpenFDA.RatePerMinute = 240
	}
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DRUGRADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OPENFDA_API_KEY"); v != "" {
		cfg.OpenFDA.APIKey = v
	}
	if v := os.Getenv("OPENFDA_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.OpenFDA.MaxRetries = n
		}
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		cfg.Reddit.ClientID = v
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		cfg.Reddit.ClientSecret = v
	}
	if v := os.Getenv("REDDIT_REFRESH_TOKEN"); v != "" {
		cfg.Reddit.RefreshToken = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
		cfg.Notify.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Notify.Discord.WebhookURL = v
		cfg.Notify.Discord.Enabled = true
	}
	if v := os.Getenv("DRUGRADAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
