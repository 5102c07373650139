// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Surface      SurfaceConfig      `yaml:"surface"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	Safety       SafetyConfig       `yaml:"safety"`
	Response     ResponseConfig     `yaml:"response"`
	AI           AIConfig           `yaml:"ai"`
	Polling      PollingConfig      `yaml:"polling"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Health       HealthConfig       `yaml:"health"`
	Database     DatabaseConfig     `yaml:"database"`
	StatusServer StatusServerConfig `yaml:"status_server"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// SurfaceConfig selects and configures the messaging surface.
type SurfaceConfig struct {
	Platform string        `yaml:"platform"` // "discord", "slack", or "mock"
	Discord  DiscordConfig `yaml:"discord"`
	Slack    SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// CredentialsConfig holds the login identity. The password is never read
// from the file; it comes from SB_PASSWORD or an interactive prompt.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"-"`
}

// RateLimitingConfig configures the admission controller.
type RateLimitingConfig struct {
	Strategy                   string               `yaml:"strategy"`
	MessagesPerHour            int                  `yaml:"messages_per_hour"`
	MessagesPerDay             int                  `yaml:"messages_per_day"`
	RequestsPerSecond          float64              `yaml:"requests_per_second"`
	RequestsPerMinute          int                  `yaml:"requests_per_minute"`
	BurstSize                  int                  `yaml:"burst_size"`
	CooldownSec                int                  `yaml:"cooldown_sec"`
	CooldownBetweenMessagesSec float64              `yaml:"cooldown_between_messages_sec"`
	CircuitBreaker             CircuitBreakerConfig `yaml:"circuit_breaker"`
	Distributed                DistributedConfig    `yaml:"distributed"`
}

// CircuitBreakerConfig configures per-endpoint circuit breakers.
type CircuitBreakerConfig struct {
	Enabled    *bool `yaml:"enabled"`
	Threshold  int   `yaml:"threshold"`
	TimeoutSec int   `yaml:"timeout_sec"`
	TrialEvery int   `yaml:"trial_every"`
}

// IsEnabled reports whether circuit breakers are on. Defaults to true.
func (c CircuitBreakerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DistributedConfig enables the shared-database admission backend.
type DistributedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SafetyConfig holds the safety policy settings.
type SafetyConfig struct {
	Blacklist     BlacklistConfig  `yaml:"blacklist"`
	BotDisclosure DisclosureConfig `yaml:"bot_disclosure"`
	AutoStop      AutoStopConfig   `yaml:"auto_stop"`
}

// BlacklistConfig lists keywords that suppress a reply.
type BlacklistConfig struct {
	Keywords []string `yaml:"keywords"`
}

// DisclosureConfig controls the one-time bot disclosure prefix.
type DisclosureConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Message string `yaml:"message"`
}

// IsEnabled reports whether disclosure is on. Defaults to true.
func (d DisclosureConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// AutoStopConfig ends engagement with a peer after a threshold.
type AutoStopConfig struct {
	AfterMessages int     `yaml:"after_messages"`
	AfterHours    float64 `yaml:"after_hours"`
}

// ResponseConfig configures template and keyword responses.
type ResponseConfig struct {
	TemplateWeight float64           `yaml:"template_weight"`
	Templates      []string          `yaml:"templates"`
	Keywords       map[string]string `yaml:"keywords"`
	Fallbacks      []string          `yaml:"fallbacks"`
	MaxLength      int               `yaml:"max_length"`
	MinLength      int               `yaml:"min_length"`
	Disallowed     []string          `yaml:"disallowed"`
	HistoryWindow  int               `yaml:"history_window"`
}

// AIConfig configures the OpenAI-compatible completion backend.
type AIConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSec  int     `yaml:"timeout_sec"`
	CacheTTLSec int     `yaml:"cache_ttl_sec"`
}

// Enabled reports whether an AI backend is configured.
func (a AIConfig) Enabled() bool {
	return a.Endpoint != ""
}

// PollingConfig shapes the polling loop.
type PollingConfig struct {
	QuietHours     *HourRange `yaml:"quiet_hours"`
	PeakHours      *HourRange `yaml:"peak_hours"`
	MaxConcurrency int        `yaml:"max_concurrency"`
	PauseCheckMS   int        `yaml:"pause_check_ms"`
}

// HourRange is an inclusive range of local hours [From, To]. A range with
// From > To wraps midnight, so {22, 6} covers 22:00 through 06:59.
type HourRange struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

// Contains reports whether hour h falls within the range. A nil range
// contains nothing.
func (r *HourRange) Contains(h int) bool {
	if r == nil {
		return false
	}
	if r.From <= r.To {
		return h >= r.From && h <= r.To
	}
	return h >= r.From || h <= r.To
}

func (r *HourRange) valid() bool {
	return r == nil || (r.From >= 0 && r.From <= 23 && r.To >= 0 && r.To <= 23)
}

// SessionsConfig controls session retention.
type SessionsConfig struct {
	RetentionHours float64 `yaml:"retention_hours"`
	CleanupCron    string  `yaml:"cleanup_cron"`
}

// HealthConfig controls the periodic health report.
type HealthConfig struct {
	Cron string `yaml:"cron"`
}

// DatabaseConfig holds connection settings for the archive and shared counters.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite", "mysql", or "" (disabled)
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // from SB_DB_PASSWORD
	Database string `yaml:"database"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Driver != ""
}

// StatusServerConfig configures the read-only status HTTP server.
type StatusServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("SB_PASSWORD"); v != "" {
		c.Credentials.Password = v
	}
	if v := os.Getenv("SB_AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("SB_DISCORD_TOKEN"); v != "" {
		c.Surface.Discord.BotToken = v
	}
	if v := os.Getenv("SB_SLACK_BOT_TOKEN"); v != "" {
		c.Surface.Slack.BotToken = v
	}
	if v := os.Getenv("SB_SLACK_APP_TOKEN"); v != "" {
		c.Surface.Slack.AppToken = v
	}
	if v := os.Getenv("SB_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
}

// DefaultDisclosure is prefixed to the first reply in every conversation.
const DefaultDisclosure = "Hi! Just so you know, replies on this account are sent by an automated assistant."

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Surface.Platform == "" {
		c.Surface.Platform = "mock"
	}

	rl := &c.RateLimiting
	if rl.Strategy == "" {
		rl.Strategy = "token_bucket"
	}
	if rl.MessagesPerHour == 0 {
		rl.MessagesPerHour = 20
	}
	if rl.MessagesPerDay == 0 {
		rl.MessagesPerDay = 100
	}
	if rl.RequestsPerSecond == 0 {
		rl.RequestsPerSecond = 1.0
	}
	if rl.RequestsPerMinute == 0 {
		rl.RequestsPerMinute = 20
	}
	if rl.BurstSize == 0 {
		rl.BurstSize = 10
	}
	if rl.CooldownSec == 0 {
		rl.CooldownSec = 30
	}
	if rl.CooldownBetweenMessagesSec == 0 {
		rl.CooldownBetweenMessagesSec = 30
	}
	if rl.CircuitBreaker.Threshold == 0 {
		rl.CircuitBreaker.Threshold = 5
	}
	if rl.CircuitBreaker.TimeoutSec == 0 {
		rl.CircuitBreaker.TimeoutSec = 60
	}
	if rl.CircuitBreaker.TrialEvery == 0 {
		rl.CircuitBreaker.TrialEvery = 5
	}

	if c.Safety.BotDisclosure.Message == "" {
		c.Safety.BotDisclosure.Message = DefaultDisclosure
	}
	if c.Safety.AutoStop.AfterMessages == 0 {
		c.Safety.AutoStop.AfterMessages = 50
	}

	r := &c.Response
	if r.TemplateWeight == 0 {
		r.TemplateWeight = 0.3
	}
	if r.MaxLength == 0 {
		r.MaxLength = 500
	}
	if r.MinLength == 0 {
		r.MinLength = 5
	}
	if r.HistoryWindow == 0 {
		r.HistoryWindow = 5
	}
	if len(r.Disallowed) == 0 {
		r.Disallowed = []string{"personal information", "phone number", "address", "credit card", "social security"}
	}
	if len(r.Fallbacks) == 0 {
		r.Fallbacks = []string{
			"That's interesting! Tell me more.",
			"I'd love to hear more about that!",
			"Thanks for sharing! What else is on your mind?",
		}
	}

	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
	if c.AI.Temperature == 0 {
		c.AI.Temperature = 0.8
	}
	if c.AI.MaxTokens == 0 {
		c.AI.MaxTokens = 150
	}
	if c.AI.TimeoutSec == 0 {
		c.AI.TimeoutSec = 30
	}
	if c.AI.CacheTTLSec == 0 {
		c.AI.CacheTTLSec = 300
	}

	p := &c.Polling
	if p.QuietHours == nil {
		p.QuietHours = &HourRange{From: 2, To: 8}
	}
	if p.PeakHours == nil {
		p.PeakHours = &HourRange{From: 18, To: 22}
	}
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = 4
	}
	if p.PauseCheckMS == 0 {
		p.PauseCheckMS = 1000
	}

	if c.Sessions.RetentionHours == 0 {
		c.Sessions.RetentionHours = 24
	}
	if c.Sessions.CleanupCron == "" {
		c.Sessions.CleanupCron = "0 * * * *"
	}
	if c.Health.Cron == "" {
		c.Health.Cron = "* * * * *"
	}

	d := &c.Database
	if d.Driver == "sqlite" && d.Path == "" {
		d.Path = "switchboard.db"
	}
	if d.Driver == "mysql" {
		if d.Host == "" {
			d.Host = "127.0.0.1"
		}
		if d.Port == 0 {
			d.Port = 3306
		}
		if d.User == "" {
			d.User = "root"
		}
		if d.Database == "" {
			d.Database = "switchboard"
		}
	}

	if c.StatusServer.Port == 0 {
		c.StatusServer.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

var validStrategies = map[string]bool{
	"token_bucket":   true,
	"sliding_window": true,
	"fixed_window":   true,
	"adaptive":       true,
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Surface.Platform {
	case "mock":
	case "discord":
		if c.Surface.Discord.BotToken == "" {
			errs = append(errs, "surface.discord.bot_token is required")
		}
	case "slack":
		if c.Surface.Slack.BotToken == "" {
			errs = append(errs, "surface.slack.bot_token is required")
		}
		if c.Surface.Slack.AppToken == "" {
			errs = append(errs, "surface.slack.app_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("surface.platform %q is not supported", c.Surface.Platform))
	}

	rl := c.RateLimiting
	if !validStrategies[rl.Strategy] {
		errs = append(errs, fmt.Sprintf("rate_limiting.strategy %q is not supported", rl.Strategy))
	}
	if rl.MessagesPerHour < 0 || rl.MessagesPerDay < 0 || rl.RequestsPerMinute < 0 {
		errs = append(errs, "rate_limiting ceilings must not be negative")
	}
	if rl.RequestsPerSecond < 0 {
		errs = append(errs, "rate_limiting.requests_per_second must not be negative")
	}
	if rl.BurstSize < 0 {
		errs = append(errs, "rate_limiting.burst_size must not be negative")
	}
	if rl.Distributed.Enabled && !c.Database.Enabled() {
		errs = append(errs, "rate_limiting.distributed requires a database")
	}

	if c.Response.TemplateWeight < 0 || c.Response.TemplateWeight > 1 {
		errs = append(errs, "response.template_weight must be between 0 and 1")
	}
	if c.Response.MinLength > c.Response.MaxLength {
		errs = append(errs, "response.min_length must not exceed response.max_length")
	}
	if c.Safety.AutoStop.AfterMessages < 0 || c.Safety.AutoStop.AfterHours < 0 {
		errs = append(errs, "safety.auto_stop thresholds must not be negative")
	}

	if !c.Polling.QuietHours.valid() {
		errs = append(errs, "polling.quiet_hours hours must be between 0 and 23")
	}
	if !c.Polling.PeakHours.valid() {
		errs = append(errs, "polling.peak_hours hours must be between 0 and 23")
	}

	switch c.Database.Driver {
	case "", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SessionRetention returns the session retention window.
func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.Sessions.RetentionHours * float64(time.Hour))
}
