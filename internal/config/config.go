// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Engine      EngineConfig      `yaml:"engine"`
	Venues      map[string]VenueConfig `yaml:"venues"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Notify      NotifyConfig      `yaml:"notify"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// DatabaseConfig contains persistence settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// VenueConfig contains per-venue endpoint overrides
type VenueConfig struct {
	BaseURL        string `yaml:"base_url"`
	TestnetBaseURL string `yaml:"testnet_base_url"`
	StreamURL      string `yaml:"stream_url"`
}

// CredentialsConfig controls the credential-at-rest strategy
type CredentialsConfig struct {
	EncryptedAtRest bool   `yaml:"encrypted_at_rest"`
	EncryptionKey   Secret `yaml:"encryption_key"`
	// Env-var seeds used as a fallback when decryption fails during
	// migration from the legacy plaintext deployment.
	AllowEnvFallback bool `yaml:"allow_env_fallback"`
}

// NotifyConfig contains notification channel settings
type NotifyConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// StrategyConfig controls the in-process strategy signal source
type StrategyConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BotID        string   `yaml:"bot_id"`
	Symbols      []string `yaml:"symbols"`
	MovePct      float64  `yaml:"move_pct"`
	WindowMinute int      `yaml:"window_minutes"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int    `yaml:"metrics_port"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	Environment   string `yaml:"environment"`
	// DebugExporters enables the stdout trace/log exporters
	DebugExporters bool `yaml:"debug_exporters"`
}

// EngineConfig contains the timing and policy knobs of the broadcast engine
type EngineConfig struct {
	SyncIntervalDefaultSec    int   `yaml:"sync_interval_default_sec"`
	SyncIntervalVenueTightSec int   `yaml:"sync_interval_venue_tight_sec"`
	SignatureToleranceSec     int   `yaml:"signature_tolerance_sec"`
	WebhookMaxRetries         int   `yaml:"webhook_max_retries"`
	WebhookRetryDelaysSec     []int `yaml:"webhook_retry_delays_sec"`
	WebhookErrorThreshold     int   `yaml:"webhook_error_threshold"`
	SignalCooldownMinutes     int   `yaml:"signal_cooldown_minutes"`
	OrderRetryMaxAttempts     int   `yaml:"order_retry_max_attempts"`
	OrderRetryBackoffSec      []int `yaml:"order_retry_backoff_sec"`
	IdempotencyTTLSec         int   `yaml:"idempotency_ttl_sec"`
	DailyReportHourUTC        int   `yaml:"daily_report_hour_utc"`
	MonitorTickSec            int   `yaml:"monitor_tick_sec"`
	BroadcastPoolSize         int   `yaml:"broadcast_pool_size"`
	BroadcastPoolBuffer       int   `yaml:"broadcast_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expanded := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.ListenAddr == "" {
		c.App.ListenAddr = ":8080"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.Database.Path == "" {
		c.Database.Path = "signal_relay.db"
	}
	e := &c.Engine
	if e.SyncIntervalDefaultSec == 0 {
		e.SyncIntervalDefaultSec = 30
	}
	if e.SyncIntervalVenueTightSec == 0 {
		e.SyncIntervalVenueTightSec = 60
	}
	if e.SignatureToleranceSec == 0 {
		e.SignatureToleranceSec = 300
	}
	if e.WebhookMaxRetries == 0 {
		e.WebhookMaxRetries = 3
	}
	if len(e.WebhookRetryDelaysSec) == 0 {
		e.WebhookRetryDelaysSec = []int{1, 5, 15}
	}
	if e.WebhookErrorThreshold == 0 {
		e.WebhookErrorThreshold = 10
	}
	if e.SignalCooldownMinutes == 0 {
		e.SignalCooldownMinutes = 5
	}
	if e.OrderRetryMaxAttempts == 0 {
		e.OrderRetryMaxAttempts = 3
	}
	if len(e.OrderRetryBackoffSec) == 0 {
		e.OrderRetryBackoffSec = []int{1, 2, 4}
	}
	if e.IdempotencyTTLSec == 0 {
		e.IdempotencyTTLSec = 60
	}
	if e.DailyReportHourUTC == 0 {
		e.DailyReportHourUTC = 11
	}
	if e.MonitorTickSec == 0 {
		e.MonitorTickSec = 30
	}
	if e.BroadcastPoolSize == 0 {
		e.BroadcastPoolSize = 20
	}
	if e.BroadcastPoolBuffer == 0 {
		e.BroadcastPoolBuffer = 500
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9100
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEngine(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateCredentials(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateApp() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateEngine() error {
	e := c.Engine
	if e.MonitorTickSec < 1 || e.MonitorTickSec > 3600 {
		return ValidationError{
			Field:   "engine.monitor_tick_sec",
			Value:   e.MonitorTickSec,
			Message: "must be between 1 and 3600",
		}
	}
	if e.SignatureToleranceSec < 1 {
		return ValidationError{
			Field:   "engine.signature_tolerance_sec",
			Value:   e.SignatureToleranceSec,
			Message: "must be positive",
		}
	}
	if len(e.OrderRetryBackoffSec) < e.OrderRetryMaxAttempts-1 {
		return ValidationError{
			Field:   "engine.order_retry_backoff_sec",
			Value:   e.OrderRetryBackoffSec,
			Message: "backoff ladder shorter than retry attempts",
		}
	}
	if e.DailyReportHourUTC < 0 || e.DailyReportHourUTC > 23 {
		return ValidationError{
			Field:   "engine.daily_report_hour_utc",
			Value:   e.DailyReportHourUTC,
			Message: "must be an hour between 0 and 23",
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	validVenues := []string{"bitget", "binance", "okx", "bybit", "mock"}
	for name := range c.Venues {
		if !contains(validVenues, name) {
			return ValidationError{
				Field:   "venues",
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validVenues, ", ")),
			}
		}
	}
	return nil
}

func (c *Config) validateCredentials() error {
	if c.Credentials.EncryptedAtRest && c.Credentials.EncryptionKey == "" {
		return ValidationError{
			Field:   "credentials.encryption_key",
			Message: "encryption key is required when encrypted_at_rest is enabled",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			ListenAddr: ":8080",
			LogLevel:   "INFO",
		},
		Database: DatabaseConfig{
			Path: ":memory:",
		},
		Credentials: CredentialsConfig{
			EncryptedAtRest: false,
		},
	}
	cfg.applyDefaults()
	return cfg
}
