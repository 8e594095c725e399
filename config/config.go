package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/logging"
)

// Config holds all service configuration
type Config struct {
	Server         ServerConfig         `json:"server" yaml:"server"`
	Database       DatabaseConfig       `json:"database" yaml:"database"`
	Redis          RedisConfig          `json:"redis" yaml:"redis"`
	Broker         BrokerConfig         `json:"broker" yaml:"broker"`
	Trading        TradingConfig        `json:"trading" yaml:"trading"`
	Risk           RiskConfig           `json:"risk" yaml:"risk"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Reconciliation ReconciliationConfig `json:"reconciliation" yaml:"reconciliation"`
	TWAP           TWAPConfig           `json:"twap" yaml:"twap"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	Webhook        WebhookConfig        `json:"webhook" yaml:"webhook"`
	Auth           AuthConfig           `json:"auth" yaml:"auth"`
	Vault          VaultConfig          `json:"vault" yaml:"vault"`
	NATS           NATSConfig           `json:"nats" yaml:"nats"`
	Telemetry      TelemetryConfig      `json:"telemetry" yaml:"telemetry"`
	Logging        logging.Config       `json:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownSecs   int      `json:"shutdown_timeout_secs" yaml:"shutdown_timeout_secs"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds Postgres configuration. An empty host selects the in-memory store.
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

// Enabled reports whether a Postgres host is configured
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// RedisConfig holds Redis configuration. Disabled means breaker state and
// cancellation flags live in process memory.
type RedisConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// BrokerConfig holds broker connection settings. Credentials are overlaid from Vault.
type BrokerConfig struct {
	Provider      string `json:"provider" yaml:"provider"` // "alpaca" or "mock"
	BaseURL       string `json:"base_url" yaml:"base_url"`
	APIKey        string `json:"-" yaml:"-"`
	APISecret     string `json:"-" yaml:"-"`
	Paper         bool   `json:"paper" yaml:"paper"`
	StreamUpdates bool   `json:"stream_updates" yaml:"stream_updates"`
	TimeoutSecs   int    `json:"timeout_secs" yaml:"timeout_secs"`
}

// Timeout returns the per-call broker timeout
func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSecs) * time.Second
}

// TradingConfig holds order submission settings
type TradingConfig struct {
	DryRun        bool   `json:"dry_run" yaml:"dry_run"`
	TradeTimezone string `json:"trade_timezone" yaml:"trade_timezone"`
}

// RiskConfig holds pre-trade limits. Zero limits are disabled.
type RiskConfig struct {
	DefaultMaxPosition  int64            `json:"default_max_position" yaml:"default_max_position"`
	MaxPositionBySymbol map[string]int64 `json:"max_position_by_symbol" yaml:"max_position_by_symbol"`
	Blacklist           []string         `json:"blacklist" yaml:"blacklist"`
	MaxTotalNotional    float64          `json:"max_total_notional" yaml:"max_total_notional"`
	MaxLongExposure     float64          `json:"max_long_exposure" yaml:"max_long_exposure"`
	MaxShortExposure    float64          `json:"max_short_exposure" yaml:"max_short_exposure"`
}

// CircuitBreakerConfig holds breaker and post-trade monitor settings
type CircuitBreakerConfig struct {
	DailyLossLimit      float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`           // absolute currency loss
	MaxDrawdownPct      float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`           // fraction of peak equity
	StalenessSecs       int     `json:"staleness_secs" yaml:"staleness_secs"`               // no price update threshold
	QuietPeriodSecs     int     `json:"quiet_period_secs" yaml:"quiet_period_secs"`         // dwell before OPEN
	MonitorIntervalSecs int     `json:"monitor_interval_secs" yaml:"monitor_interval_secs"` // post-trade monitor cadence
}

// QuietPeriod returns the dwell time after reset
func (c CircuitBreakerConfig) QuietPeriod() time.Duration {
	return time.Duration(c.QuietPeriodSecs) * time.Second
}

// MonitorInterval returns the post-trade monitor cadence
func (c CircuitBreakerConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSecs) * time.Second
}

// Staleness returns the price staleness threshold
func (c CircuitBreakerConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessSecs) * time.Second
}

// Startup policies when the startup reconciliation deadline passes
const (
	StartupPolicyDegraded = "degraded"
	StartupPolicyFail     = "fail"
)

// ReconciliationConfig holds reconciliation settings
type ReconciliationConfig struct {
	IntervalSecs        int      `json:"interval_secs" yaml:"interval_secs"`
	StartupDeadlineSecs int      `json:"startup_deadline_secs" yaml:"startup_deadline_secs"`
	StartupPolicy       string   `json:"startup_policy" yaml:"startup_policy"`
	SubmitGraceSecs     int      `json:"submit_grace_secs" yaml:"submit_grace_secs"`
	KnownStrategies     []string `json:"known_strategies" yaml:"known_strategies"`
}

// Interval returns the periodic reconciliation cadence
func (r ReconciliationConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSecs) * time.Second
}

// StartupDeadline returns the overall startup reconciliation deadline
func (r ReconciliationConfig) StartupDeadline() time.Duration {
	return time.Duration(r.StartupDeadlineSecs) * time.Second
}

// SubmitGrace returns how long an unacknowledged order may stay unknown to the broker
func (r ReconciliationConfig) SubmitGrace() time.Duration {
	return time.Duration(r.SubmitGraceSecs) * time.Second
}

// TWAPConfig holds slicing limits
type TWAPConfig struct {
	MinIntervalSecs int `json:"min_interval_secs" yaml:"min_interval_secs"`
	MaxSlices       int `json:"max_slices" yaml:"max_slices"`
}

// RetryConfig holds broker retry settings
type RetryConfig struct {
	MaxAttempts       int `json:"max_attempts" yaml:"max_attempts"`
	InitialIntervalMs int `json:"initial_interval_ms" yaml:"initial_interval_ms"`
	MaxIntervalMs     int `json:"max_interval_ms" yaml:"max_interval_ms"`
}

// WebhookConfig holds broker push authentication settings
type WebhookConfig struct {
	Secret          string `json:"-" yaml:"-"`
	SignatureHeader string `json:"signature_header" yaml:"signature_header"`
}

// AuthConfig holds operator authentication settings
type AuthConfig struct {
	JWTSecret    string            `json:"-" yaml:"-"`
	TokenTTLMins int               `json:"token_ttl_mins" yaml:"token_ttl_mins"`
	Operators    map[string]string `json:"operators" yaml:"operators"` // name -> bcrypt hash of API key
}

// TokenTTL returns the operator token lifetime
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMins) * time.Minute
}

// VaultConfig holds HashiCorp Vault settings
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"-" yaml:"-"`
	SecretPath string `json:"secret_path" yaml:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// NATSConfig holds alert publisher settings
type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// TelemetryConfig holds tracing settings
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
	Environment  string `json:"environment" yaml:"environment"`
}

// Default returns a configuration with safe defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, ShutdownSecs: 30},
		Database: DatabaseConfig{
			Port:     5432,
			User:     "trader",
			Database: "execution",
			SSLMode:  "disable",
			MaxConns: 25,
		},
		Redis:  RedisConfig{Address: "localhost:6379", KeyPrefix: "exec:"},
		Broker: BrokerConfig{Provider: "mock", BaseURL: "https://paper-api.alpaca.markets", Paper: true, TimeoutSecs: 10},
		Trading: TradingConfig{
			DryRun:        true,
			TradeTimezone: "America/New_York",
		},
		Risk: RiskConfig{
			DefaultMaxPosition:  1000,
			MaxPositionBySymbol: map[string]int64{},
			MaxTotalNotional:    500000,
			MaxLongExposure:     500000,
			MaxShortExposure:    250000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			DailyLossLimit:      5000,
			MaxDrawdownPct:      0.10,
			StalenessSecs:       900,
			QuietPeriodSecs:     300,
			MonitorIntervalSecs: 60,
		},
		Reconciliation: ReconciliationConfig{
			IntervalSecs:        300,
			StartupDeadlineSecs: 60,
			StartupPolicy:       StartupPolicyDegraded,
			SubmitGraceSecs:     300,
		},
		TWAP:    TWAPConfig{MinIntervalSecs: 30, MaxSlices: 500},
		Retry:   RetryConfig{MaxAttempts: 3, InitialIntervalMs: 200, MaxIntervalMs: 2000},
		Webhook: WebhookConfig{SignatureHeader: "X-Signature"},
		Auth:    AuthConfig{TokenTTLMins: 60, Operators: map[string]string{}},
		Vault:   VaultConfig{SecretPath: "secret/data/execution"},
		NATS:    NATSConfig{URL: "nats://localhost:4222", SubjectPrefix: "trading.alerts"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "execution-gateway",
			Environment:  "development",
		},
		Logging: logging.Config{Level: "info", Output: "stdout", Service: "execution-gateway", JSONFormat: true},
	}
}

// Load reads .env, the config file at path (JSON or YAML by extension), then
// applies environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", filename, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", filename, err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	// Database
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	// Redis
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Broker; credentials may be replaced by Vault later
	cfg.Broker.Provider = getEnvOrDefault("BROKER_PROVIDER", cfg.Broker.Provider)
	cfg.Broker.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.Broker.BaseURL)
	cfg.Broker.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.Broker.APIKey)
	cfg.Broker.APISecret = getEnvOrDefault("BROKER_API_SECRET", cfg.Broker.APISecret)
	cfg.Broker.Paper = getEnvBoolOrDefault("BROKER_PAPER", cfg.Broker.Paper)
	cfg.Broker.StreamUpdates = getEnvBoolOrDefault("BROKER_STREAM_UPDATES", cfg.Broker.StreamUpdates)
	cfg.Broker.TimeoutSecs = getEnvIntOrDefault("BROKER_TIMEOUT_SECS", cfg.Broker.TimeoutSecs)

	// Trading
	cfg.Trading.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.Trading.DryRun)
	cfg.Trading.TradeTimezone = getEnvOrDefault("TRADE_TIMEZONE", cfg.Trading.TradeTimezone)

	// Circuit breaker
	cfg.CircuitBreaker.DailyLossLimit = getEnvFloatOrDefault("CB_DAILY_LOSS_LIMIT", cfg.CircuitBreaker.DailyLossLimit)
	cfg.CircuitBreaker.MaxDrawdownPct = getEnvFloatOrDefault("CB_MAX_DRAWDOWN_PCT", cfg.CircuitBreaker.MaxDrawdownPct)
	cfg.CircuitBreaker.QuietPeriodSecs = getEnvIntOrDefault("CB_QUIET_PERIOD_SECS", cfg.CircuitBreaker.QuietPeriodSecs)

	// Reconciliation
	cfg.Reconciliation.IntervalSecs = getEnvIntOrDefault("RECON_INTERVAL_SECS", cfg.Reconciliation.IntervalSecs)
	cfg.Reconciliation.StartupDeadlineSecs = getEnvIntOrDefault("RECON_STARTUP_DEADLINE_SECS", cfg.Reconciliation.StartupDeadlineSecs)
	cfg.Reconciliation.StartupPolicy = getEnvOrDefault("RECON_STARTUP_POLICY", cfg.Reconciliation.StartupPolicy)

	// Secrets
	cfg.Webhook.Secret = getEnvOrDefault("WEBHOOK_SECRET", cfg.Webhook.Secret)
	cfg.Auth.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)

	// Vault
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	// NATS
	cfg.NATS.Enabled = getEnvBoolOrDefault("NATS_ENABLED", cfg.NATS.Enabled)
	cfg.NATS.URL = getEnvOrDefault("NATS_URL", cfg.NATS.URL)

	// Telemetry
	cfg.Telemetry.Enabled = getEnvBoolOrDefault("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.Environment = getEnvOrDefault("ENVIRONMENT", cfg.Telemetry.Environment)

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
}

// Validate rejects configurations the service cannot run safely with
func (c *Config) Validate() error {
	switch c.Reconciliation.StartupPolicy {
	case StartupPolicyDegraded, StartupPolicyFail:
	default:
		return fmt.Errorf("invalid reconciliation.startup_policy %q", c.Reconciliation.StartupPolicy)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.CircuitBreaker.MaxDrawdownPct < 0 || c.CircuitBreaker.MaxDrawdownPct >= 1 {
		return errors.New("circuit_breaker.max_drawdown_pct must be in [0,1)")
	}
	if c.Broker.Provider == "alpaca" && !c.Vault.Enabled && (c.Broker.APIKey == "" || c.Broker.APISecret == "") {
		return errors.New("alpaca broker requires BROKER_API_KEY and BROKER_API_SECRET or vault")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// RetryBackoff returns the initial and max retry intervals
func (c *Config) RetryBackoff() (time.Duration, time.Duration) {
	initial := getEnvDurationOrDefault("RETRY_INITIAL_INTERVAL", time.Duration(c.Retry.InitialIntervalMs)*time.Millisecond)
	maxInterval := time.Duration(c.Retry.MaxIntervalMs) * time.Millisecond
	return initial, maxInterval
}
