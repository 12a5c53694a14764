package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validBackends   = []string{"memory", "redis"}
	validRedisModes = []string{"standalone", "sentinel"}
	validTraceModes = []string{"off", "errors", "sampled", "detailed"}
)

// TokenEnvVar fills github.token when the file leaves it empty.
const TokenEnvVar = "GITHUB_TOKEN"

// Config is the root application configuration.
type Config struct {
	Server      ServerConfig
	GitHub      GitHubConfig
	RateLimit   RateLimitConfig
	Retry       RetryConfig
	Aggregation AggregationConfig
	Store       StoreConfig
	Health      HealthConfig
	Telemetry   TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr     string
	LogLevel       string
	RequestTimeout time.Duration
}

// GitHubConfig configures GitHub API interactions.
type GitHubConfig struct {
	APIBaseURL     string
	RequestTimeout time.Duration
	UserAgent      string
	// Token is the server default credential used when callers send none.
	Token string
	App   GitHubAppConfig
}

// GitHubAppConfig configures an optional GitHub App installation credential.
type GitHubAppConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// Enabled reports whether any App setting was provided.
func (a GitHubAppConfig) Enabled() bool {
	return a.AppID != 0 || a.InstallationID != 0 || a.PrivateKeyPath != ""
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
}

// RetryConfig configures retries of GitHub calls.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// AggregationConfig configures the aggregation pipeline.
type AggregationConfig struct {
	Concurrency int
}

// StoreConfig configures operational metric storage.
type StoreConfig struct {
	Backend            string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	Retention          time.Duration
	MaxSeriesBudget    int
}

// HealthConfig configures health probe behavior.
type HealthConfig struct {
	GitHubUnhealthyFailureThreshold int
	GitHubUnhealthyCooldown         time.Duration
	GitHubRecoverSuccessThreshold   int
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadFile reads, defaults, overrides from the environment and validates a YAML file.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg, err := Load(file)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return load(reader, os.LookupEnv)
}

func load(reader io.Reader, lookupEnv func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)
	cfg.ApplyEnv(lookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills secrets the file left empty from the environment.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) {
	if lookupEnv == nil || c.GitHub.Token != "" {
		return
	}
	if token, ok := lookupEnv(TokenEnvVar); ok {
		c.GitHub.Token = strings.TrimSpace(token)
	}
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		errs = append(errs, "server.listen_addr is required")
	}
	if c.Server.RequestTimeout < 0 {
		errs = append(errs, "server.request_timeout must be >= 0")
	}

	if c.GitHub.RequestTimeout <= 0 {
		errs = append(errs, "github.request_timeout must be > 0")
	}
	if c.GitHub.App.Enabled() {
		if c.GitHub.App.AppID <= 0 {
			errs = append(errs, "github.app.app_id must be > 0")
		}
		if c.GitHub.App.InstallationID <= 0 {
			errs = append(errs, "github.app.installation_id must be > 0")
		}
		if c.GitHub.App.PrivateKeyPath == "" {
			errs = append(errs, "github.app.private_key_path is required")
		}
		if c.GitHub.Token != "" {
			errs = append(errs, "github.token and github.app are mutually exclusive")
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Retry.InitialBackoff <= 0 {
		errs = append(errs, "retry.initial_backoff must be > 0")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, "retry.jitter must be within [0, 1]")
	}

	if c.RateLimit.MinRemainingThreshold < 0 {
		errs = append(errs, "rate_limit.min_remaining_threshold must be >= 0")
	}

	if c.Aggregation.Concurrency <= 0 {
		errs = append(errs, "aggregation.concurrency must be > 0")
	}

	if !slices.Contains(validBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be memory or redis")
	}
	if c.Store.Backend == "redis" {
		if !slices.Contains(validRedisModes, c.Store.RedisMode) {
			errs = append(errs, "store.redis_mode must be standalone or sentinel")
		}
		if c.Store.RedisMode == "standalone" && c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required when store.redis_mode=standalone")
		}
		if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
			errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
		}
		if c.Store.RedisMode == "sentinel" && c.Store.RedisMasterSet == "" {
			errs = append(errs, "store.redis_master_set is required when store.redis_mode=sentinel")
		}
	}
	if c.Store.Retention <= 0 {
		errs = append(errs, "store.retention must be > 0")
	}

	if c.Health.GitHubUnhealthyFailureThreshold <= 0 {
		errs = append(errs, "health.github_unhealthy_failure_threshold must be > 0")
	}
	if c.Health.GitHubRecoverSuccessThreshold <= 0 {
		errs = append(errs, "health.github_recover_success_threshold must be > 0")
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be within [0, 1]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 5 * time.Minute
	}
	if cfg.GitHub.RequestTimeout == 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.GitHub.UserAgent == "" {
		cfg.GitHub.UserAgent = "github-loc/1.0"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 2 * time.Second
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = time.Minute
	}
	if cfg.RateLimit.MinResetBuffer == 0 {
		cfg.RateLimit.MinResetBuffer = time.Second
	}
	if cfg.RateLimit.SecondaryLimitBackoff == 0 {
		cfg.RateLimit.SecondaryLimitBackoff = 60 * time.Second
	}
	if cfg.Aggregation.Concurrency == 0 {
		cfg.Aggregation.Concurrency = 10
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Store.Retention == 0 {
		cfg.Store.Retention = 7 * 24 * time.Hour
	}
	if cfg.Health.GitHubUnhealthyFailureThreshold == 0 {
		cfg.Health.GitHubUnhealthyFailureThreshold = 3
	}
	if cfg.Health.GitHubUnhealthyCooldown == 0 {
		cfg.Health.GitHubUnhealthyCooldown = time.Minute
	}
	if cfg.Health.GitHubRecoverSuccessThreshold == 0 {
		cfg.Health.GitHubRecoverSuccessThreshold = 1
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "sampled"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server      rawServer      `yaml:"server"`
	GitHub      rawGitHub      `yaml:"github"`
	RateLimit   rawRateLimit   `yaml:"rate_limit"`
	Retry       rawRetry       `yaml:"retry"`
	Aggregation rawAggregation `yaml:"aggregation"`
	Store       rawStore       `yaml:"store"`
	Health      rawHealth      `yaml:"health"`
	Telemetry   rawTelemetry   `yaml:"telemetry"`
}

type rawServer struct {
	ListenAddr     string   `yaml:"listen_addr"`
	LogLevel       string   `yaml:"log_level"`
	RequestTimeout duration `yaml:"request_timeout"`
}

type rawGitHub struct {
	APIBaseURL     string       `yaml:"api_base_url"`
	RequestTimeout duration     `yaml:"request_timeout"`
	UserAgent      string       `yaml:"user_agent"`
	Token          string       `yaml:"token"`
	App            rawGitHubApp `yaml:"app"`
}

type rawGitHubApp struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
	Jitter         float64  `yaml:"jitter"`
}

type rawAggregation struct {
	Concurrency int `yaml:"concurrency"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	Retention          duration `yaml:"retention"`
	MaxSeriesBudget    int      `yaml:"max_series_budget"`
}

type rawHealth struct {
	GitHubUnhealthyFailureThreshold int      `yaml:"github_unhealthy_failure_threshold"`
	GitHubUnhealthyCooldown         duration `yaml:"github_unhealthy_cooldown"`
	GitHubRecoverSuccessThreshold   int      `yaml:"github_recover_success_threshold"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     r.Server.ListenAddr,
			LogLevel:       r.Server.LogLevel,
			RequestTimeout: r.Server.RequestTimeout.Duration,
		},
		GitHub: GitHubConfig{
			APIBaseURL:     r.GitHub.APIBaseURL,
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			UserAgent:      r.GitHub.UserAgent,
			Token:          strings.TrimSpace(r.GitHub.Token),
			App: GitHubAppConfig{
				AppID:          r.GitHub.App.AppID,
				InstallationID: r.GitHub.App.InstallationID,
				PrivateKeyPath: r.GitHub.App.PrivateKeyPath,
			},
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
			Jitter:         r.Retry.Jitter,
		},
		Aggregation: AggregationConfig{
			Concurrency: r.Aggregation.Concurrency,
		},
		Store: StoreConfig{
			Backend:            r.Store.Backend,
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			Retention:          r.Store.Retention.Duration,
			MaxSeriesBudget:    r.Store.MaxSeriesBudget,
		},
		Health: HealthConfig{
			GitHubUnhealthyFailureThreshold: r.Health.GitHubUnhealthyFailureThreshold,
			GitHubUnhealthyCooldown:         r.Health.GitHubUnhealthyCooldown.Duration,
			GitHubRecoverSuccessThreshold:   r.Health.GitHubRecoverSuccessThreshold,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
