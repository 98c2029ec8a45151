// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradecore/internal/coordinator"
	"github.com/coachpo/tradecore/internal/idgen"
	"github.com/coachpo/tradecore/internal/infra/telemetry"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/internal/risk"
	"github.com/coachpo/tradecore/internal/trigger"
)

// LocksConfig sizes the per-user lock table.
type LocksConfig struct {
	Shards int `yaml:"shards"`
}

// BackgroundConfig sizes the post-commit worker pool.
type BackgroundConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queueSize"`
}

// MarketDataConfig bounds how old prices and conversion rates may be.
type MarketDataConfig struct {
	MaxQuoteAge        time.Duration `yaml:"maxQuoteAge"`
	MaxLiveRateAge     time.Duration `yaml:"maxLiveRateAge"`
	MaxFallbackRateAge time.Duration `yaml:"maxFallbackRateAge"`
}

// MetricsConfig exposes the prometheus registry. An empty address disables the listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// CacheConfig locates the pebble cache. An empty path keeps it in memory.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// When disabled the engine runs on the in-memory store.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsPath    string        `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/tradecore"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
	if c.MigrationsPath == "" {
		c.MigrationsPath = "embedded"
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// EventsConfig configures the Kafka order-event publisher and tick reader.
type EventsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Brokers         []string      `yaml:"brokers"`
	OrderTopic      string        `yaml:"orderTopic"`
	TickTopic       string        `yaml:"tickTopic"`
	TickGroupID     string        `yaml:"tickGroupId"`
	PublishTimeout  time.Duration `yaml:"publishTimeout"`
	PublishAttempts uint          `yaml:"publishAttempts"`
}

func (c *EventsConfig) applyDefaults() {
	brokers := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Brokers = brokers
	c.OrderTopic = strings.TrimSpace(c.OrderTopic)
	if c.OrderTopic == "" {
		c.OrderTopic = "order.events"
	}
	c.TickTopic = strings.TrimSpace(c.TickTopic)
	if c.TickTopic == "" {
		c.TickTopic = "price.ticks"
	}
	c.TickGroupID = strings.TrimSpace(c.TickGroupID)
	if c.TickGroupID == "" {
		c.TickGroupID = "tradecore-engine"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.PublishAttempts == 0 {
		c.PublishAttempts = 3
	}
}

// AppConfig is the unified engine configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment             `yaml:"environment"`
	Logging     observability.LogConfig `yaml:"logging"`
	Coordinator coordinator.Config      `yaml:"coordinator"`
	Locks       LocksConfig             `yaml:"locks"`
	Trigger     trigger.Config          `yaml:"trigger"`
	IDs         idgen.Config            `yaml:"ids"`
	Background  BackgroundConfig        `yaml:"background"`
	Throttle    risk.Limits             `yaml:"throttle"`
	MarketData  MarketDataConfig        `yaml:"marketData"`
	Telemetry   telemetry.Config        `yaml:"telemetry"`
	Database    DatabaseConfig          `yaml:"database"`
	Cache       CacheConfig             `yaml:"cache"`
	Events      EventsConfig            `yaml:"events"`
	Metrics     MetricsConfig           `yaml:"metrics"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Logging:     observability.LogConfig{Level: "info"},
		Metrics:     MetricsConfig{Addr: ":9464"},
		Throttle: risk.Limits{
			OrderThrottle: 20,
			Burst:         10,
			MaxWait:       50 * time.Millisecond,
		},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
// Environment overrides are applied on top of the file contents.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Environment: EnvDev}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finalise(cfg)
}

// LoadOrDefault loads configPath when it exists and falls back to Default otherwise.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return finalise(Default())
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return finalise(Default())
	}
	return cfg, err
}

func finalise(cfg AppConfig) (AppConfig, error) {
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = normaliseEnvironment(string(c.Environment))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Locks.Shards <= 0 {
		c.Locks.Shards = 64
	}
	if c.Background.Workers <= 0 {
		c.Background.Workers = 4
	}
	if c.Background.QueueSize <= 0 {
		c.Background.QueueSize = 1024
	}
	if c.Throttle.Burst <= 0 {
		c.Throttle.Burst = 1
	}

	if c.MarketData.MaxQuoteAge <= 0 {
		c.MarketData.MaxQuoteAge = 5 * time.Second
	}
	if c.MarketData.MaxLiveRateAge <= 0 {
		c.MarketData.MaxLiveRateAge = c.MarketData.MaxQuoteAge
	}
	if c.MarketData.MaxFallbackRateAge <= 0 {
		c.MarketData.MaxFallbackRateAge = time.Minute
	}

	c.Telemetry.Environment = string(c.Environment)
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "tradecore-engine"
	}
	c.Telemetry = c.Telemetry.Normalise()

	c.Metrics.Addr = strings.TrimSpace(c.Metrics.Addr)
	c.Cache.Path = strings.TrimSpace(c.Cache.Path)
	if c.Cache.Path != "" {
		c.Cache.Path = filepath.Clean(c.Cache.Path)
	}

	c.Database.applyDefaults()
	c.Events.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Coordinator.FanoutTimeout < 0 {
		return fmt.Errorf("coordinator fanoutTimeout must be >=0")
	}
	if c.Coordinator.LockTimeout < 0 {
		return fmt.Errorf("coordinator lockTimeout must be >=0")
	}
	switch c.Trigger.Policy {
	case "", trigger.PolicyParallel, trigger.PolicySequential:
	default:
		return fmt.Errorf("trigger policy must be parallel or sequential")
	}
	if c.IDs.MaxAttempts < 0 {
		return fmt.Errorf("ids maxAttempts must be >=0")
	}
	if c.Throttle.OrderThrottle < 0 {
		return fmt.Errorf("throttle orderThrottle must be >=0")
	}
	if c.Throttle.MaxOrderQuantity.IsNegative() {
		return fmt.Errorf("throttle maxOrderQuantity must be >=0")
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("events: brokers required when enabled")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
