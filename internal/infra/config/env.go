package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/coachpo/tradecore/internal/trigger"
)

// Environment variables that override file configuration.
const (
	EnvVarEnvironment  = "TRADECORE_ENV"
	EnvVarLogLevel     = "TRADECORE_LOG_LEVEL"
	EnvVarDatabaseDSN  = "TRADECORE_DATABASE_DSN"
	EnvVarKafkaBrokers = "TRADECORE_KAFKA_BROKERS"
	EnvVarOTLPEndpoint = "TRADECORE_OTLP_ENDPOINT"
	EnvVarCachePath    = "TRADECORE_CACHE_PATH"
	EnvVarTriggerMode  = "TRADECORE_TRIGGER_POLICY"
	EnvVarMetrics      = "TRADECORE_METRICS_ENABLED"
	EnvVarMetricsAddr  = "TRADECORE_METRICS_ADDR"
)

// LoadDotEnv populates the process environment from the given .env files.
// Variables already set win; missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnvOverrides(cfg *AppConfig, lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		if !ok {
			return "", false
		}
		value = strings.TrimSpace(value)
		return value, value != ""
	}

	if v, ok := get(EnvVarEnvironment); ok {
		cfg.Environment = normaliseEnvironment(v)
	}
	if v, ok := get(EnvVarLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvVarDatabaseDSN); ok {
		cfg.Database.DSN = v
		cfg.Database.Enabled = true
	}
	if v, ok := get(EnvVarKafkaBrokers); ok {
		cfg.Events.Brokers = splitList(v)
		cfg.Events.Enabled = len(cfg.Events.Brokers) > 0
	}
	if v, ok := get(EnvVarOTLPEndpoint); ok {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v, ok := get(EnvVarCachePath); ok {
		cfg.Cache.Path = v
	}
	if v, ok := get(EnvVarTriggerMode); ok {
		cfg.Trigger.Policy = trigger.Policy(strings.ToLower(v))
	}
	if v, ok := get(EnvVarMetricsAddr); ok {
		cfg.Metrics.Addr = v
	}
	if v, ok := get(EnvVarMetrics); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVarMetrics, err)
		}
		cfg.Telemetry.Enabled = enabled
	}
	return nil
}
