package ygggo_odbc

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "YGGGO_ODBC_"

// ScalingStrategy governs how fast a pool grows toward its ceiling.
type ScalingStrategy string

const (
	ScalingAggressive  ScalingStrategy = "aggressive"
	ScalingGradual     ScalingStrategy = "gradual"
	ScalingExponential ScalingStrategy = "exponential"
)

// ConnConfig holds settings of one connection.
type ConnConfig struct {
	ConnectionString string
	ConnectTimeout   time.Duration
	// QueryTimeout is the default driver-level timeout of every statement.
	QueryTimeout  time.Duration
	StmtCacheSize int
	Logging       LoggingConfig
	Telemetry     TelemetryConfig
	Metrics       MetricsConfig
}

// PoolConfig holds pool settings.
type PoolConfig struct {
	ConnectionString string
	Floor            int
	Ceiling          int

	ScalingStrategy  ScalingStrategy
	ScalingIncrement int
	ScalingDelay     time.Duration
	ScalingFactor    float64

	// HeartbeatInterval of zero disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatSQL      string
	// InactivityTimeout of zero disables idle shrinking.
	InactivityTimeout time.Duration

	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	StmtCacheSize  int
	// Retry governs connection open attempts.
	Retry RetryPolicy

	Logging   LoggingConfig
	Telemetry TelemetryConfig
	Metrics   MetricsConfig
}

// DefaultPoolConfig returns a default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Floor:             0,
		Ceiling:           4,
		ScalingStrategy:   ScalingAggressive,
		ScalingIncrement:  1,
		ScalingDelay:      100 * time.Millisecond,
		ScalingFactor:     2,
		HeartbeatInterval: 20 * time.Second,
		HeartbeatSQL:      "SELECT 1",
		InactivityTimeout: 60 * time.Second,
		ConnectTimeout:    15 * time.Second,
		Retry:             DefaultRetryPolicy(),
	}
}

// DevelopmentPoolConfig returns a pool configuration optimized for development
func DevelopmentPoolConfig() PoolConfig {
	c := DefaultPoolConfig()
	c.Ceiling = 2
	c.HeartbeatInterval = 0
	return c
}

// ProductionPoolConfig returns a pool configuration optimized for production
func ProductionPoolConfig() PoolConfig {
	c := DefaultPoolConfig()
	c.Floor = 4
	c.Ceiling = 50
	c.ScalingStrategy = ScalingExponential
	c.InactivityTimeout = 5 * time.Minute
	c.StmtCacheSize = 64
	return c
}

// TestingPoolConfig returns a pool configuration optimized for testing
func TestingPoolConfig() PoolConfig {
	c := DefaultPoolConfig()
	c.Ceiling = 3
	c.ScalingDelay = 10 * time.Millisecond
	c.HeartbeatInterval = 0
	c.InactivityTimeout = 0
	c.Retry = RetryPolicy{MaxAttempts: 1}
	return c
}

// Validate checks pool bounds and scaling parameters.
func (c PoolConfig) Validate() error {
	if c.Floor < 0 {
		return fmt.Errorf("Floor must be non-negative, got %d", c.Floor)
	}
	if c.Ceiling <= 0 {
		return fmt.Errorf("Ceiling must be positive, got %d", c.Ceiling)
	}
	if c.Floor > c.Ceiling {
		return fmt.Errorf("Floor cannot be greater than Ceiling (Floor: %d, Ceiling: %d)", c.Floor, c.Ceiling)
	}
	switch c.ScalingStrategy {
	case "", ScalingAggressive:
	case ScalingGradual:
		if c.ScalingIncrement <= 0 {
			return fmt.Errorf("ScalingIncrement must be positive for gradual scaling, got %d", c.ScalingIncrement)
		}
	case ScalingExponential:
		if c.ScalingFactor <= 1 {
			return fmt.Errorf("ScalingFactor must be greater than 1 for exponential scaling, got %v", c.ScalingFactor)
		}
	default:
		return fmt.Errorf("unknown ScalingStrategy %q", c.ScalingStrategy)
	}
	if c.ScalingDelay < 0 || c.HeartbeatInterval < 0 || c.InactivityTimeout < 0 {
		return fmt.Errorf("durations must be non-negative")
	}
	return nil
}

// connConfig derives the per-connection settings of pooled connections.
func (c PoolConfig) connConfig() ConnConfig {
	return ConnConfig{
		ConnectionString: c.ConnectionString,
		ConnectTimeout:   c.ConnectTimeout,
		QueryTimeout:     c.QueryTimeout,
		StmtCacheSize:    c.StmtCacheSize,
		Logging:          c.Logging,
		Telemetry:        c.Telemetry,
		Metrics:          c.Metrics,
	}
}

// applyEnv overrides cfg with YGGGO_ODBC_* environment variables.
func applyEnv(cfg *PoolConfig) error {
	if cfg == nil { return nil }
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok { *dst = v }
	}
	num := func(key string, dst *int) {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok { return }
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s=%q", envPrefix, key, v))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok { return }
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s=%q", envPrefix, key, v))
			return
		}
		*dst = d
	}

	str("CONNECTION_STRING", &cfg.ConnectionString)
	num("FLOOR", &cfg.Floor)
	num("CEILING", &cfg.Ceiling)
	var strategy string
	str("SCALING_STRATEGY", &strategy)
	if strategy != "" { cfg.ScalingStrategy = ScalingStrategy(strings.ToLower(strategy)) }
	num("SCALING_INCREMENT", &cfg.ScalingIncrement)
	dur("SCALING_DELAY", &cfg.ScalingDelay)
	if v, ok := os.LookupEnv(envPrefix + "SCALING_FACTOR"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sSCALING_FACTOR=%q", envPrefix, v))
		} else {
			cfg.ScalingFactor = f
		}
	}
	dur("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	str("HEARTBEAT_SQL", &cfg.HeartbeatSQL)
	dur("INACTIVITY_TIMEOUT", &cfg.InactivityTimeout)
	dur("CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	dur("QUERY_TIMEOUT", &cfg.QueryTimeout)
	num("STMT_CACHE_SIZE", &cfg.StmtCacheSize)
	dur("SLOW_QUERY_THRESHOLD", &cfg.Logging.SlowQueryThreshold)
	if v, ok := os.LookupEnv(envPrefix + "LOGGING"); ok {
		cfg.Logging.Enabled, _ = strconv.ParseBool(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, ", "))
	}
	return nil
}

// PoolConfigFromEnv returns DefaultPoolConfig overridden by YGGGO_ODBC_* variables.
func PoolConfigFromEnv() (PoolConfig, error) {
	cfg := DefaultPoolConfig()
	if err := applyEnv(&cfg); err != nil { return cfg, err }
	return cfg, cfg.Validate()
}
