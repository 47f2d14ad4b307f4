// Package config loads orchestrator configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default tuning values. Periods and thresholds are deliberately conservative;
// operators override them through the environment.
const (
	DefaultPoolMinConns       = 2
	DefaultPoolMaxConns       = 10
	DefaultConnectTimeout     = 10 * time.Second
	DefaultStatementTimeout   = 30 * time.Second
	DefaultLockTimeout        = 10 * time.Second
	DefaultIdleInTxTimeout    = 30 * time.Second
	DefaultHeartbeatTimeout   = 300 * time.Second
	DefaultRebalancePeriod    = 300 * time.Second
	DefaultFailoverPeriod     = 10 * time.Second
	DefaultReconcilerPeriod   = 300 * time.Second
	DefaultMaxRepairAttempts  = 3
	DefaultImbalanceThreshold = 0.20
	DefaultTxWarnThreshold    = 30 * time.Second
	DefaultHTTPAddr           = ":8080"

	// MaxLockTimeout caps lock_timeout so a blocked lock wait surfaces as
	// a retryable error instead of stalling a handler.
	MaxLockTimeout = 10 * time.Second
)

// Config carries every tunable the orchestrator recognises.
type Config struct {
	// DatabaseDSN is the Postgres connection string. Mandatory.
	DatabaseDSN string

	// Pool sizing and per-connection session settings.
	PoolMinConns     int
	PoolMaxConns     int
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	IdleInTxTimeout  time.Duration

	// HeartbeatTimeout is the staleness threshold: a worker whose last
	// heartbeat is older than this is considered stale.
	HeartbeatTimeout time.Duration

	// Background loop periods.
	RebalancePeriod  time.Duration
	FailoverPeriod   time.Duration
	ReconcilerPeriod time.Duration

	// MaxRepairAttempts caps auto-repair retries per reconciler issue.
	MaxRepairAttempts int

	// ImbalanceThreshold is the fractional deviation of the most-loaded
	// worker from the mean that triggers a full rebalance.
	ImbalanceThreshold float64

	// TxWarnThreshold is the long-transaction warning threshold; a
	// transaction exceeding twice this value is forcibly aborted.
	TxWarnThreshold time.Duration

	HTTPAddr string

	// Logging and tracing.
	LogLevel     string
	LogDev       bool
	OTELExporter string
	OTELEndpoint string
	OTELInsecure bool
}

// Defaults returns a Config populated with the default tuning values.
func Defaults() Config {
	return Config{
		PoolMinConns:       DefaultPoolMinConns,
		PoolMaxConns:       DefaultPoolMaxConns,
		ConnectTimeout:     DefaultConnectTimeout,
		StatementTimeout:   DefaultStatementTimeout,
		LockTimeout:        DefaultLockTimeout,
		IdleInTxTimeout:    DefaultIdleInTxTimeout,
		HeartbeatTimeout:   DefaultHeartbeatTimeout,
		RebalancePeriod:    DefaultRebalancePeriod,
		FailoverPeriod:     DefaultFailoverPeriod,
		ReconcilerPeriod:   DefaultReconcilerPeriod,
		MaxRepairAttempts:  DefaultMaxRepairAttempts,
		ImbalanceThreshold: DefaultImbalanceThreshold,
		TxWarnThreshold:    DefaultTxWarnThreshold,
		HTTPAddr:           DefaultHTTPAddr,
		LogLevel:           "info",
		OTELExporter:       "none",
	}
}

// Load reads configuration from the environment on top of Defaults.
func Load() (Config, error) {
	cfg := Defaults()

	cfg.DatabaseDSN = os.Getenv("CONDUCTOR_DB_DSN")

	var err error
	if cfg.PoolMinConns, err = envInt("CONDUCTOR_POOL_MIN", cfg.PoolMinConns); err != nil {
		return cfg, err
	}
	if cfg.PoolMaxConns, err = envInt("CONDUCTOR_POOL_MAX", cfg.PoolMaxConns); err != nil {
		return cfg, err
	}
	if cfg.ConnectTimeout, err = envDuration("CONDUCTOR_POOL_CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return cfg, err
	}
	if cfg.StatementTimeout, err = envDuration("CONDUCTOR_POOL_STATEMENT_TIMEOUT", cfg.StatementTimeout); err != nil {
		return cfg, err
	}
	if cfg.LockTimeout, err = envDuration("CONDUCTOR_POOL_LOCK_TIMEOUT", cfg.LockTimeout); err != nil {
		return cfg, err
	}
	if cfg.IdleInTxTimeout, err = envDuration("CONDUCTOR_POOL_IDLE_TX_TIMEOUT", cfg.IdleInTxTimeout); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatTimeout, err = envDuration("CONDUCTOR_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout); err != nil {
		return cfg, err
	}
	if cfg.RebalancePeriod, err = envDuration("CONDUCTOR_REBALANCE_PERIOD", cfg.RebalancePeriod); err != nil {
		return cfg, err
	}
	if cfg.FailoverPeriod, err = envDuration("CONDUCTOR_FAILOVER_PERIOD", cfg.FailoverPeriod); err != nil {
		return cfg, err
	}
	if cfg.ReconcilerPeriod, err = envDuration("CONDUCTOR_RECONCILER_PERIOD", cfg.ReconcilerPeriod); err != nil {
		return cfg, err
	}
	if cfg.MaxRepairAttempts, err = envInt("CONDUCTOR_RECONCILER_MAX_ATTEMPTS", cfg.MaxRepairAttempts); err != nil {
		return cfg, err
	}
	if cfg.ImbalanceThreshold, err = envFloat("CONDUCTOR_IMBALANCE_THRESHOLD", cfg.ImbalanceThreshold); err != nil {
		return cfg, err
	}
	if cfg.TxWarnThreshold, err = envDuration("CONDUCTOR_TX_TIMEOUT_THRESHOLD", cfg.TxWarnThreshold); err != nil {
		return cfg, err
	}

	if v := os.Getenv("CONDUCTOR_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogDev = os.Getenv("CONDUCTOR_LOG_DEV") == "true"
	if v := os.Getenv("CONDUCTOR_OTEL_EXPORTER"); v != "" {
		cfg.OTELExporter = v
	}
	cfg.OTELEndpoint = os.Getenv("CONDUCTOR_OTEL_ENDPOINT")
	cfg.OTELInsecure = os.Getenv("CONDUCTOR_OTEL_INSECURE") == "true"

	return cfg, nil
}

// Validate checks mandatory fields and bounds.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("CONDUCTOR_DB_DSN is required")
	}
	if c.PoolMinConns < 0 {
		return fmt.Errorf("pool min conns must be >= 0, got %d", c.PoolMinConns)
	}
	if c.PoolMaxConns < 1 {
		return fmt.Errorf("pool max conns must be >= 1, got %d", c.PoolMaxConns)
	}
	if c.PoolMinConns > c.PoolMaxConns {
		return fmt.Errorf("pool min conns %d exceeds max conns %d", c.PoolMinConns, c.PoolMaxConns)
	}
	if c.LockTimeout > MaxLockTimeout {
		return fmt.Errorf("lock timeout %s exceeds maximum %s", c.LockTimeout, MaxLockTimeout)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive, got %s", c.HeartbeatTimeout)
	}
	if c.FailoverPeriod <= 0 || c.ReconcilerPeriod <= 0 || c.RebalancePeriod <= 0 {
		return fmt.Errorf("background loop periods must be positive")
	}
	if c.ImbalanceThreshold < 0 || c.ImbalanceThreshold > 1 {
		return fmt.Errorf("imbalance threshold must be in [0, 1], got %g", c.ImbalanceThreshold)
	}
	if c.MaxRepairAttempts < 1 {
		return fmt.Errorf("max repair attempts must be >= 1, got %d", c.MaxRepairAttempts)
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// envDuration accepts Go duration strings, or a bare integer meaning seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
