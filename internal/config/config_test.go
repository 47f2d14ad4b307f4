package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.PoolMaxConns != 10 {
		t.Errorf("pool max conns = %d, want 10", cfg.PoolMaxConns)
	}
	if cfg.HeartbeatTimeout != 5*time.Minute {
		t.Errorf("heartbeat timeout = %s, want 5m", cfg.HeartbeatTimeout)
	}
	if cfg.ImbalanceThreshold != 0.20 {
		t.Errorf("imbalance threshold = %g, want 0.20", cfg.ImbalanceThreshold)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http addr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CONDUCTOR_DB_DSN", "postgres://conductor@db/conductor")
	t.Setenv("CONDUCTOR_POOL_MAX", "25")
	t.Setenv("CONDUCTOR_IMBALANCE_THRESHOLD", "0.35")
	t.Setenv("CONDUCTOR_HEARTBEAT_TIMEOUT", "2m")
	t.Setenv("CONDUCTOR_FAILOVER_PERIOD", "30")
	t.Setenv("CONDUCTOR_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "debug")
	t.Setenv("CONDUCTOR_LOG_DEV", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseDSN != "postgres://conductor@db/conductor" {
		t.Errorf("dsn = %q", cfg.DatabaseDSN)
	}
	if cfg.PoolMaxConns != 25 {
		t.Errorf("pool max conns = %d, want 25", cfg.PoolMaxConns)
	}
	if cfg.ImbalanceThreshold != 0.35 {
		t.Errorf("imbalance threshold = %g, want 0.35", cfg.ImbalanceThreshold)
	}
	if cfg.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("heartbeat timeout = %s, want 2m", cfg.HeartbeatTimeout)
	}
	// Bare integers are seconds.
	if cfg.FailoverPeriod != 30*time.Second {
		t.Errorf("failover period = %s, want 30s", cfg.FailoverPeriod)
	}
	if cfg.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" || !cfg.LogDev {
		t.Errorf("logging = %q dev=%v, want debug dev=true", cfg.LogLevel, cfg.LogDev)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("CONDUCTOR_POOL_MAX", "lots")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-numeric pool size")
	} else if !strings.Contains(err.Error(), "CONDUCTOR_POOL_MAX") {
		t.Errorf("error = %v, want the offending variable named", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.DatabaseDSN = "postgres://conductor@db/conductor"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing dsn", func(c *Config) { c.DatabaseDSN = "" }, "CONDUCTOR_DB_DSN"},
		{"zero max conns", func(c *Config) { c.PoolMaxConns = 0 }, "max conns"},
		{"min over max", func(c *Config) { c.PoolMinConns = 20 }, "exceeds max"},
		{"lock timeout over cap", func(c *Config) { c.LockTimeout = time.Minute }, "exceeds maximum"},
		{"zero heartbeat timeout", func(c *Config) { c.HeartbeatTimeout = 0 }, "heartbeat timeout"},
		{"zero failover period", func(c *Config) { c.FailoverPeriod = 0 }, "periods"},
		{"threshold above one", func(c *Config) { c.ImbalanceThreshold = 1.5 }, "imbalance threshold"},
		{"zero repair attempts", func(c *Config) { c.MaxRepairAttempts = 0 }, "repair attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
