package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/soundfleet/conductor/internal/api"
	"github.com/soundfleet/conductor/internal/config"
	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/fleet/state"
	"github.com/soundfleet/conductor/internal/metrics"
	"github.com/soundfleet/conductor/internal/otel"
	"github.com/soundfleet/conductor/internal/reconcile"
	"github.com/soundfleet/conductor/internal/store"
)

const version = "1.0.0"

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides CONDUCTOR_HTTP_ADDR)")
	dsn := flag.String("db-dsn", "", "Postgres connection string (overrides CONDUCTOR_DB_DSN)")
	devMode := flag.Bool("dev", false, "Development mode: console logging at debug level")
	skipMigrations := flag.Bool("skip-migrations", false, "Do not apply schema migrations on startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dsn != "" {
		cfg.DatabaseDSN = *dsn
	}
	if *devMode {
		cfg.LogDev = true
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("conductor starting",
		zap.String("version", version),
		zap.String("addr", cfg.HTTPAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:        cfg.OTELExporter != "" && cfg.OTELExporter != string(otel.ExporterNone),
		ServiceName:    "conductor",
		ServiceVersion: version,
		ExporterType:   otel.ExporterType(cfg.OTELExporter),
		OTLPEndpoint:   cfg.OTELEndpoint,
		OTLPInsecure:   cfg.OTELInsecure,
		SampleRate:     1.0,
	})
	if err != nil {
		log.Error("tracer init failed", zap.Error(err))
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)

	if !*skipMigrations {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, 2*time.Minute)
		err := store.Migrate(migrateCtx, cfg.DatabaseDSN, log)
		migrateCancel()
		if err != nil {
			log.Error("migrations failed", zap.Error(err))
			os.Exit(1)
		}
	}

	openCtx, openCancel := context.WithTimeout(ctx, 2*time.Minute)
	db, err := store.Open(openCtx, store.Config{
		DSN:              cfg.DatabaseDSN,
		MinConns:         int32(cfg.PoolMinConns),
		MaxConns:         int32(cfg.PoolMaxConns),
		ConnectTimeout:   cfg.ConnectTimeout,
		StatementTimeout: cfg.StatementTimeout,
		LockTimeout:      cfg.LockTimeout,
		IdleInTxTimeout:  cfg.IdleInTxTimeout,
		AppName:          "conductor",
		TxWarnThreshold:  cfg.TxWarnThreshold,
	}, log)
	openCancel()
	if err != nil {
		log.Error("database unavailable", zap.Error(err))
		os.Exit(1)
	}
	db.Monitor().Start()

	collector := metrics.NewCollector()

	manager := fleet.NewManager(state.NewPostgresStore(db), fleet.Params{
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		FailoverPeriod:     cfg.FailoverPeriod,
		RebalancePeriod:    cfg.RebalancePeriod,
		ImbalanceThreshold: cfg.ImbalanceThreshold,
	}, log)
	manager.SetObserver(collector)

	reconciler := reconcile.New(state.NewPostgresStore(db), manager.Failover(), manager.Rebalancer(), reconcile.Config{
		Period:             cfg.ReconcilerPeriod,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		ImbalanceThreshold: cfg.ImbalanceThreshold,
		MaxAttempts:        cfg.MaxRepairAttempts,
	}, log)
	reconciler.SetObserver(collector)

	collector.SetFleetProvider(manager)
	collector.SetHealthProvider(db)
	collector.SetReportProvider(reconciler)

	server := api.NewServer(cfg.HTTPAddr, manager, log)
	server.SetReconciler(reconciler)
	server.SetStoreHealth(db)
	server.SetMetricsHandler(collector.Handler())
	server.SetTraceMiddleware(otel.Middleware(tracer))

	manager.Start()
	reconciler.Start()

	if err := server.Start(); err != nil {
		log.Error("server start failed", zap.Error(err))
		reconciler.Stop()
		manager.Stop()
		db.Monitor().Stop()
		db.Close()
		os.Exit(1)
	}

	fmt.Printf("Conductor orchestrator listening on %s\n", server.URL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	reconciler.Stop()
	manager.Stop()
	db.Monitor().Stop()
	db.Close()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Error("tracer shutdown error", zap.Error(err))
	}

	log.Info("conductor stopped")
}

// buildLogger constructs the process logger: JSON in production mode,
// console in dev mode, level taken from configuration.
func buildLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}

	var zc zap.Config
	if cfg.LogDev {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
