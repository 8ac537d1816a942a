package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	gwmw "stakegate/gateway/middleware"
	"stakegate/observability/logging"
	telemetry "stakegate/observability/otel"
	"stakegate/services/stakegate/access"
	"stakegate/services/stakegate/config"
	"stakegate/services/stakegate/ledger"
	"stakegate/services/stakegate/lifecycle"
	"stakegate/services/stakegate/models"
	"stakegate/services/stakegate/payments"
	"stakegate/services/stakegate/recon"
	"stakegate/services/stakegate/server"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("stakegate: %v", err)
	}
}

func run() error {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "", "path to a YAML or TOML config file")
	flag.StringVar(&envFile, "env-file", ".env", "optional KEY=VALUE file loaded before the environment is read")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Service.Name, cfg.Service.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})

	enabled := cfg.Telemetry.Endpoint != ""
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Service.Name,
		Version:     version,
		Environment: cfg.Service.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     enabled && cfg.Telemetry.Metrics,
		Traces:      enabled && cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	vaultCfg, err := cfg.VaultConfig()
	if err != nil {
		return err
	}
	vault, err := ledger.NewVault(vaultCfg)
	if err != nil {
		return err
	}
	keys, err := ledger.LoadKeyRing(cfg.Staking.KeypairPaths...)
	if err != nil {
		return fmt.Errorf("load keypairs: %w", err)
	}
	rpc := ledger.NewRPCClient(cfg.Ledger.RPCURL, cfg.Ledger.AuthToken, cfg.Ledger.Timeout)
	client := ledger.NewClient(rpc, vault,
		ledger.WithReadPolicy(ledger.RetryPolicy{
			Attempts: cfg.Ledger.ReadAttempts,
			Delay:    cfg.Ledger.ReadDelay,
			RetryIf:  ledger.RetryTransient,
		}),
		ledger.WithCommitment(cfg.Ledger.Commitment),
		ledger.WithLogger(logger),
	)

	manager, err := lifecycle.New(lifecycle.Config{Ledger: client, Vault: vault, Keys: keys, Logger: logger})
	if err != nil {
		return err
	}

	obs := gwmw.NewObservability(gwmw.ObservabilityConfig{
		ServiceName: cfg.Service.Name,
		LogRequests: cfg.Logging.LogRequests,
	}, logger)
	srvCfg := server.Config{
		Gate:          access.New(client, vaultCfg.Decimals, logger),
		Lifecycle:     manager,
		Vault:         vaultCfg,
		DB:            db,
		RateLimiter:   gwmw.NewRateLimiter(cfg.RateLimits, logger),
		Observability: obs,
		CORS:          cfg.CORS,
		Logger:        logger,
	}
	if vaultCfg.StoreWallet.IsZero() {
		logger.Warn("store wallet not configured; payment routes disabled")
	} else {
		verifier, err := payments.New(payments.Config{
			Ledger: client,
			Store:  payments.NewGormStore(db),
			Vault:  vaultCfg,
			Poll: ledger.RetryPolicy{
				Attempts: cfg.Payments.PollAttempts,
				Delay:    cfg.Payments.PollInterval,
				RetryIf:  ledger.RetryWhilePending,
			},
			RequireAuthorization: cfg.Payments.RequireOrderAuthorization,
			Logger:               logger,
		})
		if err != nil {
			return err
		}
		srvCfg.Payments = verifier
	}
	auth, err := gwmw.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}
	srvCfg.Auth = auth

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Service.ListenAddress,
		Handler:      otelhttp.NewHandler(srv.Handler(), cfg.Service.Name),
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
		IdleTimeout:  cfg.Service.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Recon.Enabled {
		reconciler, err := recon.NewReconciler(recon.Config{
			DB:        db,
			OutputDir: cfg.Recon.OutputDir,
			DryRun:    cfg.Recon.DryRun,
			Decimals:  vaultCfg.Decimals,
			Alert: func(_ context.Context, a recon.Anomaly) error {
				logger.Warn("payment anomaly", "type", a.Type, "order_id", a.OrderID, "signature", a.Signature, "details", a.Details)
				return nil
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		go recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Window:     cfg.Recon.Window,
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Logger:     logger,
		}).Start(stopCtx)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("stakegate listening",
			"addr", cfg.Service.ListenAddress,
			"network", vaultCfg.Network,
			"program", vaultCfg.ProgramID.String(),
			"signers", len(keys.Owners()),
		)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// openDatabase picks Postgres for postgres URLs and key=value DSNs and
// SQLite otherwise.
func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if dialector.Name() == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
