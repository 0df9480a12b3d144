package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/MutexLedger-Engine/api"
	"github.com/VanDung-dev/MutexLedger-Engine/arrow"
	"github.com/VanDung-dev/MutexLedger-Engine/auth"
	"github.com/VanDung-dev/MutexLedger-Engine/config"
	"github.com/VanDung-dev/MutexLedger-Engine/engine"
	"github.com/VanDung-dev/MutexLedger-Engine/network"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "MutexLedger-Engine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", Name, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting",
		zap.String("name", Name),
		zap.String("version", Version),
		zap.Int("accounts", cfg.Accounts),
		zap.Int64("seed_balance", cfg.SeedBalance),
		zap.String("session_cipher", cfg.SessionCipher))

	var sinks []engine.AuditSink
	var auditLog *engine.AuditLog
	if cfg.AuditLog != "" {
		if auditLog, err = engine.OpenAuditLog(cfg.AuditLog); err != nil {
			return err
		}
		defer func() {
			if err := auditLog.Close(); err != nil {
				logger.Warn("failed to close audit log", zap.Error(err))
			}
		}()
		sinks = append(sinks, auditLog)
	}

	var publisher *network.AuditPublisher
	if cfg.AuditPubAddr != "" {
		publisher = network.NewAuditPublisher(cfg.AuditPubAddr, 0, logger)
		if err := publisher.Start(); err != nil {
			return err
		}
		defer func() {
			publisher.Stop()
			stats := publisher.Stats()
			logger.Info("audit feed closed",
				zap.Int64("published", stats.Published),
				zap.Int64("dropped", stats.Dropped),
				zap.Int64("failed", stats.Failed))
		}()
		sinks = append(sinks, publisher)
	}

	ledger := engine.NewLedger(engine.LedgerConfig{
		Accounts:    cfg.Accounts,
		SeedBalance: cfg.SeedBalance,
	}, logger, sinks...)

	loginCipher, err := cfg.LoginCipher()
	if err != nil {
		return err
	}
	keystream, err := cfg.Keystream()
	if err != nil {
		return err
	}

	session := api.DefaultSessionConfig()
	session.IOTimeout = cfg.IOTimeout

	var metrics *api.Metrics
	if cfg.MetricsAddr != "" {
		metrics = api.NewMetrics("ledger")
	}

	handler, err := api.NewConnectionHandler(api.HandlerOptions{
		Engine:        engine.NewEngine(ledger),
		Directory:     auth.DefaultDirectory(cfg.Accounts),
		LoginCipher:   loginCipher,
		SessionCipher: keystream,
		Session:       session,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	server := api.NewLedgerServer(api.ServerConfig{
		Address:         cfg.Addr,
		Workers:         cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, handler, logger)
	if err := server.StartAsync(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var health *api.HealthServer
	if cfg.HealthAddr != "" {
		health = api.NewHealthServer(cfg.HealthAddr, logger)
		if err := health.StartAsync(); err != nil {
			_ = server.Stop()
			return err
		}
		health.SetServing(true)
		logger.Info("health server listening", zap.Stringer("address", health.Addr()))
	}

	if metrics != nil {
		if err := metrics.RegisterLedger(ledger); err != nil {
			_ = server.Stop()
			return err
		}
		if err := metrics.RegisterPool(server.Stats); err != nil {
			_ = server.Stop()
			return err
		}
		metricsServer := api.NewMetricsServer(cfg.MetricsAddr, metrics)
		g.Go(func() error {
			logger.Info("metrics server listening", zap.String("address", cfg.MetricsAddr))
			return metricsServer.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		if health != nil {
			health.SetServing(false)
		}
		return server.Stop()
	})

	err = g.Wait()
	if health != nil {
		health.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown with error", zap.Error(err))
	}

	report := arrow.FinalReport(ledger)
	if werr := report.WriteText(os.Stdout); werr != nil {
		logger.Warn("failed to print final report", zap.Error(werr))
	}
	if cfg.ReportArrow != "" {
		if werr := report.WriteArrowFile(cfg.ReportArrow); werr != nil {
			logger.Warn("failed to write arrow report", zap.Error(werr))
		} else {
			logger.Info("arrow report written", zap.String("path", cfg.ReportArrow))
		}
	}
	return err
}
