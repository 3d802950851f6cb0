package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridian-erp/ledgerd/internal/allocation"
	"github.com/meridian-erp/ledgerd/internal/app"
	"github.com/meridian-erp/ledgerd/internal/ledger"
	"github.com/meridian-erp/ledgerd/internal/period"
	"github.com/meridian-erp/ledgerd/internal/platform/cache"
	"github.com/meridian-erp/ledgerd/internal/platform/db"
	"github.com/meridian-erp/ledgerd/internal/reconcile"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	audit := shared.NewAuditLogger(pool)
	locks := shared.NewSessionLock(redisClient, cfg.ReconcileLease)

	ledgerService := ledger.NewService(ledger.NewRepository(pool), audit)
	allocationService := allocation.NewService(allocation.NewRepository(pool), audit)
	periodService := period.NewService(period.NewRepository(pool), audit)
	reconcileService := reconcile.NewService(reconcile.NewRepository(pool), locks, audit)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		LedgerHandler:     ledger.NewHandler(logger, ledgerService),
		AllocationHandler: allocation.NewHandler(logger, allocationService),
		PeriodHandler:     period.NewHandler(logger, periodService),
		ReconcileHandler:  reconcile.NewHandler(logger, reconcileService),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
