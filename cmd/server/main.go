package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruralpay/walletledger/internal/app"
	"github.com/ruralpay/walletledger/internal/broker"
	"github.com/ruralpay/walletledger/internal/config"
	"github.com/ruralpay/walletledger/internal/database"
	"github.com/ruralpay/walletledger/internal/handlers"
	"github.com/ruralpay/walletledger/internal/jobs"
	"github.com/ruralpay/walletledger/internal/logger"
	"github.com/ruralpay/walletledger/internal/middleware"
	"github.com/ruralpay/walletledger/internal/services"
	"github.com/ruralpay/walletledger/internal/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").WithError(err).Fatal("failed to load configuration")
	}
	log := logger.New(cfg.Server.LogLevel)
	if cfg.JWT.SecretKey == "" {
		log.Fatal("JWT_SECRET_KEY must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, log, reg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize application")
	}
	defer a.Close()

	if err := database.EnsureSchema(ctx, a.DB); err != nil {
		log.WithError(err).Fatal("failed to apply schema")
	}

	// Outbox relay
	producer, err := broker.New(ctx, cfg.Outbox, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize outbox broker")
	}
	publisher := broker.NewEventPublisher(producer, cfg.Outbox.KafkaTopic)
	if cfg.Outbox.RenderSettlement {
		publisher.WithSettlement(settlement.NewRenderer(cfg.Outbox.SettlementBIC), cfg.Outbox.SettlementTopic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Warn("failed to close outbox broker")
		}
	}()

	relay := services.NewOutboxRelay(a.DB, publisher, cfg.Outbox.BatchSize, log, a.Metrics)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Start(ctx, cfg.Outbox.PollInterval)
	}()

	// Scheduled jobs
	var scheduler *jobs.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = jobs.NewScheduler(cfg.Scheduler, a.Tasks, log)
		if err != nil {
			log.WithError(err).Fatal("failed to configure scheduler")
		}
		scheduler.Start()
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Wallets:     handlers.NewWalletHandler(a.Ledger, a.Transactions, cfg.Pin.Length),
		Pins:        handlers.NewPinHandler(a.Pins, cfg.Pin.Length),
		Admin:       handlers.NewAdminHandler(a.Reconciliation, a.Tasks),
		Auth:        middleware.NewAuth(cfg.JWT.SecretKey),
		Idempotency: a.Idempotency,
		DB:          a.DB,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Log:         log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		log.Warn("outbox relay did not stop before shutdown timeout")
	}

	log.Info("server stopped")
}
