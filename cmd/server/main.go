package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"comandapos/internal/broadcast"
	"comandapos/internal/config"
	"comandapos/internal/infra"
	"comandapos/internal/repository"
	"comandapos/internal/router"
	"comandapos/internal/service"
	"comandapos/internal/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Structured logger: pretty in development, JSON in production
	if cfg.Env != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if cfg.RunMigrations {
		if err := infra.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	rdb, err := infra.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Event broadcaster ────────────────────────────────────────────────────
	hub := broadcast.NewHub(broadcast.HubConfig{
		BufferSize:        cfg.SubscriberBuffer,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MaxMissed:         cfg.HeartbeatMaxMissed,
	})
	go hub.Run(ctx)

	relay := broadcast.NewRedisRelay(rdb, hub)
	go relay.Run(ctx)

	sinks := []broadcast.Publisher{relay}
	if cfg.AMQPURL != "" {
		amqpPub := broadcast.NewAMQPPublisher(cfg.AMQPURL)
		defer amqpPub.Close()
		sinks = append(sinks, amqpPub)
	}
	publisher := broadcast.NewFanout(hub, sinks...)
	go publisher.Run(ctx)

	// ── Infrastructure ───────────────────────────────────────────────────────
	dispatcher := worker.NewDispatcher(rdb)
	dlq := worker.NewRedisDLQ(rdb)
	mailer := infra.NewMailer(cfg)
	gatewayCB := infra.NewCircuitBreaker("tender_gateway", infra.DefaultCBConfig())
	gateway := infra.NewTenderGateway(cfg.TenderGatewayURL)
	tenders := service.NewTenderRouter(service.NewGatewayProcessor(gateway, gatewayCB), service.CashDrawer{})

	// ── Repositories ─────────────────────────────────────────────────────────
	products := repository.NewCachedProductRepository(repository.NewProductRepository(db), rdb)
	stockRepo := repository.NewStockRepository(db)
	tabRepo := repository.NewTabRepository(db)
	sessionRepo := repository.NewCashSessionRepository(db)
	saleRepo := repository.NewSaleRepository(db)

	// ── Services ─────────────────────────────────────────────────────────────
	retry := service.RetryPolicy{MaxAttempts: cfg.LedgerMaxRetries, Backoff: cfg.RetryBackoff()}
	stock := service.NewStockLedger(stockRepo, products, publisher, dispatcher, retry)
	tabs := service.NewTabLedger(tabRepo, publisher, dispatcher, retry)
	settlement := service.NewSettlementService(
		saleRepo, sessionRepo, products, stock, tabs, tenders, dispatcher, publisher, dispatcher,
		service.SettlementConfig{TenderTimeout: cfg.TenderTimeout()},
	)
	sessions := service.NewCashSessionService(sessionRepo, saleRepo, settlement, publisher, dispatcher, retry)

	// Sales left pending by a crash are resolved before traffic is accepted.
	if n, err := settlement.RecoverPending(ctx); err != nil {
		log.Error().Err(err).Msg("pending sale recovery failed")
	} else if n > 0 {
		log.Warn().Int("recovered", n).Msg("pending sales recovered")
	}

	// ── Workers ──────────────────────────────────────────────────────────────
	worker.StartWorkerPool(ctx, rdb, cfg.WorkerPoolSize, map[string]worker.Handler{
		worker.JobTenderVoid: worker.NewTenderVoidWorker(tenders, saleRepo, dlq, dispatcher, time.Second),
		worker.JobAlert:      worker.NewAlertWorker(mailer),
	})
	worker.StartReconcileCron(ctx, worker.ReconcileCronConfig{
		Stock:    stock,
		Tabs:     tabs,
		Interval: cfg.ReconcileInterval(),
	})

	r := router.New(ctx, cfg, router.Deps{
		DB:         db,
		Redis:      rdb,
		Hub:        hub,
		GatewayCB:  gatewayCB,
		DLQ:        dlq,
		Products:   products,
		Stock:      stock,
		Tabs:       tabs,
		Sessions:   sessions,
		Settlement: settlement,
	})

	// WriteTimeout stays zero: event streams are long-lived responses.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM
	go func() {
		log.Info().Msgf("comanda POS backend listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server…")
	// Cancelling first closes every event stream so Shutdown is not held open.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server exited")
}
