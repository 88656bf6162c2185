package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/delayqueue"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/jobs"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/settlement"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

const (
	delayQueueName  = "dispatch"
	delayQueueBatch = 100
	sweepBatch      = 500
	jobTimeout      = 30 * time.Second
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

type closer func() error

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	policyCfg, err := config.LoadDispatchConfig(cfg.DispatchConfigPath)
	if err != nil {
		return err
	}

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}()

	store, err := openKV(cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, store.Close)

	db, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, db.Close)

	baseRouter, err := openRouter(cfg, logger)
	if err != nil {
		return err
	}
	router := eta.NewCachedRouter(baseRouter, cfg.RouteCacheTTL)

	sender, err := openPush(ctx, cfg, logger)
	if err != nil {
		return err
	}
	notifier := dispatch.NewNotifier(sender, logger)
	events := dispatch.NewEvents(store, logger)

	presCfg := presence.DefaultConfig()
	presCfg.MinWalletBalance = cfg.DriverMinBalance
	presCfg.RiderIdleTTL = cfg.RiderIdleTTL
	registry := presence.NewRegistry(store, presCfg, logger)
	trips := trip.NewStore(store, registry, db, events, logger)
	queue := delayqueue.New(store, delayQueueName, logger)

	var activities offer.ActivitySink = ingest.LogActivities{Logger: logger}
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		ap := ingest.NewActivityProducer(cfg.KafkaBrokers, cfg.KafkaActivityTopic)
		lp := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, ap.Close, lp.Close)
		activities, locations = ap, lp
		logger.Info("kafka ingest enabled", "brokers", cfg.KafkaBrokers)
	}

	coord := offer.NewCoordinator(offer.Deps{
		Store:      store,
		Registry:   registry,
		Trips:      trips,
		Orders:     db,
		Policy:     matcher.New(policyCfg),
		Router:     router,
		Scheduler:  queue,
		Notifier:   notifier,
		Events:     events,
		Activities: activities,
		Logger:     logger,
	})
	queue.Handle(offer.TimeoutJob, func(ctx context.Context, job delayqueue.Job) error {
		return coord.HandleTimeout(ctx, job.Payload)
	})

	var gateway settlement.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	engine := settlement.NewEngine(settlement.Deps{
		Trips:      trips,
		Drivers:    registry,
		Store:      db,
		Gateway:    gateway,
		Activities: activities,
		Logger:     logger,
	}, settlement.DefaultConfig())

	scheduler := jobs.NewManager(logger, jobTimeout)
	sweep := jobs.PresenceSweep{
		Presence:   registry,
		Offers:     coord,
		StaleAfter: cfg.DriverStaleAfter,
		Batch:      sweepBatch,
		Logger:     logger,
	}
	if err := errors.Join(
		scheduler.Add("delayq-poll", cfg.DelayQueuePollSpec, jobs.DelayQueuePoll(queue, delayQueueBatch)),
		scheduler.Add("presence-sweep", cfg.PresenceSweepSpec, sweep.Run),
		scheduler.Add("route-cache-prune", cfg.RouteCachePruneSpec, jobs.RouteCachePrune(router)),
	); err != nil {
		return err
	}
	scheduler.Start()

	api := httpapi.NewServer(httpapi.Deps{
		Offers:    coord,
		Presence:  registry,
		Trips:     trips,
		Settler:   engine,
		Locations: locations,
		Streams:   dispatch.NewWSHub(store, logger),
		Health:    store,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "strategy", policyCfg.Strategy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	scheduler.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func openKV(cfg config.ServerConfig, logger *slog.Logger) (kv.Store, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, using embedded redis")
		m, err := kv.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return kv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
}

func openStorage(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory persistence")
		return storage.NewMemoryStore(), nil
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(cfg.PGDSN); err != nil {
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return storage.NewPostgresStore(ctx, cfg.PGDSN)
}

func openRouter(cfg config.ServerConfig, logger *slog.Logger) (eta.Router, error) {
	switch {
	case cfg.GoogleMapsAPIKey != "":
		return eta.NewGoogleRouter(cfg.GoogleMapsAPIKey)
	case cfg.OSRMEndpoint != "":
		return eta.NewOSRMRouter(cfg.OSRMEndpoint), nil
	}
	logger.Warn("no routing provider configured, using straight-line estimates", "speed_mps", cfg.DefaultSpeedMps)
	return eta.Estimator{SpeedMps: cfg.DefaultSpeedMps}, nil
}

func openPush(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (dispatch.Sender, error) {
	if cfg.FirebaseProjectID == "" {
		return dispatch.LogSender{Logger: logger}, nil
	}
	return dispatch.NewFCMSender(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
}
