package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/bryan-buckman/televore/internal/config"
	"github.com/bryan-buckman/televore/internal/database"
	"github.com/bryan-buckman/televore/internal/fetch"
	"github.com/bryan-buckman/televore/internal/ingest"
	"github.com/bryan-buckman/televore/internal/metrics"
	"github.com/bryan-buckman/televore/internal/runlock"
	"github.com/bryan-buckman/televore/internal/telegram"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    database.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	engine   *ingest.Engine
	locker   *runlock.RedisLocker
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxQueryParams, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Database ready", zap.String("type", store.DatabaseType()))

	client, err := newTelegramClient(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	throttle := fetch.NewThrottle(cfg.Fetch.MaxThrottleWait, logger, m)
	engine := ingest.NewEngine(store, client, fetch.New(client, throttle), throttle, ingest.Config{
		Workers:         cfg.Ingest.Workers,
		Discovery:       cfg.Ingest.Discovery,
		SeedEntities:    cfg.Ingest.SeedEntities,
		DefaultLookback: cfg.Ingest.DefaultLookback,
	}, logger, m)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		metrics:  m,
		engine:   engine,
	}
	if cfg.Redis.Addr != "" {
		a.locker, err = runlock.NewRedisLocker(runlock.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.LockKey,
			TTL:      cfg.Redis.LockTTL,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("Using Redis run lock", zap.String("addr", cfg.Redis.Addr), zap.String("key", cfg.Redis.LockKey))
	}
	return a, nil
}

// newTelegramClient picks the resolver and message source from configuration.
// Every client shares one Transport and so one request budget.
func newTelegramClient(cfg *config.Config) (telegram.Client, error) {
	transport := telegram.NewTransport(&http.Client{Timeout: 30 * time.Second}, cfg.Source.RequestsPerSecond)
	preview := telegram.NewPreviewClient(transport, cfg.Source.BaseURL, cfg.Source.PageLimit)

	var resolver telegram.Resolver = preview
	if cfg.Telegram.BotToken != "" {
		bot, err := telegram.NewBotResolver(cfg.Telegram.BotToken, cfg.Telegram.BotAPIURL)
		if err != nil {
			return nil, fmt.Errorf("bot api: %w", err)
		}
		resolver = bot
	}

	var source telegram.Source = preview
	if cfg.Source.Mode == "feed" {
		feed, err := telegram.NewFeedClient(transport, cfg.Source.FeedURLTemplate)
		if err != nil {
			return nil, err
		}
		source = feed
	}
	return telegram.Combined{Resolver: resolver, Source: source}, nil
}

// runState returns a run state using the Redis lock when one is configured.
func (a *app) runState() *runlock.State {
	if a.locker != nil {
		return runlock.New(a.locker, a.logger)
	}
	return runlock.New(nil, a.logger)
}

// runner reports failed runs to Sentry.
func (a *app) runner() *sentryRunner {
	return &sentryRunner{engine: a.engine}
}

func (a *app) Close() {
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			a.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
}

type sentryRunner struct {
	engine *ingest.Engine
}

func (r *sentryRunner) RunConfigured(ctx context.Context, window ingest.Window) (ingest.Report, error) {
	report, err := r.engine.RunConfigured(ctx, window)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("ingestion run: %w", err))
	}
	return report, err
}
