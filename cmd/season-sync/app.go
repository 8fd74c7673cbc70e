package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/config"
	"github.com/Sternrassler/season-sync/pkg/deadletter"
	"github.com/Sternrassler/season-sync/pkg/importer"
	"github.com/Sternrassler/season-sync/pkg/kvstore"
	"github.com/Sternrassler/season-sync/pkg/logging"
	"github.com/Sternrassler/season-sync/pkg/pagination"
	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/queue"
	"github.com/Sternrassler/season-sync/pkg/retry"
	"github.com/Sternrassler/season-sync/pkg/season"
	"github.com/Sternrassler/season-sync/pkg/tvmaze"
)

// app holds the wired service components.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis *redis.Client
	db    *sql.DB

	store       *kvstore.RedisStore
	queue       *queue.RedisQueue
	runs        *progress.Tracker
	deadLetters *deadletter.Sink
	index       *pagination.ShowIndex
	catalog     *tvmaze.Client
	seasons     *season.Repository

	coordinator *importer.Coordinator
	worker      *importer.Worker
	updater     *importer.Updater
}

// newApp connects to Redis and PostgreSQL and wires every component.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisURL, err)
	}
	logger.Info().Str("addr", cfg.RedisURL).Msg("Connected to Redis")

	db, err := season.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	logger.Info().Msg("Connected to PostgreSQL")

	catalogCfg := tvmaze.DefaultConfig(cfg.TVMazeBaseURL, cfg.UserAgent)
	catalogCfg.Redis = redisClient
	catalogCfg.RateLimit = cfg.TVMazeRateLimit
	catalog, err := tvmaze.New(catalogCfg, logging.NewLogger("tvmaze"))
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("create tvmaze client: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		redis:   redisClient,
		db:      db,
		catalog: catalog,
	}

	a.store = kvstore.NewRedisStore(redisClient, kvstore.DefaultNamespace)
	a.queue = queue.NewRedisQueue(redisClient, cfg.SeasonsQueue)
	a.runs = progress.NewTracker(a.store, logging.NewLogger("progress"))
	a.deadLetters = deadletter.NewSink(a.store, logging.NewLogger("deadletter"))
	a.index = pagination.NewShowIndex(a.store, cfg.ShowIDsTable)
	a.seasons = season.NewRepository(db, logging.NewLogger("season"))

	orchestrator := retry.NewOrchestrator(retry.Config{
		BaseDelay:     cfg.RetryBaseDelay,
		MaxDeliveries: cfg.MaxDeliveries,
	}, a.runs, a.deadLetters, logging.NewLogger("retry"))

	paginator := pagination.NewPaginator(a.index, a.queue, a.runs, logging.NewLogger("pagination"))

	a.coordinator = importer.NewCoordinator(a.runs, a.index, a.queue, a.deadLetters, cfg.BatchSize, logging.NewLogger("coordinator"))
	a.worker = importer.NewWorker(importer.WorkerConfig{
		Concurrency:        cfg.WorkerConcurrency,
		ReceiveTimeout:     cfg.ReceiveTimeout,
		DBWriteMaxAttempts: cfg.DBWriteMaxAttempt,
	}, a.queue, orchestrator, paginator, catalog, a.seasons, a.runs, logging.NewLogger("worker"))
	a.updater = importer.NewUpdater(catalog, a.queue, a.runs, logging.NewLogger("updater"))

	return a, nil
}

// ready checks both backing stores.
func (a *app) ready(ctx context.Context) error {
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := a.seasons.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close database")
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close Redis client")
	}
}
