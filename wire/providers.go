package wire

import (
	"context"
	"fmt"

	"github.com/Digital-Creators-Team/reward-module/config"
	"github.com/Digital-Creators-Team/reward-module/db/redis"
	"github.com/Digital-Creators-Team/reward-module/db/sqlstore"
	"github.com/Digital-Creators-Team/reward-module/events/kafka"
	"github.com/Digital-Creators-Team/reward-module/idempotency"
	"github.com/Digital-Creators-Team/reward-module/logging"
	"github.com/Digital-Creators-Team/reward-module/metrics"
	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/Digital-Creators-Team/reward-module/pkg/ledger"
	"github.com/Digital-Creators-Team/reward-module/pkg/probability"
	"github.com/Digital-Creators-Team/reward-module/provider"
	"github.com/Digital-Creators-Team/reward-module/server"
	"github.com/google/uuid"
	"github.com/google/wire"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// InstanceID identifies this process on the jackpot topic.
type InstanceID string

// ProvideInstanceID generates a fresh id per process.
func ProvideInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}

// ProvideLogger provides a zerolog.Logger
func ProvideLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Logging)
}

// ProvideDB opens the SQL store.
func ProvideDB(cfg *config.Config, logger zerolog.Logger) (*sqlstore.DB, func(), error) {
	db, err := sqlstore.Open(cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

// ProvideRedisClient provides a Redis client, or nil when Redis is not configured.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.RedisEnabled() {
		return nil, func() {}, nil
	}
	client, err := redis.New(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideIdempotencyStore shares keys through Redis when available. Without
// Redis, locks are process-local and the ledger's unique key is the only
// cross-instance guard.
func ProvideIdempotencyStore(client *redis.Client, logger zerolog.Logger) idempotency.Store {
	if client == nil {
		logger.Warn().Msg("Redis not configured, using in-memory idempotency store")
		return idempotency.NewMemoryStore()
	}
	return idempotency.NewRedisStore(client, logger)
}

// ProvideProducer provides the Kafka producer, or nil when Kafka is not configured.
func ProvideProducer(cfg *config.Config, logger zerolog.Logger) (*kafka.Producer, func()) {
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Logger:  logger,
	})
	if producer == nil {
		return nil, func() {}
	}
	return producer, func() { _ = producer.Close() }
}

// ProvideAuditProvider provides the audit sink.
func ProvideAuditProvider(cfg *config.Config, producer *kafka.Producer, logger zerolog.Logger) *provider.AuditProvider {
	return provider.NewAuditProvider(cfg, producer, logger)
}

// ProvideFeed provides the jackpot change feed.
func ProvideFeed(cfg *config.Config, logger zerolog.Logger) *jackpot.Feed {
	feed := jackpot.NewFeed(cfg.Reward.FeedBuffer, logger.With().Str("component", "jackpot_feed").Logger())
	feed.OnSubscribersChanged(metrics.SetFeedSubscribers)
	return feed
}

// ProvideAggregator starts the single jackpot writer.
func ProvideAggregator(
	cfg *config.Config,
	db *sqlstore.DB,
	feed *jackpot.Feed,
	producer *kafka.Producer,
	id InstanceID,
	logger zerolog.Logger,
) (*jackpot.Aggregator, func(), error) {
	jcfg := jackpot.Config{
		Seed:             cfg.Reward.JackpotSeed,
		ContributionRate: cfg.Reward.JackpotContribution,
		Logger:           logger,
	}
	if producer != nil {
		jcfg.Publisher = kafka.NewSnapshotPublisher(producer, cfg.Topic(config.TopicJackpot), string(id))
	}

	agg := jackpot.NewAggregator(db, feed, jcfg)
	agg.OnIncrement(func(_ decimal.Decimal, applied bool) {
		metrics.RecordJackpotIncrement(applied)
		metrics.SetJackpotTotal(feed.Snapshot().Total.InexactFloat64())
	})
	if err := agg.Start(context.Background()); err != nil {
		return nil, nil, err
	}
	metrics.SetJackpotTotal(feed.Snapshot().Total.InexactFloat64())
	return agg, agg.Stop, nil
}

// ProvideConsumer feeds snapshots committed by other instances into the aggregator.
func ProvideConsumer(cfg *config.Config, agg *jackpot.Aggregator, id InstanceID, logger zerolog.Logger) (*kafka.Consumer, func()) {
	if !cfg.KafkaEnabled() {
		return nil, func() {}
	}
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Topic(config.TopicJackpot),
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
		Source:        string(id),
		Logger:        logger,
	}, agg.HandleRemoteSnapshot)
	consumer.Start()
	return consumer, func() { _ = consumer.Stop() }
}

// ProvideEngine provides the probability engine with a crypto-seeded source.
func ProvideEngine(audit *provider.AuditProvider, logger zerolog.Logger) (*probability.Engine, error) {
	r, err := probability.NewRand()
	if err != nil {
		return nil, err
	}
	return probability.New(r,
		probability.WithGuardReporter(audit),
		probability.WithLogger(logger),
	), nil
}

// ProvideLedger provides the account ledger.
func ProvideLedger(db *sqlstore.DB, logger zerolog.Logger) *ledger.Ledger {
	return ledger.New(db, logger)
}

// ProvideWorkerPool bounds concurrent opens.
func ProvideWorkerPool(cfg *config.Config, logger zerolog.Logger) (*server.WorkerPool, func()) {
	pool := server.NewWorkerPool(cfg.Reward.Workers, cfg.Reward.QueueSize, logger)
	return pool, pool.Close
}

// ProvideRewardService provides the open-reward coordinator.
func ProvideRewardService(
	cfg *config.Config,
	l *ledger.Ledger,
	db *sqlstore.DB,
	engine *probability.Engine,
	agg *jackpot.Aggregator,
	idem idempotency.Store,
	audit *provider.AuditProvider,
	pool *server.WorkerPool,
	logger zerolog.Logger,
) *server.RewardService {
	return server.NewRewardService(l, db, engine, agg, idem, audit, pool,
		server.RewardServiceConfigFrom(cfg.Reward), logger)
}

// ProvideReconciler starts the loop that finishes reservations no request
// will complete. A reservation is only touched once it is older than the
// settle timeout plus the key lock TTL.
func ProvideReconciler(cfg *config.Config, svc *server.RewardService, logger zerolog.Logger) (*server.Reconciler, func()) {
	r := server.NewReconciler(svc, server.ReconcilerConfig{
		Interval: cfg.Reward.ReconcileInterval,
		MinAge:   cfg.Reward.SettleTimeout + cfg.Reward.IdempotencyLockTTL,
		Logger:   logger,
	})
	r.Start()
	return r, r.Stop
}

// ProvideServerOptions provides server options
func ProvideServerOptions(
	cfg *config.Config,
	logger zerolog.Logger,
	svc *server.RewardService,
	feed *jackpot.Feed,
	db *sqlstore.DB,
	client *redis.Client,
) server.Options {
	checks := map[string]server.HealthCheck{"database": db.Ping}
	if client != nil {
		checks["redis"] = client.Ping
	}
	return server.Options{
		Config:  cfg,
		Logger:  logger,
		Service: svc,
		Feed:    feed,
		Checks:  checks,
	}
}

// ProvideApp provides the main application with routes registered.
func ProvideApp(opts server.Options) *server.App {
	app := server.New(opts)
	app.UseCommonMiddlewares()
	app.RegisterHealthCheck()
	app.RegisterMetrics()
	app.RegisterSwagger(server.SwaggerInfo{
		Title:    "Reward API",
		Version:  "1.0",
		BasePath: "/api/v1",
	}, nil)
	app.RegisterRewardRoutes()
	return app
}

// Runtime is the assembled process.
type Runtime struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *sqlstore.DB
	Ledger     *ledger.Ledger
	Aggregator *jackpot.Aggregator
	Service    *server.RewardService
	App        *server.App
}

// Build assembles a Runtime in dependency order. The returned cleanup
// releases everything in reverse order and is safe to call after a partial failure.
func Build(cfg *config.Config) (*Runtime, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Runtime, func(), error) {
		cleanup()
		return nil, nil, err
	}

	logger := ProvideLogger(cfg)
	id := ProvideInstanceID()

	db, closeDB, err := ProvideDB(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("database: %w", err))
	}
	cleanups = append(cleanups, closeDB)

	client, closeRedis, err := ProvideRedisClient(cfg)
	if err != nil {
		return fail(fmt.Errorf("redis: %w", err))
	}
	cleanups = append(cleanups, closeRedis)

	producer, closeProducer := ProvideProducer(cfg, logger)
	cleanups = append(cleanups, closeProducer)

	feed := ProvideFeed(cfg, logger)
	agg, stopAgg, err := ProvideAggregator(cfg, db, feed, producer, id, logger)
	if err != nil {
		return fail(fmt.Errorf("jackpot: %w", err))
	}
	cleanups = append(cleanups, stopAgg)

	_, stopConsumer := ProvideConsumer(cfg, agg, id, logger)
	cleanups = append(cleanups, stopConsumer)

	audit := ProvideAuditProvider(cfg, producer, logger)
	engine, err := ProvideEngine(audit, logger)
	if err != nil {
		return fail(fmt.Errorf("probability: %w", err))
	}

	l := ProvideLedger(db, logger)
	pool, closePool := ProvideWorkerPool(cfg, logger)
	cleanups = append(cleanups, closePool)

	svc := ProvideRewardService(cfg, l, db, engine, agg, ProvideIdempotencyStore(client, logger), audit, pool, logger)
	_, stopReconciler := ProvideReconciler(cfg, svc, logger)
	cleanups = append(cleanups, stopReconciler)
	app := ProvideApp(ProvideServerOptions(cfg, logger, svc, feed, db, client))

	return &Runtime{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Ledger:     l,
		Aggregator: agg,
		Service:    svc,
		App:        app,
	}, cleanup, nil
}

// ConfigSet is the wire provider set for configuration
var ConfigSet = wire.NewSet(
	config.Load,
)

// LoggingSet is the wire provider set for logging
var LoggingSet = wire.NewSet(
	ProvideLogger,
)

// StorageSet provides SQL, Redis and the idempotency store.
var StorageSet = wire.NewSet(
	ProvideDB,
	ProvideRedisClient,
	ProvideIdempotencyStore,
)

// EventsSet provides the Kafka producer, consumer and audit sink.
var EventsSet = wire.NewSet(
	ProvideInstanceID,
	ProvideProducer,
	ProvideConsumer,
	ProvideAuditProvider,
)

// RewardSet provides the domain components.
var RewardSet = wire.NewSet(
	ProvideFeed,
	ProvideAggregator,
	ProvideEngine,
	ProvideLedger,
	ProvideWorkerPool,
	ProvideRewardService,
	ProvideReconciler,
)

// ServerSet is the wire provider set for server
var ServerSet = wire.NewSet(
	ProvideServerOptions,
	ProvideApp,
)

// FullSet includes every provider
var FullSet = wire.NewSet(
	LoggingSet,
	StorageSet,
	EventsSet,
	RewardSet,
	ServerSet,
)
