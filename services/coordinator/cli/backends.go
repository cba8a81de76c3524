package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-block-flow/internal/admission"
	"github.com/ramiqadoumi/go-block-flow/internal/blocks"
	"github.com/ramiqadoumi/go-block-flow/internal/cleanup"
	"github.com/ramiqadoumi/go-block-flow/internal/execution"
	"github.com/ramiqadoumi/go-block-flow/internal/kafka"
	"github.com/ramiqadoumi/go-block-flow/internal/postgres"
	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
	redisstore "github.com/ramiqadoumi/go-block-flow/internal/redis"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/internal/taskconfig"
	"github.com/ramiqadoumi/go-block-flow/services/coordinator/config"
)

// backends holds the connections shared by serve, force and smoke.
type backends struct {
	pool     *pgxpool.Pool
	store    *postgres.Store
	redis    *goredis.Client
	producer kafka.Producer // nil when no brokers are configured
	events   store.EventSink
	configs  taskconfig.Provider
	logger   *slog.Logger
}

// openBackends connects Postgres and Redis and, when brokers are set, wraps
// the event sink with the Kafka publisher.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	configs, err := loadTaskConfigs(cfg.TasksFile)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	pg := postgres.New(pool, postgres.WithLogger(logger))

	redisClient := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisClient.Ping(initCtx).Err(); err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	b := &backends{
		pool:    pool,
		store:   pg,
		redis:   redisClient,
		events:  pg,
		configs: configs,
		logger:  logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		b.producer = kafka.NewProducer(cfg.KafkaBrokers)
		b.events = kafka.NewEventPublisher(pg, b.producer, cfg.EventsTopic, cfg.InstanceID, logger)
		logger.Info("execution events enabled",
			slog.String("topic", cfg.EventsTopic), slog.Any("brokers", cfg.KafkaBrokers))
	}
	return b, nil
}

func loadTaskConfigs(path string) (taskconfig.Provider, error) {
	if path == "" {
		return taskconfig.Static{}, nil
	}
	f, err := taskconfig.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *backends) Close() {
	if b.producer != nil {
		if err := b.producer.Close(); err != nil {
			b.logger.Warn("kafka producer close", slog.String("error", err.Error()))
		}
	}
	_ = b.redis.Close()
	b.pool.Close()
}

// pingPostgres and pingRedis back the readiness probes.
func (b *backends) pingPostgres(ctx context.Context) error { return b.store.Ping(ctx) }
func (b *backends) pingRedis(ctx context.Context) error    { return b.redis.Ping(ctx).Err() }

// executionDeps assembles the collaborators of an execution.Context.
func (b *backends) executionDeps() execution.Dependencies {
	finder := recovery.NewFinder(b.store, recovery.WithLogger(b.logger))
	return execution.Dependencies{
		Tasks:  b.store,
		Blocks: b.store,
		Events: b.events,
		Admission: admission.NewController(b.store, redisstore.NewTokens(b.redis), b.events,
			admission.WithLogger(b.logger)),
		Generator:       blocks.NewGenerator(b.store, finder, b.events, blocks.WithLogger(b.logger)),
		CriticalSection: redisstore.NewCriticalSection(b.redis, redisstore.DefaultLease),
		Cleaner:         cleanup.NewService(b.store, cleanup.WithLogger(b.logger)),
	}
}
