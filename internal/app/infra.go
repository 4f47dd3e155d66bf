package app

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"nexora-dispatch/internal/config"
	"nexora-dispatch/internal/queue"
	"nexora-dispatch/pkg/kafka"
	"nexora-dispatch/pkg/postgres"
	"nexora-dispatch/pkg/redis"
)

// JobQueue is the full queue surface; the API and the worker each use a part of it.
type JobQueue = queue.Queue

// infra holds the connections shared by both processes.
type infra struct {
	db    postgres.Postgres
	rdb   redis.Redis
	queue JobQueue
}

func initInfra(log *zap.Logger, cfg *config.Config) (*infra, error) {
	db, err := initDB(&cfg.Database)
	if err != nil {
		log.Error("Failed to initialize database", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	log.Debug("Database initialized")

	inf := &infra{db: db}

	if cfg.Queue.Driver == config.QueueDriverRedis {
		rdb, err := initRedis(&cfg.Redis)
		if err != nil {
			db.Close()
			log.Error("Failed to initialize redis", zap.Error(err))
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}

		log.Debug("Redis initialized")

		inf.rdb = rdb
	}

	inf.queue = initQueue(&cfg.Queue, inf)
	log.Debug("Job queue initialized", zap.String("driver", cfg.Queue.Driver), zap.String("name", cfg.Queue.Name))

	return inf, nil
}

func (i *infra) close() error {
	var errs []error

	if err := i.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
	}

	if i.rdb != nil {
		if err := i.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close RDB: %w", err))
		}
	}

	i.db.Close()

	return errors.Join(errs...)
}

func initDB(cfg *config.Database) (postgres.Postgres, error) {
	postgresCfg := &postgres.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Name:     cfg.Name,
		SSLMode:  cfg.SSLMode,
		MaxConns: cfg.MaxConns,
		MinConns: cfg.MinConns,
		Migration: postgres.Migration{
			Path:      cfg.Migration.Path,
			AutoApply: cfg.Migration.AutoApply,
		},
	}

	db, err := postgres.New(postgresCfg)
	if err != nil {
		return nil, err
	}

	return db, nil
}

func initRedis(cfg *config.Redis) (redis.Redis, error) {
	redisCfg := &redis.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		UseTLS:   cfg.UseTLS,
	}

	rdb, err := redis.New(redisCfg)
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

func initQueue(cfg *config.Queue, inf *infra) JobQueue {
	queueCfg := queue.Config{
		Name:        cfg.Name,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		LeaseTTL:    cfg.LeaseTTL,
	}

	if cfg.Driver == config.QueueDriverPostgres {
		return queue.NewPostgres(inf.db.Pool(), queueCfg)
	}

	return queue.NewRedis(inf.rdb.RDB(), queueCfg)
}

func initProducer(log *zap.Logger, cfg *config.Kafka) (kafka.Producer, error) {
	// Hash keeps every event of one email on one partition.
	producer, err := kafka.NewProducer(
		cfg.Brokers,
		kafka.WithBalancer(kafka.Hash),
		kafka.WithRequiredAcks(kafka.RequireAll),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init kafka producer: %w", err)
	}

	log.Debug("Kafka producer initialized")

	return producer, nil
}
