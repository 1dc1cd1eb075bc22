package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/docstore"
	"datasync/internal/execution"
	"datasync/internal/fetch"
	"datasync/internal/lease"
	"datasync/internal/metrics"
	"datasync/internal/notify"
	"datasync/internal/replication"
	"datasync/internal/repository"
	"datasync/internal/runner"
	"datasync/internal/source"
)

// app holds the connections and components shared by the run and sync commands.
type app struct {
	logger   *zap.Logger
	mongo    *mongo.Client
	db       *mongo.Database
	redis    *redis.Client
	leases   lease.Store
	store    docstore.Store
	repos    *repository.Repos
	metrics  *metrics.Collector
	notifier notify.Notifier
	engine   *replication.Engine
	runner   *runner.Runner
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Env == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	// --- Document store ---
	client, db, err := config.NewMongo(ctx, &cfg.Mongo)
	if err != nil {
		return nil, err
	}
	a.mongo, a.db = client, db
	a.store = docstore.NewMongoStore(client, db)
	a.repos = repository.NewRepos(db)

	// --- Leases ---
	switch strings.ToLower(cfg.Lease.Backend) {
	case "redis":
		rdb, err := config.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = rdb
		a.leases = lease.NewRedisStore(rdb, "datasync:lease")
		logger.Info("Using redis lease backend", zap.String("addr", cfg.Redis.Addr))
	case "", "mongo":
		a.leases = lease.NewMongoStore(db)
	default:
		a.close()
		return nil, fmt.Errorf("unknown lease backend %q", cfg.Lease.Backend)
	}

	// --- Replication ---
	a.metrics = metrics.NewCollector()
	a.notifier = notify.New(cfg.Alert, logger)
	fetcher := fetch.New(cfg.Fetch, logger)
	a.engine = replication.NewEngine(a.store, fetcher, cfg.Replication, logger)
	recorder := execution.NewRecorder(a.repos.Execution, cfg.Recorder, logger)

	a.runner, err = runner.New(cfg.Runner, runner.Deps{
		Jobs:     a.repos.Job,
		Recorder: recorder,
		Leases:   a.leases,
		Resolver: source.NewResolver(a.repos.DataSource),
		Engine:   a.engine,
		Metrics:  a.metrics,
		Notifier: a.notifier,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(context.Background()); err != nil {
			a.logger.Warn("Failed to disconnect from mongo", zap.Error(err))
		}
	}
}
