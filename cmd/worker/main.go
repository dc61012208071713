// The worker binary leases jobs from the shared queue and runs their actions
// against the registered executors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noetl/noetl-go/config"
	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/executor"
	"github.com/noetl/noetl-go/queue"
	"github.com/noetl/noetl-go/secrets"
	"github.com/noetl/noetl-go/telemetry"
	"github.com/noetl/noetl-go/worker"
	"github.com/noetl/noetl-go/workflow"
)

func main() {
	configPath := flag.String("config", "configs/worker.yaml", "configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker exited")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	log, q, pool, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	registry := executor.NewRegistry()
	registry.Register(workflow.KindHTTP, executor.NewHTTP(resty.New()))
	registry.Register(workflow.KindSQL, executor.NewSQL())
	if pool != nil {
		registry.Register(workflow.KindSink, executor.NewPGSink(pool))
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithResolver(resolver),
		worker.WithBatch(cfg.Worker.Batch),
		worker.WithVisibility(config.Duration(cfg.Worker.Visibility, 30*time.Second)),
		worker.WithTimeout(config.Duration(cfg.Worker.Timeout, time.Minute)),
		worker.WithMetrics(telemetry.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if cfg.Worker.ID != "" {
		opts = append(opts, worker.WithID(cfg.Worker.ID))
	}
	if cfg.Monitoring.Tracing.Enable {
		service := cfg.Monitoring.Tracing.ServiceName
		if service == "" {
			service = "noetl-worker"
		}
		opts = append(opts, worker.WithTracer(telemetry.Tracer(service)))
	}
	if waker, err := newWaker(cfg, logger); err != nil {
		return err
	} else if waker != nil {
		opts = append(opts, worker.WithWaker(waker))
	}

	w := worker.New(q, log, registry, opts...)
	logger.Info().Str("worker_id", w.ID()).Msg("worker running")
	return w.Run(ctx, config.Duration(cfg.Worker.PollInterval, 500*time.Millisecond))
}

func openStorage(ctx context.Context, cfg *config.Config) (eventlog.Log, queue.Queue, *pgxpool.Pool, error) {
	switch cfg.Storage.Type {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse dsn: %w", err)
		}
		if cfg.Storage.PoolSize > 0 {
			poolCfg.MaxConns = int32(cfg.Storage.PoolSize)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		log, err := eventlog.NewPGLog(ctx, pool)
		if err != nil {
			return nil, nil, nil, err
		}
		q, err := queue.NewPGQueue(ctx, pool)
		if err != nil {
			return nil, nil, nil, err
		}
		return log, q, pool, nil

	default:
		// Workers are only meaningful against shared storage.
		return nil, nil, nil, fmt.Errorf("worker requires postgres storage, got %q", cfg.Storage.Type)
	}
}

func newResolver(cfg *config.Config) (secrets.Resolver, error) {
	switch cfg.Secrets.Type {
	case "", "env":
		return &secrets.Env{Prefix: cfg.Secrets.Prefix}, nil
	case "memory":
		return secrets.NewMemory(), nil
	case "vault":
		return secrets.NewVault(secrets.VaultConfig{
			Address:    cfg.Secrets.VaultAddr,
			Token:      cfg.Secrets.VaultToken,
			PathPrefix: cfg.Secrets.VaultPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown secrets type: %s", cfg.Secrets.Type)
	}
}

// newWaker returns the Redis wake publisher when configured, nil otherwise;
// without one the broker's polling picks results up.
func newWaker(cfg *config.Config, logger zerolog.Logger) (worker.Waker, error) {
	switch cfg.Broker.Wake.Type {
	case "", "memory":
		return nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.Wake.Addr,
			DB:       cfg.Broker.Wake.DB,
			Password: cfg.Broker.Wake.Password,
		})
		return redisWaker{client: client, channel: cfg.Broker.Wake.Channel, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown wake bus type: %s", cfg.Broker.Wake.Type)
	}
}

type redisWaker struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

func (w redisWaker) Wake(ctx context.Context, executionID string) {
	if err := w.client.Publish(ctx, w.channel, executionID).Err(); err != nil {
		w.logger.Warn().Err(err).Str("execution_id", executionID).Msg("wake publish failed")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	if cfg.Format == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
