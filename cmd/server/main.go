// The server binary runs the broker: it loads playbooks, owns the decision
// loop, and exposes a small HTTP surface for submitting, inspecting, and
// cancelling executions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noetl/noetl-go/broker"
	"github.com/noetl/noetl-go/config"
	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/queue"
	"github.com/noetl/noetl-go/state"
	"github.com/noetl/noetl-go/telemetry"
	"github.com/noetl/noetl-go/workflow"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "configuration file")
	playbookDir := flag.String("playbooks", "playbooks", "directory of playbook JSON files")
	listen := flag.String("listen", ":8080", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *playbookDir, *listen); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, playbookDir, listen string) error {
	log, q, locker, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}

	source := broker.NewMapSource()
	if err := loadPlaybooks(source, playbookDir, logger); err != nil {
		return err
	}

	notifier, redisClient, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	// Without postgres there are no advisory locks; a Redis deployment can
	// still serialize executions across broker replicas.
	if redisClient != nil && cfg.Storage.Type != "postgres" {
		locker = broker.NewRedisLocker(redisClient, time.Minute)
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	engine := broker.New(log, q, source,
		broker.WithLogger(logger),
		broker.WithLocker(locker),
		broker.WithNotifier(notifier),
		broker.WithMetrics(metrics),
		broker.WithDefaults(broker.Defaults{
			Timeout:       config.Duration(cfg.Broker.DefaultTimeout, time.Minute),
			MaxDeliveries: cfg.Broker.MaxDeliveries,
		}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	registerAPI(mux, engine, logger)

	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info().Str("addr", listen).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("broker running")
	return engine.Run(ctx, config.Duration(cfg.Broker.PollInterval, time.Second))
}

// registerAPI wires the execution endpoints.
func registerAPI(mux *http.ServeMux, engine *broker.Engine, logger zerolog.Logger) {
	mux.HandleFunc("POST /v1/executions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Playbook string         `json:"playbook"`
			Workload map[string]any `json:"workload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		executionID, err := engine.Submit(r.Context(), req.Playbook, req.Workload)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": executionID})
	})

	mux.HandleFunc("GET /v1/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := engine.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, eventlog.ErrNotFound) {
				httpError(w, http.StatusNotFound, err)
				return
			}
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, statusView(snap))
	})

	mux.HandleFunc("POST /v1/executions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// statusView flattens a snapshot for API consumers.
func statusView(snap *state.Snapshot) map[string]any {
	status := "running"
	if snap.Terminal != nil {
		status = "completed"
		if snap.Terminal.Type == eventlog.TypePlaybookFailed {
			status = "failed"
		}
	}

	steps := make(map[string]string, len(snap.Steps))
	for name, st := range snap.Steps {
		steps[name] = string(st.Status)
	}

	view := map[string]any{
		"execution_id":  snap.ExecutionID,
		"playbook":      snap.PlaybookRef,
		"status":        status,
		"steps":         steps,
		"last_event_id": snap.LastEventID,
	}
	if snap.Cause != nil {
		view["error"] = snap.Cause
		view["failed_step"] = snap.FailedStep
	}
	return view
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (eventlog.Log, queue.Queue, broker.Locker, error) {
	switch cfg.Storage.Type {
	case "", "memory":
		return eventlog.NewMemLog(), queue.NewMemQueue(), broker.NewMemLocker(), nil

	case "sqlite":
		log, err := eventlog.NewSQLiteLog(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		// The queue stays in memory: sqlite mode is single-process.
		return log, queue.NewMemQueue(), broker.NewMemLocker(), nil

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
		logger.Info().Msg("postgres storage ready")
		return log, q, broker.NewPGLocker(pool), nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

func newNotifier(cfg *config.Config, logger zerolog.Logger) (broker.Notifier, *redis.Client, error) {
	switch cfg.Broker.Wake.Type {
	case "", "memory":
		return broker.NewChanNotifier(256), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.Wake.Addr,
			DB:       cfg.Broker.Wake.DB,
			Password: cfg.Broker.Wake.Password,
		})
		return broker.NewRedisNotifier(client, cfg.Broker.Wake.Channel, logger), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown wake bus type: %s", cfg.Broker.Wake.Type)
	}
}

func loadPlaybooks(source *broker.MapSource, dir string, logger zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read playbook directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		g, err := workflow.DecodePlaybook(data)
		if err != nil {
			return fmt.Errorf("playbook %s: %w", entry.Name(), err)
		}
		if err := source.Register(g); err != nil {
			return fmt.Errorf("playbook %s: %w", entry.Name(), err)
		}
		logger.Info().Str("ref", g.Ref).Str("file", entry.Name()).Msg("playbook loaded")
	}
	return nil
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
