// Command substrate runs the run-event substrate server: append-only event
// logs, policy-gated tool execution, SSE streaming, notifications, and
// provenance, all over a single SQL store.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omniplexity/substrate/pkg/api"
	"github.com/omniplexity/substrate/pkg/approvals"
	"github.com/omniplexity/substrate/pkg/artifacts"
	"github.com/omniplexity/substrate/pkg/config"
	"github.com/omniplexity/substrate/pkg/eventlog"
	"github.com/omniplexity/substrate/pkg/idempotency"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/notify"
	"github.com/omniplexity/substrate/pkg/observability"
	"github.com/omniplexity/substrate/pkg/policy"
	"github.com/omniplexity/substrate/pkg/provenance"
	"github.com/omniplexity/substrate/pkg/quota"
	"github.com/omniplexity/substrate/pkg/store"
	"github.com/omniplexity/substrate/pkg/stream"
	"github.com/omniplexity/substrate/pkg/tools"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.NewProvider(ctx, observability.Config{
		ServiceName:    "substrate",
		ServiceVersion: version,
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(ctx, cfg.DatabaseURL, store.Options{
		RetryBudget: cfg.WriteRetryBudget,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	clock := ids.NewMonotonicClock()

	registry, err := eventlog.NewRegistry()
	if err != nil {
		return err
	}
	guard := quota.Guard{
		MaxEventsPerRun: cfg.MaxEventsPerRun,
		MaxBytesPerRun:  cfg.MaxBytesPerRun,
	}
	log := eventlog.New(st, registry, guard, clock, nil, logger)

	router := notify.NewRouter(st, clock, notify.Options{
		ToolErrors:             cfg.NotifyToolErrors,
		ToolErrorsOnlyCodes:    cfg.NotifyToolErrorsOnlyCodes,
		ToolErrorsOnlyBindings: cfg.NotifyToolErrorsOnlyBindings,
		ToolErrorsMaxPerRun:    cfg.NotifyToolErrorsMaxPerRun,
		Logger:                 logger,
	})
	log.SetNotifier(router)

	conditions, err := policy.NewConditionEvaluator()
	if err != nil {
		return err
	}
	engine := policy.NewEngine(st, conditions, cfg.AllowRemoteMCP, logger)
	ledger := approvals.NewLedger(st, log, clock, logger)

	toolReg := tools.NewRegistry(st)
	wasm := tools.NewWasmRunner(ctx, cfg.RegistryRoot)
	defer func() {
		if err := wasm.Close(context.Background()); err != nil {
			logger.Warn("wasm runtime close failed", "error", err)
		}
	}()
	executor := tools.NewExecutor(st, log, toolReg, engine, ledger, clock, tools.ExecutorOptions{
		WorkspaceRoot: cfg.WorkspaceRoot,
		Timeout:       cfg.ToolTimeout(),
		OutputCap:     cfg.ToolOutputCapBytes,
		Wasm:          wasm,
		Logger:        logger,
	})

	blobs, err := artifacts.NewBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	artSvc, err := artifacts.NewService(st, blobs, clock, artifacts.ServiceOptions{
		Backend:    cfg.ArtifactBackend,
		MaxBytes:   cfg.ArtifactMaxBytes,
		PartSize:   cfg.ArtifactPartSize,
		StagingDir: cfg.ArtifactDir + "/staging",
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var limiter stream.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = stream.NewRedisLimiter(client, cfg.SSEMaxConcurrentPerUser, 0)
		logger.Info("stream limiter backed by redis", "addr", cfg.RedisAddr)
	} else {
		limiter = stream.NewLocalLimiter(cfg.SSEMaxConcurrentPerUser)
	}
	broker := stream.NewBroker(st, clock, stream.BrokerOptions{
		Heartbeat:    time.Duration(cfg.SSEHeartbeatSeconds) * time.Second,
		PollInterval: time.Duration(cfg.SSEPollIntervalSeconds) * time.Second,
		MaxReplay:    cfg.SSEMaxReplay,
		MaxDuration:  time.Duration(cfg.SSEMaxDurationSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.SSEIdleTimeoutSeconds) * time.Second,
		Limiter:      limiter,
		Logger:       logger,
	})

	prov := provenance.NewService(st, clock, logger)
	idem := idempotency.NewCache(st, clock, logger)

	server := api.NewServer(api.ServerOptions{
		Store:     st,
		Log:       log,
		Registry:  toolReg,
		Executor:  executor,
		Ledger:    ledger,
		Artifacts: artSvc,
		Broker:    broker,
		Prov:      prov,
		Idem:      idem,
		Activity:  router,
		Obs:       obs,
		Clock:     clock,
		Config:    cfg,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port, "database", cfg.DatabaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// version is stamped at build time via -ldflags.
var version = "dev"

func envName() string {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
