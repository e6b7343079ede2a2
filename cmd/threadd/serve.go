package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flitsinc/go-threads/internal/agenttools"
	"github.com/flitsinc/go-threads/internal/ai"
	"github.com/flitsinc/go-threads/internal/api"
	"github.com/flitsinc/go-threads/internal/config"
	"github.com/flitsinc/go-threads/internal/engine"
	"github.com/flitsinc/go-threads/internal/eventbus"
	"github.com/flitsinc/go-threads/internal/scheduler"
	"github.com/flitsinc/go-threads/internal/tasks"
	"github.com/flitsinc/go-threads/internal/telemetry"
	"github.com/flitsinc/go-threads/internal/threads"
)

const serviceName = "threadd"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the wakeup scheduler and the metrics server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "HTTP API listen address")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("default-model", "echo", "model used when a run does not name one")
	serveCmd.Flags().Bool("scheduler", true, "run the wakeup scheduler in this process")
	serveCmd.Flags().Duration("poll-interval", scheduler.DefaultPollInterval, "wakeup poll interval")

	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("default_model", serveCmd.Flags(), "default-model")
	bindFlag("scheduler.enabled", serveCmd.Flags(), "scheduler")
	bindFlag("scheduler.poll_interval", serveCmd.Flags(), "poll-interval")
	_ = viper.BindEnv("otel_endpoint", config.EnvPrefix+"_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, serviceName)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	store, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	models := newModelRegistry(cfg.DefaultModel)
	if _, _, err := models.Resolve(""); err != nil {
		return fmt.Errorf("default model: %w", err)
	}

	table := tasks.NewTable(tasks.WithLogger(logger))
	bus := eventbus.NewBus()
	eng, err := engine.New(store, models, agenttools.Builtins(cfg.Engine.MaxWait), engine.Options{
		MaxTicks:        cfg.Engine.MaxTicks,
		ModelTimeout:    cfg.Engine.ModelTimeout,
		ToolTimeout:     cfg.Engine.ToolTimeout,
		ModelRetries:    cfg.Engine.ModelRetries,
		ResumeCacheSize: cfg.Engine.ResumeCacheSize,
		DebugDir:        cfg.DebugDir,
		Logger:          logger,
		Observers:       []engine.Observer{table, bus},
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, storeReady(store))

	apiServer := &api.Server{
		Engine:       eng,
		Tasks:        table,
		Bus:          bus,
		RestartToken: cfg.RestartToken,
		StartedAt:    time.Now().UTC(),
		Logger:       logger,
		Info: api.DiagnosticsInfo{
			HTTPAddr:     cfg.HTTPAddr,
			Backend:      cfg.Backend,
			DataDir:      cfg.DataDir,
			DBPath:       cfg.DBPath,
			DefaultModel: cfg.DefaultModel,
			MetricsAddr:  cfg.MetricsAddr,
		},
	}

	var schedulerDone sync.WaitGroup
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(store, eng, scheduler.Options{
			PollInterval:  cfg.Scheduler.PollInterval,
			BatchSize:     cfg.Scheduler.BatchSize,
			MaxAttempts:   cfg.Scheduler.MaxAttempts,
			RetryBackoff:  cfg.Scheduler.RetryBackoff,
			ClaimTTL:      cfg.Scheduler.ClaimTTL,
			ResumeTimeout: cfg.Scheduler.ResumeTimeout,
			Logger:        logger,
		})
		apiServer.Scheduler = sched
		schedulerDone.Add(1)
		go func() {
			defer schedulerDone.Done()
			sched.Run(runCtx)
		}()
	} else {
		logger.Info("scheduler disabled; wakeups are resumed by another instance")
	}

	listener, err := listenerFromEnv()
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	httpSrv := &http.Server{
		Handler:           api.RequestLogger(logger)(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return runCtx
		},
	}

	handoff := &restarter{Listener: listener, Args: os.Args, Env: os.Environ()}
	apiServer.Restart = func() error {
		if err := handoff.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			logger.Info("handing off to restarted process")
			runCancel()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(ctx)
			schedulerDone.Wait()
			os.Exit(0)
		}()
		return nil
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("threadd listening",
			slog.String("addr", listener.Addr().String()),
			slog.String("backend", cfg.Backend),
			slog.String("store", storeLocation(cfg)),
		)
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-quit:
		logger.Info("shutting down...")
	case serveErr = <-errCh:
		logger.Error("HTTP server error", slog.String("error", serveErr.Error()))
	}
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	// In-flight resumptions are detached from runCtx and finish here.
	schedulerDone.Wait()
	logger.Info("stopped")
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// newModelRegistry registers the built-in models. The echo model is always
// available so a fresh install can run threads end to end.
func newModelRegistry(defaultModel string) *ai.Registry {
	registry := ai.NewRegistry(defaultModel)
	registry.Register("echo", ai.Echo{})
	return registry
}

func storeReady(store threads.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := store.ListThreads(ctx, threads.ListFilter{Limit: 1}); err != nil {
			return fmt.Errorf("store not ready: %w", err)
		}
		return nil
	}
}
