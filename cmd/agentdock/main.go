package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	adhttp "github.com/agentdock/agentdock/internal/adapter/http"
	adnats "github.com/agentdock/agentdock/internal/adapter/nats"
	"github.com/agentdock/agentdock/internal/adapter/otel"
	"github.com/agentdock/agentdock/internal/adapter/postgres"
	"github.com/agentdock/agentdock/internal/adapter/ristretto"
	"github.com/agentdock/agentdock/internal/adapter/ws"
	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/logger"
	"github.com/agentdock/agentdock/internal/middleware"
	"github.com/agentdock/agentdock/internal/port/gitprovider"
	"github.com/agentdock/agentdock/internal/port/messagequeue"
	"github.com/agentdock/agentdock/internal/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_concurrent", cfg.Engine.MaxConcurrent,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	shutdownTracer := otel.InitTracer(cfg.Logging.Service)
	defer func() {
		if err := shutdownTracer(ctx); err != nil {
			slog.Error("tracer shutdown", "error", err)
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS mirrors lifecycle events for out-of-process consumers; an empty
	// URL disables it.
	var queue messagequeue.Queue = messagequeue.Nop{}
	if cfg.NATS.URL != "" {
		nq, err := adnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nq.Close() }()
		queue = nq
	}

	cache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	git, err := gitprovider.New(cfg.Git.Provider, map[string]string{
		"max_concurrent": fmt.Sprintf("%d", cfg.Git.MaxConcurrent),
	})
	if err != nil {
		return fmt.Errorf("git provider: %w", err)
	}

	// --- Engine ---

	hub := ws.NewHub(log)
	store := postgres.NewStore(pool)

	engine := service.New(cfg.Engine, cfg.Cache.StatsTTL, service.Deps{
		Store:   store,
		Hub:     hub,
		Queue:   queue,
		Cache:   cache,
		Metrics: metrics,
		Git:     git,
		Log:     log,
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// --- HTTP ---

	handlers := adhttp.NewHandlers(engine, hub, log)

	r := chi.NewRouter()
	r.Use(adhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(adhttp.SecurityHeaders)
	r.Use(adhttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	adhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop admitting and terminate active agent processes before closing
	// the HTTP listener, so observers see the final events.
	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Error("engine stop", "error", err)
	}
	if err := queue.Drain(); err != nil {
		slog.Error("queue drain", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
