package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/tgwilson/forensic-council-backend/internal/api"
	"github.com/tgwilson/forensic-council-backend/internal/config"
	"github.com/tgwilson/forensic-council-backend/internal/council"
	"github.com/tgwilson/forensic-council-backend/internal/localmodel"
	"github.com/tgwilson/forensic-council-backend/internal/provider"
	"github.com/tgwilson/forensic-council-backend/internal/search"
	"github.com/tgwilson/forensic-council-backend/internal/store"
	"github.com/tgwilson/forensic-council-backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port)

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	st := store.New(pool)

	// ── Reasoning providers ───────────────────────────────────────────────────
	// Groq is the primary. watsonx is the secondary critic/synthesizer when
	// its credentials are set. In production, set both for maximum resilience;
	// config.Load guarantees at least one is present.
	var primary, secondary provider.Reasoner
	if cfg.GroqAPIKey != "" {
		primary = provider.NewGroqClient(cfg.GroqAPIKey, cfg.GroqModels, 0)
		logger.Info("provider: groq configured as primary")
	}
	if cfg.WatsonxAPIKey != "" {
		secondary = provider.NewWatsonxClient(provider.WatsonxConfig{
			APIKey:    cfg.WatsonxAPIKey,
			ProjectID: cfg.WatsonxProjectID,
			BaseURL:   cfg.WatsonxBaseURL,
			Model:     cfg.WatsonxModel,
		})
		logger.Info("provider: watsonx configured as secondary")
	}

	// ── Local analyst model ───────────────────────────────────────────────────
	// Train at startup so the first report doesn't pay the cost.
	local := localmodel.New(cfg.LocalModelSeed)
	local.Train(0)
	logger.Info("local analyst model trained", "seed", cfg.LocalModelSeed)

	// ── Council ───────────────────────────────────────────────────────────────
	reasoningCouncil, err := council.New(primary, secondary, local, council.Config{
		Cache:        council.NewMemoryCache(),
		Logger:       logger,
		StageTimeout: cfg.StageTimeout,
	})
	if err != nil {
		return fmt.Errorf("council: %w", err)
	}

	// ── Web intelligence ──────────────────────────────────────────────────────
	searcher := search.NewTavilyClient(cfg.TavilyAPIKey)
	if !searcher.Enabled() {
		logger.Warn("search: no TAVILY_API_KEY, reports will use deterministic signals only")
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	job := worker.NewJob(st, reasoningCouncil, searcher, logger)
	runner := worker.NewRunner(job, st, worker.RunnerConfig{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
		MaxRetries:   cfg.MaxRetries,
	}, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(
		st,
		runner, // *Runner satisfies worker.Enqueuer
		primary,
		secondary,
		searcher,
		api.Config{Env: cfg.Env, SynthesisProvider: cfg.SynthesisProvider},
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // the Q&A endpoint calls an LLM inline
		IdleTimeout:  120 * time.Second,
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Root context cancelled by OS signal. Worker and HTTP server both respect it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the worker pool in a background goroutine. It blocks until ctx is done.
	go runner.Start(ctx)

	// Start the HTTP server in a background goroutine.
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until either a signal arrives or the server dies unexpectedly.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Give in-flight HTTP requests up to 20 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// The worker goroutine exits when ctx is cancelled (already done).
	logger.Info("shutdown complete")
	return nil
}

// openDB opens the connection pool and verifies connectivity before the
// server starts taking traffic.
func openDB(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// Tune the connection pool.
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}
