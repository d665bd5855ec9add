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

	"github.com/use-agent/harvest/api"
	"github.com/use-agent/harvest/cache"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/engine"
	"github.com/use-agent/harvest/learner"
	"github.com/use-agent/harvest/scraper"
	"github.com/use-agent/harvest/store"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// ── 2. Initialise structured logging ────────────────────────────
	logger := initLogger(cfg.Log)
	logger.Info("harvest starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"maxPages", cfg.Browser.MaxPages,
	)

	// ── 3. Open durable store (cache tier 2 + learner state) ────────
	var st *store.Store
	if cfg.Cache.DurablePath != "" {
		var err error
		st, err = store.Open(cfg.Cache.DurablePath)
		if err != nil {
			logger.Error("failed to open durable store", "path", cfg.Cache.DurablePath, "error", err)
			os.Exit(1)
		}
		defer st.Close()
		logger.Info("durable store opened", "path", cfg.Cache.DurablePath)
	} else {
		logger.Warn("durable store disabled: memory-only cache, cold-start learner")
	}

	// ── 4. Cache and learner ────────────────────────────────────────
	var tier2 cache.Tier2
	var learnerStore learner.Store
	if st != nil {
		tier2 = st
		learnerStore = st
	}
	cc := cache.New(cfg.Cache, tier2, logger)
	defer cc.Close()

	lrn := learner.New(cfg.Learner, learnerStore, logger)

	// ── 5. Browser (launched lazily on first render) ────────────────
	browser := scraper.NewBrowser(cfg.Browser, cfg.Fetch, logger)
	defer browser.Close()

	// ── 6. Fetch engine ─────────────────────────────────────────────
	eng := engine.New(cfg.Fetch, lrn, cc, browser, logger)

	// ── 7. Router and HTTP server ───────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(eng, browser, lrn, cc, cfg, logger, startTime)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 8. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Give in-flight requests 5 seconds to complete.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server forced shutdown", "error", err)
	} else {
		logger.Info("HTTP server drained gracefully")
	}

	// The deferred browser.Close drains the page pool and kills Chrome.
	logger.Info("harvest stopped")
}

// initLogger configures slog based on the LogConfig and returns the
// default logger.
func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
