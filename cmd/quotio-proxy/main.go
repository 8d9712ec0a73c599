// Package main is the entry point for the quotio proxy: a local,
// OpenAI-compatible HTTP gateway that fronts multiple AI coding-assistant
// backends through one credential pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quotio/quotio/internal/apikey"
	"github.com/quotio/quotio/internal/config"
	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/internal/dispatch"
	"github.com/quotio/quotio/internal/executor"
	"github.com/quotio/quotio/internal/fallback"
	"github.com/quotio/quotio/internal/metrics"
	"github.com/quotio/quotio/internal/pool"
	"github.com/quotio/quotio/internal/selector"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		slog.Error("failed to load configuration, falling back to defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting quotio proxy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := buildRegistry(cfg)

	credStorePath := cfg.Credentials.StorePath
	if credStorePath == "" {
		credStorePath, err = credential.DefaultStorePath()
		if err != nil {
			logger.Error("failed to resolve default credential store path", "error", err)
			os.Exit(1)
		}
	}
	credStore := credential.NewStore(credStorePath)
	if err := credStore.Load(); err != nil {
		logger.Error("failed to load credential store", "error", err)
		os.Exit(1)
	}

	sel := buildSelector(cfg.Pool.Selector)
	credPool := pool.New(cfg.Pool.ToPoolConfig(), registry, sel, credStore, logger)
	credPool.LoadFromStore()

	refresher := pool.NewRefresher(credPool, pool.DefaultRefresherConfig(), logger)
	go refresher.Run(ctx)

	var fallbackMgr *fallback.Manager
	if cfg.Fallback.ConfigPath != "" {
		fallbackMgr, err = fallback.NewManager(cfg.Fallback.ConfigPath, logger)
		if err != nil {
			logger.Error("failed to load fallback configuration", "error", err)
			os.Exit(1)
		}
		if err := fallbackMgr.Watch(ctx); err != nil {
			logger.Warn("fallback-chain hot-reload disabled", "error", err)
		}
	}

	var apiKeyStore *apikey.Store
	if cfg.APIKeys.StorePath != "" {
		apiKeyStore = apikey.NewStore(cfg.APIKeys.StorePath)
		if err := apiKeyStore.Load(); err != nil {
			logger.Error("failed to load API key store", "error", err)
			os.Exit(1)
		}
	}

	facade := dispatch.New(credPool, fallbackMgr, registry, logger)
	handler := dispatch.NewHandler(facade, apiKeyStore, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("POST /v1/chat/completions", handler.ChatCompletions)
	mux.HandleFunc("POST /v1/messages/count_tokens", handler.CountTokens)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var httpHandler http.Handler = mux
	httpHandler = metrics.Middleware(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if fallbackMgr != nil {
		_ = fallbackMgr.Close()
	}
	logger.Info("server stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func buildSelector(strategy string) selector.Selector {
	if strategy == "fill_first" {
		return selector.NewFillFirst()
	}
	return selector.NewRoundRobin()
}

func buildRegistry(cfg *config.Config) *executor.Registry {
	registry := executor.NewRegistry()
	for _, p := range cfg.Providers {
		var ex executor.Executor
		switch p.Kind {
		case "claude":
			ex = executor.NewAnthropic(p.BaseURL, p.RequestsPerSecond, p.Burst, p.AllowPrivateHosts, p.OAuthTokenURL, p.OAuthClientID)
		case "gemini":
			ex = executor.NewGemini(p.BaseURL, p.RequestsPerSecond, p.Burst, p.AllowPrivateHosts, p.OAuthTokenURL, p.OAuthClientID)
		case "openai", "openailike":
			ex = executor.NewOpenAI(p.Name, p.BaseURL, p.ChatPath, p.RequestsPerSecond, p.Burst, p.AllowPrivateHosts)
		default:
			slog.Warn("skipping provider with unknown kind", "name", p.Name, "kind", p.Kind)
			continue
		}
		registry.Register(p.Name, ex)
	}
	return registry
}
