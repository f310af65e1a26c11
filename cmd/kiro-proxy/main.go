// Package main is the entry point for the Kiro proxy server.
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

	"github.com/kiroproxy/kiro-proxy/internal/account"
	"github.com/kiroproxy/kiro-proxy/internal/config"
	"github.com/kiroproxy/kiro-proxy/internal/handler"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
	"github.com/kiroproxy/kiro-proxy/internal/oauth"
	"github.com/kiroproxy/kiro-proxy/internal/store/redisstore"
	"github.com/kiroproxy/kiro-proxy/pkg/middleware"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg)
	logger.Info("starting kiro-proxy", "port", cfg.Port, "redis_url", cfg.RedisURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	redisStore, err := redisstore.New(ctx, redisstore.Options{
		URL:       cfg.RedisURL,
		KeyPrefix: cfg.RedisKeyPrefix,
		PoolSize:  cfg.RedisPoolSize,
		Timeout:   cfg.RedisTimeout,
		Logger:    logger,
	})
	cancel()
	if err != nil {
		logger.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}

	appCfg, err := redisStore.LoadAppConfig(context.Background())
	if err != nil {
		logger.Warn("failed to load app config, using process defaults", "error", err)
		appCfg = cfg.ToAppConfig()
	}

	kiroClient := kiro.NewClient(kiro.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.KiroAPITimeout,
		Logger:              logger,
	})

	selector := account.NewSelector(account.SelectorOptions{
		Store:    redisStore,
		Strategy: appCfg.ProviderStrategy,
		Logger:   logger,
		CacheTTL: cfg.AccountCacheTTL,
	})

	healthTracker := account.NewHealthTracker(redisStore, appCfg.MaxErrorCount)

	refresher := account.NewTokenRefresher(account.TokenRefresherOptions{
		Logger:           logger,
		RefreshThreshold: cfg.RefreshThreshold,
	})

	pool := account.NewPool(account.PoolOptions{
		Store:      redisStore,
		Selector:   selector,
		Health:     healthTracker,
		Refresher:  refresher,
		KiroClient: kiroClient,
		Logger:     logger,
		MaxRetries: appCfg.RequestMaxRetries,
		BaseDelay:  appCfg.RequestBaseDelay,
	})

	healthChecker := account.NewHealthChecker(account.HealthCheckerOptions{
		Store:      redisStore,
		Pool:       pool,
		KiroClient: kiroClient,
		Logger:     logger,
		Interval:   time.Duration(appCfg.HealthCheckIntervalMinutes) * time.Minute,
	})

	usageSyncer := account.NewUsageSyncer(account.UsageSyncerOptions{
		Store:                    redisStore,
		Pool:                     pool,
		KiroClient:               kiroClient,
		Logger:                   logger,
		Interval:                 time.Duration(appCfg.UsageSyncIntervalMinutes) * time.Minute,
		DefaultFreeAllowedModels: cfg.DefaultFreeAllowedModels,
	})

	oauthEngine := oauth.NewEngine(oauth.Options{
		Store:  redisStore,
		Logger: logger,
	})

	loopCtx, stopLoops := context.WithCancel(context.Background())
	go healthChecker.Run(loopCtx)
	go usageSyncer.Run(loopCtx)
	go oauthEngine.Run(loopCtx)

	messagesHandler := handler.NewMessagesHandler(handler.MessagesHandlerOptions{
		Pool:         pool,
		Logger:       logger,
		SystemPrompt: appCfg.SystemPrompt,
	})

	chatCompletionsHandler := handler.NewChatCompletionsHandler(handler.ChatCompletionsHandlerOptions{
		Pool:         pool,
		Logger:       logger,
		SystemPrompt: appCfg.SystemPrompt,
	})

	countTokensHandler := handler.NewCountTokensHandler(handler.CountTokensHandlerOptions{
		Logger: logger,
	})

	healthHandler := handler.NewHealthHandler(redisStore)
	modelsHandler := handler.NewModelsHandler()
	oauthHandler := handler.NewOAuthHandler(handler.OAuthHandlerOptions{
		Engine: oauthEngine,
		Logger: logger,
	})

	mux := http.NewServeMux()

	mux.Handle("GET /health", healthHandler)

	// Event logging stub endpoint (no-op, returns 200)
	mux.HandleFunc("POST /api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.Handle("POST /v1/chat/completions", chatCompletionsHandler)
	mux.Handle("POST /v1/messages", messagesHandler)
	mux.Handle("POST /v1/messages/count_tokens", countTokensHandler)
	mux.Handle("GET /v1/models", modelsHandler)

	mux.Handle("POST /admin/oauth/sessions", http.HandlerFunc(oauthHandler.Start))
	mux.Handle("GET /admin/oauth/sessions/{id}", http.HandlerFunc(oauthHandler.Status))
	mux.Handle("POST /admin/oauth/sessions/{id}/complete", http.HandlerFunc(oauthHandler.Complete))
	mux.Handle("DELETE /admin/oauth/sessions/{id}", http.HandlerFunc(oauthHandler.Cancel))

	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(redisStore, cfg.APIKey, logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	stopLoops()
	kiroClient.Close()
	if err := redisStore.Close(); err != nil {
		logger.Error("failed to close store connection", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var logHandler slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		logHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(logHandler)
}
