package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/gridfetch/internal/config"
	"github.com/Sternrassler/gridfetch/pkg/fetch"
	"github.com/Sternrassler/gridfetch/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Setup(cfg.Logging())
	defer logging.Close()

	// Setup Redis
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	} else {
		logger.Warn().Msg("No Redis configured, image cache and rate limit tracking disabled")
	}

	fetchCfg := fetch.DefaultConfig(redisClient, cfg.UserAgent)
	fetchCfg.RequestTimeout = cfg.RequestTimeout
	fetchCfg.MaxBodyBytes = cfg.MaxImageBytes
	fetchCfg.DisableCache = !cfg.CacheEnabled
	fetchCfg.Retry.MaxAttempts = cfg.RetryAttempts()
	fetchCfg.Retry.InitialBackoff = cfg.InitialBackoff

	fetcher, err := fetch.New(fetchCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create image fetcher")
	}
	defer fetcher.Close()

	srv := newServer(cfg, fetcher, redisClient, logger)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("user_agent", cfg.UserAgent).
			Msg("Starting gridfetch server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// In-flight batches are cancelled with their request contexts.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	} else {
		logger.Info().Msg("Server stopped gracefully")
	}
}
