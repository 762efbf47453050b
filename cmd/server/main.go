package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/api"
	"github.com/eldtechnologies/roomsync/internal/chat"
	"github.com/eldtechnologies/roomsync/internal/config"
	"github.com/eldtechnologies/roomsync/internal/events"
	"github.com/eldtechnologies/roomsync/internal/handlers"
	"github.com/eldtechnologies/roomsync/internal/hub"
	"github.com/eldtechnologies/roomsync/internal/ids"
	"github.com/eldtechnologies/roomsync/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Redis serves the relay and rate limiter, and optionally the message store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	ds := openStore(ctx, cfg, redisStore, logger)
	defer ds.Close()

	// Fan-out, relayed across nodes through Redis when available
	hubOpts := hub.Options{Backlog: cfg.SubscriberBacklog}
	var relay *hub.RedisRelay
	if redisStore != nil {
		relay = hub.NewRedisRelay(redisStore.Client(), ids.NewNodeID(), logger)
		hubOpts.Relay = relay
	}
	fanout := hub.New(logger, hubOpts)
	defer fanout.Close()
	if relay != nil {
		go func() {
			if err := relay.Run(ctx, fanout.DeliverLocal); err != nil {
				logger.Error().Err(err).Msg("relay stopped")
			}
		}()
	}

	// Message events
	var publisher events.Publisher
	if cfg.KafkaEnabled() {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer publisher.Close()
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing message events")
	}

	messageLog := chat.NewMessageLog(ds, fanout, chat.LogOptions{
		StoreName: cfg.Store,
		Limits:    chat.Limits{MaxTextRunes: cfg.MaxTextRunes, MaxImageBytes: cfg.MaxImageBytes},
		Events:    publisher,
		Logger:    logger,
	})
	coordinator := chat.NewCoordinator(messageLog, fanout, logger)
	defer coordinator.Close()

	// Create router
	deps := handlers.Deps{
		Store:               ds,
		StoreName:           cfg.Store,
		Redis:               redisStore,
		Registry:            chat.NewRegistry(ds, logger),
		Log:                 messageLog,
		Coordinator:         coordinator,
		Hub:                 fanout,
		Logger:              logger,
		WSMessagesPerSecond: cfg.WSMessagesPerSecond,
	}
	routerOpts := api.Options{
		MaxImageBytes:      cfg.MaxImageBytes,
		RateLimitWhitelist: cfg.RateLimitWhitelist,
		AutoBlockEnabled:   cfg.AutoBlockEnabled,
		AllowedOrigins:     cfg.CORSAllowedOrigins,
	}
	if redisStore != nil {
		routerOpts.RedisClient = redisStore.Client()
	}
	router := api.NewRouter(logger, deps, routerOpts)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("store", cfg.Store).
			Msg("starting roomsync server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked stream connections are not tracked by Shutdown
	coordinator.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}
	stop()

	logger.Info().Msg("server stopped")
}

// openStore connects the configured message store.
func openStore(ctx context.Context, cfg *config.Config, redisStore *store.RedisStore, logger zerolog.Logger) store.DataStore {
	switch cfg.Store {
	case config.StorePostgres:
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pgStore

	case config.StoreSQLite:
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open failed")
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
		return sqliteStore

	case config.StoreRedis:
		// Closed by main alongside the relay client
		return nopCloseStore{redisStore}

	default:
		logger.Warn().Msg("using in-memory store; messages are lost on restart")
		return store.NewMemoryStore()
	}
}

// nopCloseStore shares a store whose lifetime is managed elsewhere.
type nopCloseStore struct {
	store.DataStore
}

func (nopCloseStore) Close() {}
