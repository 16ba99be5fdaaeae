package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/relaymesh/broker/internal/api"
	"github.com/relaymesh/broker/internal/api/handlers"
	"github.com/relaymesh/broker/internal/broker"
	"github.com/relaymesh/broker/internal/config"
	"github.com/relaymesh/broker/internal/registry"
	"github.com/relaymesh/broker/internal/storage"
)

func main() {
	// Load .env file if present (development convenience).
	_ = godotenv.Load()             // run from repo root
	_ = godotenv.Load("../.env")    // run from cmd/broker/
	_ = godotenv.Load("../../.env") // run from a deeper working directory

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	startedAt := time.Now()
	slog.Info("starting broker", "ws_port", cfg.WSPort, "admin_port", cfg.AdminPort, "env", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cache, err := storage.NewRedisCache(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	reg := registry.New()
	logger := slog.Default()
	fanout := broker.NewFanout(reg, logger)
	wsHandler := broker.NewHandler(store, reg, fanout, cfg.AllowedOrigins, cfg.MaxMessageBytes, logger)

	healthHandler := handlers.NewHealthHandler(store.Ping, cache.Ping, store, startedAt)
	statsHandler := handlers.NewStatsHandler(store)
	topicsHandler := handlers.NewTopicsHandler(store, cache, fanout, cfg.CacheTTLMS, logger)

	router := api.NewRouter(api.RouterConfig{
		AllowedOrigins:     cfg.AllowedOrigins,
		HealthHandler:      healthHandler,
		StatsHandler:       statsHandler,
		ListTopicsHandler:  http.HandlerFunc(topicsHandler.List),
		CreateTopicHandler: http.HandlerFunc(topicsHandler.Create),
		TopicDetailHandler: http.HandlerFunc(topicsHandler.Detail),
		DeleteTopicHandler: http.HandlerFunc(topicsHandler.Delete),
		SubscribersHandler: http.HandlerFunc(topicsHandler.Subscribers),
		MessagesHandler:    http.HandlerFunc(topicsHandler.Messages),
	})

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws/", wsHandler)

	wsSrv := &http.Server{
		Addr:         ":" + cfg.WSPort,
		Handler:      wsMux,
		ReadTimeout:  0, // long-lived connections manage their own deadlines
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:         ":" + cfg.AdminPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("websocket server listening", "addr", wsSrv.Addr)
		errCh <- wsSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("admin server listening", "addr", adminSrv.Addr)
		errCh <- adminSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("websocket server shutdown error", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
	}

	slog.Info("broker stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
