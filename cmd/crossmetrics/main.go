package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/syntheon/crossmetrics/internal/config"
	"github.com/syntheon/crossmetrics/internal/database"
	"github.com/syntheon/crossmetrics/internal/httpserver"
	"github.com/syntheon/crossmetrics/internal/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting crossmetrics",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	// Try to connect to PostgreSQL (document store)
	postgres, err := database.NewPostgresDB(cfg.DocStore.DSN(), cfg.DocStore.MaxConns, cfg.DocStore.MinConns)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory document store", zap.Error(err))
		postgres = nil
	} else {
		defer postgres.Close()
		logger.Info("connected to PostgreSQL")
	}

	// Try to connect to ClickHouse (session store)
	clickhouse, err := database.NewClickHouseDB(
		cfg.ColumnStore.Addr, cfg.ColumnStore.Database,
		cfg.ColumnStore.User, cfg.ColumnStore.Password,
	)
	if err != nil {
		logger.Warn("ClickHouse not available, using in-memory session store", zap.Error(err))
		clickhouse = nil
	} else {
		defer clickhouse.Close()
		logger.Info("connected to ClickHouse")
	}

	// Try to connect to Redis (materialized metric store)
	redis, err := database.NewRedisDB(cfg.MetricStore.Addr, cfg.MetricStore.Password, cfg.MetricStore.DB)
	if err != nil {
		logger.Warn("Redis not available, using in-memory metric store", zap.Error(err))
		redis = nil
	} else {
		defer redis.Close()
		logger.Info("connected to Redis")
	}

	deps := &httpserver.Dependencies{
		Postgres:   postgres,
		ClickHouse: clickhouse,
		Redis:      redis,
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics.NewMetrics("crossmetrics"),
	}

	handler := httpserver.NewServer(deps)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config

	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	// Set log level
	switch cfg.Log.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
