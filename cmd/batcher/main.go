package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/bencyrus/chatterbox/batcher/internal/config"
	"github.com/bencyrus/chatterbox/batcher/internal/database"
	"github.com/bencyrus/chatterbox/batcher/internal/httpserver"
	"github.com/bencyrus/chatterbox/batcher/internal/sink"
	"github.com/bencyrus/chatterbox/batcher/internal/worker"
	"github.com/bencyrus/chatterbox/batcher/shared/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.Init("batcher")
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogLevel != "debug" && cfg.LogLevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx := context.Background()

	logger.Info(ctx, "starting batcher", logger.Fields{
		"batch_types":  cfg.BatchTypes,
		"max_records":  cfg.MaxRecords,
		"max_latency":  cfg.MaxLatency.String(),
		"idle_timeout": cfg.IdleTimeout.String(),
		"log_level":    cfg.LogLevel,
	})

	db, err := database.NewClient(cfg.DatabaseURL)
	if err != nil {
		logger.Error(ctx, "failed to create database client", err)
		log.Fatalf("failed to create database client: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error(ctx, "failed to ensure schema", err)
		log.Fatalf("failed to ensure schema: %v", err)
	}

	var out worker.Sink = sink.Log{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error(ctx, "failed to ping redis", err)
			log.Fatalf("failed to ping redis: %v", err)
		}
		out = sink.NewRedisStream(rdb)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := worker.NewWorker(ctx, cfg, db, out)

	// Recovery must finish before any record is accepted
	if err := w.Initialize(ctx); err != nil {
		logger.Error(ctx, "failed to recover incomplete batches", err)
		log.Fatalf("failed to recover incomplete batches: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.NewServer(w).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info(ctx, "received shutdown signal", logger.Fields{"signal": sig.String()})
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "failed to shut down http server", err)
		}
		cancel()
	}()

	logger.Info(ctx, "batcher listening", logger.Fields{"port": cfg.Port})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(ctx, "http server error", err)
		log.Fatalf("http server error: %v", err)
	}

	<-ctx.Done()
	w.Wait()
	logger.Info(ctx, "batcher shutdown complete")
}
