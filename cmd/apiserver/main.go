// Package main runs the crawl submission and status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/api"
	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/id/uuid"
	"github.com/JakeFAU/scrapeq/internal/logging"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/queue"
	"github.com/JakeFAU/scrapeq/internal/status"
	redisstore "github.com/JakeFAU/scrapeq/internal/store/redis"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("apiserver", cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	store := redisstore.New(redisstore.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	if err := store.Ping(ctx); err != nil {
		logger.Warn("store not reachable at startup, continuing", zap.Error(err))
	}

	manager := queue.NewManager(store, uuid.New(), system.New(), logger.Named("queue"))
	resolver := status.NewResolver(store, logger.Named("status"))
	server := api.NewServer(manager, resolver, store, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
