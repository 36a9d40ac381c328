// Package main runs a pool of crawl workers against the shared queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/crawl"
	"github.com/JakeFAU/scrapeq/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/scrapeq/internal/fetcher/colly"
	"github.com/JakeFAU/scrapeq/internal/fetcher/scrapingbee"
	"github.com/JakeFAU/scrapeq/internal/hash/sha256"
	"github.com/JakeFAU/scrapeq/internal/id/uuid"
	"github.com/JakeFAU/scrapeq/internal/logging"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/notify/webhook"
	redisstore "github.com/JakeFAU/scrapeq/internal/store/redis"
	"github.com/JakeFAU/scrapeq/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("worker", cfg.Logging.Development)
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

	fetcher, err := buildFetcher(cfg, logger)
	if err != nil {
		logger.Fatal("fetch client init failed", zap.Error(err))
	}

	var notifier crawl.Notifier
	if cfg.Notify.Enabled {
		notifier = webhook.New(time.Duration(cfg.Notify.TimeoutSeconds) * time.Second)
	}

	workerCfg := worker.Config{
		PopTimeout:     cfg.Worker.PopTimeout(),
		BackoffInitial: cfg.Worker.BackoffInitial(),
		BackoffMax:     cfg.Worker.BackoffMax(),
	}

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	workers := make([]*worker.Worker, 0, cfg.Worker.Count)
	for i := 0; i < cfg.Worker.Count; i++ {
		w, err := worker.New(store, fetcher, notifier, hasher, clock, idGen, workerCfg, logger)
		if err != nil {
			logger.Fatal("worker init failed", zap.Error(err))
		}
		workers = append(workers, w)
	}

	logger.Info("worker pool started",
		zap.Int("count", len(workers)),
		zap.String("fetch_provider", cfg.Fetch.Provider),
	)
	dispatcher.New(workers).Run(ctx)
	logger.Info("worker pool stopped")
}

func buildFetcher(cfg config.Config, logger *zap.Logger) (crawl.FetchClient, error) {
	switch cfg.Fetch.Provider {
	case "scrapingbee":
		return scrapingbee.New(scrapingbee.Config{
			APIKey:      cfg.Fetch.APIKey,
			BaseURL:     cfg.Fetch.BaseURL,
			Timeout:     cfg.Fetch.Timeout(),
			MaxAttempts: cfg.Fetch.MaxAttempts,
			Backoff: scrapingbee.BackoffPolicy{
				BaseDelay: time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
				MaxDelay:  time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
			},
		}, logger.Named("scrapingbee")), nil
	case "direct":
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.Fetch.Timeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown fetch provider %q", cfg.Fetch.Provider)
	}
}
