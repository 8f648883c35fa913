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

	"hydrafrog/internal/config"
	"hydrafrog/internal/crawler"
	"hydrafrog/internal/fetcher"
	"hydrafrog/internal/jobrunner"
	"hydrafrog/internal/persistence"
	"hydrafrog/internal/queue"
	"hydrafrog/internal/robots"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawlerd configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	store, err := persistence.New(cfg.DB)
	if err != nil {
		logger.Error("failed to initialise persistence", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Error("failed to initialise queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	httpClient := &http.Client{Timeout: cfg.Worker.RequestTimeout.Duration}
	robotsAgent := robots.NewAgent(cfg.Robots, httpClient)
	limiter := crawler.NewDomainLimiterFromConfig(cfg.Politeness)
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Defaults.UserAgent,
		Timeout:      cfg.Worker.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Worker.MaxBodyBytes,
	})

	driver := crawler.NewDriver(httpFetcher, robotsAgent, limiter, store, logger)
	runner := jobrunner.New(q, store, driver, cfg.Worker.PollInterval.Duration, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := jobrunner.NewWorkerPool(ctx, cfg.Worker.Concurrency, cfg.Worker.Concurrency)
	if err != nil {
		logger.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	for i := 0; i < cfg.Worker.Concurrency; i++ {
		if err := pool.Submit(ctx, func(ctx context.Context) {
			if err := runner.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error("job runner stopped with error", "error", err)
			}
		}); err != nil {
			logger.Error("failed to submit worker", "error", err)
			os.Exit(1)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down crawlerd")
	pool.Close()
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
	if cfg.Structured {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
