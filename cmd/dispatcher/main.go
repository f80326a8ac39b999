package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"review-assigner/internal/cache"
	"review-assigner/internal/config"
	"review-assigner/internal/dispatch"
	"review-assigner/internal/lease"
	"review-assigner/internal/logger"
	"review-assigner/internal/store"
	"review-assigner/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, os.Getenv("LOG_LEVEL"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	candidates := cache.New(redisClient, cfg.CacheTTL)

	sweeper := lease.NewSweeper(st, candidates, log, cfg.SweepInterval, cfg.SweepBatchSize)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("sweeper stopped", slog.String("error", err.Error()))
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	caller := dispatch.NewTelephonyCaller(cfg.TelephonyURL, cfg.CallTimeout)
	pool := dispatch.NewPool(st, caller, log, cfg.DispatchWorkers, cfg.DispatchPoll, cfg.DispatchVisibility, cfg.BackoffInitial, cfg.BackoffMax)

	log.Info("dispatcher started",
		slog.Int("workers", cfg.DispatchWorkers),
		slog.String("provider", cfg.TelephonyURL),
		slog.Duration("sweep_interval", cfg.SweepInterval))
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("dispatch pool stopped", slog.String("error", err.Error()))
	}
}
