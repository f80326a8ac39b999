package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"review-assigner/internal/api"
	"review-assigner/internal/cache"
	"review-assigner/internal/config"
	"review-assigner/internal/dispatch"
	"review-assigner/internal/lease"
	"review-assigner/internal/logger"
	"review-assigner/internal/ratelimit"
	"review-assigner/internal/store"
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
	queue := dispatch.NewQueue(st, cfg.DispatchCeiling, cfg.DispatchMaxAttempts)
	manager := lease.NewManager(st, candidates, queue, log, cfg.LeaseDuration, cfg.CandidateWindow)
	limiter := ratelimit.NewPollLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(manager, queue, st, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", slog.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
