package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"jobbroker/internal/api"
	"jobbroker/internal/broker"
	"jobbroker/internal/config"
	"jobbroker/internal/outbox"
	"jobbroker/internal/ratelimit"
	"jobbroker/internal/scheduler"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Register()

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
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	engine := broker.New(st.Pool(), cfg)

	var (
		limiter   *ratelimit.TenantLimiter
		publisher outbox.Publisher = outbox.LogPublisher{}
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTenantLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		publisher = outbox.NewRedisStreamPublisher(rdb, cfg.OutboxStream)
	}

	sched := scheduler.NewService(cfg, st, engine)
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("scheduler stopped: %v", err)
		}
	}()

	processor := outbox.NewProcessor(st.Pool(), publisher, cfg.OutboxInterval, cfg.OutboxBatchSize)
	go func() {
		if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("outbox processor stopped: %v", err)
		}
	}()

	server := api.New(cfg, st, engine, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("broker listening on :%s (tick=%s outbox=%s)", cfg.HTTPPort, cfg.TickerInterval, cfg.OutboxInterval)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
