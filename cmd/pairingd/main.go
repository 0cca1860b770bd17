package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/httpapi"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/monitor"
	"github.com/driftchat/drift/internal/notify"
	"github.com/driftchat/drift/internal/pairing"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/realtime"
	"github.com/driftchat/drift/internal/rooms"
	"github.com/driftchat/drift/internal/skip"
)

func main() {
	log.Println("Starting drift pairing service...")

	cfg := config.Load()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- Postgres ---
	if err := rooms.Migrate(cfg.PostgresDSN); err != nil {
		log.Fatalf("failed to migrate Postgres: %v", err)
	}
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	pingCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	cancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "drift-pairingd"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Pool, monitor, engine ---
	mon := monitor.New()
	presenceStore := presence.NewStore(rdb)
	pool := realtime.NewPool(realtime.Config{
		MaxChannelsPerClient: cfg.MaxChannelsPerClient,
		EventsPerSecond:      cfg.EventsPerSecond,
		SubscribeTimeout:     cfg.SubscribeTimeout,
	}, realtime.NATSDialer(cfg.NATSURL), presenceStore, mon)

	policy := realtime.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
	}

	svc := pairing.NewService(
		queue.NewQueue(rdb),
		skip.NewStore(rdb),
		rooms.NewStore(db),
		notify.New(natsClient),
		pairing.NewPoolSnapshotter(pool, "pairing-engine", policy),
		natsClient,
		pairing.Options{
			Interval:        cfg.PairingInterval,
			Batch:           cfg.PairingBatch,
			SnapshotTimeout: cfg.SnapshotTimeout,
		},
	)
	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start pairing service: %v", err)
	}

	ctx, cancelAll := context.WithCancel(context.Background())
	go mon.CleanupLoop(ctx, time.Minute)

	api := httpapi.NewServer(svc, ratelimit.NewLimiter(rdb))
	go func() {
		if err := api.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
			log.Fatalf("http server: %v", err)
		}
	}()

	log.Printf("drift pairing service running")
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  listen_addr:  %s", cfg.ListenAddr)
	log.Printf("  interval:     %s", cfg.PairingInterval)
	log.Printf("  batch:        %d", cfg.PairingBatch)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	cancelAll()
	svc.Stop()
	pool.Close()
	natsClient.Close()
	rdb.Close()
	db.Close()
}
