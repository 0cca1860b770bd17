package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/gateway"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/monitor"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/realtime"
)

func main() {
	log.Println("Starting drift gateway...")

	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "drift-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	mon := monitor.New()
	pool := realtime.NewPool(realtime.Config{
		MaxChannelsPerClient: cfg.MaxChannelsPerClient,
		EventsPerSecond:      cfg.EventsPerSecond,
		SubscribeTimeout:     cfg.SubscribeTimeout,
	}, realtime.NATSDialer(cfg.NATSURL), presence.NewStore(rdb), mon)

	policy := realtime.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
	}

	gw := gateway.NewServer(pool, natsClient, ratelimit.NewLimiter(rdb), policy)

	r := chi.NewRouter()
	r.Get("/ws", gw.HandleWS)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: r}
	go func() {
		log.Printf("drift gateway listening on %s", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server: %v", err)
		}
	}()

	ctx, cancelAll := context.WithCancel(context.Background())
	go mon.CleanupLoop(ctx, time.Minute)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	cancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv.Shutdown(shutdownCtx)
	cancel()
	pool.Close()
	natsClient.Close()
	rdb.Close()
}
