// simclient drives the matchmaking path end to end with simulated users:
// each client acquires a pooled notification channel with retry, tracks
// itself as waiting, requests a match, and waits for the stranger_matched
// event. Aggregate connection-monitor metrics are printed at the end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/monitor"
	"github.com/driftchat/drift/internal/notify"
	"github.com/driftchat/drift/internal/pairing"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/realtime"
)

func main() {
	numClients := flag.Int("n", 10, "number of simulated clients")
	timeout := flag.Duration("timeout", 30*time.Second, "how long each client waits for a match")
	continent := flag.String("continent", "", "continent hint sent with match requests")
	flag.Parse()

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
	natsConfig.Name = "drift-simclient"
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

	log.Printf("starting %d simulated clients (timeout %s)", *numClients, *timeout)

	var wg sync.WaitGroup
	var mu sync.Mutex
	matched, timedOut, failed := 0, 0, 0

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("sim-%d-%d", time.Now().UnixMilli(), i)

			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()

			ch, err := pool.CreateChannelWithRetry(ctx, userID, messaging.UserTopic(userID), realtime.ChannelConfig{
				Presence:    true,
				PresenceKey: userID,
			}, policy)
			if err != nil {
				log.Printf("[sim] %s: channel: %v", userID, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			defer pool.RemoveChannel(userID, ch)

			done := make(chan struct{})
			var once sync.Once
			ch.On(notify.EventMatched, func(payload json.RawMessage) {
				var p notify.MatchedPayload
				if err := json.Unmarshal(payload, &p); err == nil && p.Room != nil {
					log.Printf("[sim] %s matched into room %s", userID, p.Room.ID)
				}
				ch.Track(ctx, presence.StatusMatched)
				once.Do(func() { close(done) })
			})

			if err := ch.Track(ctx, presence.StatusWaiting); err != nil {
				log.Printf("[sim] %s: track: %v", userID, err)
			}

			req, _ := json.Marshal(pairing.PairRequest{UserID: userID, Continent: *continent})
			if err := natsClient.PublishPairRequest(req); err != nil {
				log.Printf("[sim] %s: pair request: %v", userID, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			select {
			case <-done:
				mu.Lock()
				matched++
				mu.Unlock()
			case <-ctx.Done():
				log.Printf("[sim] %s: no match within %s", userID, *timeout)
				mu.Lock()
				timedOut++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	m := mon.GetMetrics()
	log.Printf("simulation complete: matched=%d timed_out=%d failed=%d", matched, timedOut, failed)
	log.Printf("  connection attempts:   %d", m.TotalAttempts)
	log.Printf("  successes:             %d", m.TotalSuccesses)
	log.Printf("  failures:              %d", m.TotalFailures)
	log.Printf("  reconnect attempts:    %d", m.ReconnectionAttempts)
	log.Printf("  avg subscribe latency: %s", m.AverageResponseTime)

	pool.Close()
	natsClient.Close()
	rdb.Close()
}
