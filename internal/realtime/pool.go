package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/monitor"
	"github.com/driftchat/drift/internal/presence"
)

// ErrChannelLimit is returned when a client is already at its configured
// maximum of concurrent channels. Creation fails fast; it never queues.
var ErrChannelLimit = errors.New("realtime: client at channel capacity")

// Config holds pool-wide settings.
type Config struct {
	MaxChannelsPerClient int           // concurrent channel cap per client
	EventsPerSecond      int           // publish pacing per client
	SubscribeTimeout     time.Duration // per-attempt confirmation time box
}

// DefaultConfig returns the standard pool settings.
func DefaultConfig() Config {
	return Config{
		MaxChannelsPerClient: 10,
		EventsPerSecond:      10,
		SubscribeTimeout:     10 * time.Second,
	}
}

// RetryPolicy bounds the subscribe retry loop. The budget is attempts, not
// wall clock: each attempt is separately time-boxed by SubscribeTimeout.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the standard retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Client is one logical pool client: a lazily-dialed connection, a publish
// throttle, and a channel count.
type Client struct {
	ID string

	conn     Conn
	throttle *throttle

	mu       sync.Mutex
	channels int
}

// Channels returns the client's current concurrent channel count.
func (c *Client) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels
}

// reserve takes one channel slot, failing fast at capacity.
func (c *Client) reserve(max int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels >= max {
		return fmt.Errorf("%w: client %s has %d channels", ErrChannelLimit, c.ID, c.channels)
	}
	c.channels++
	return nil
}

// release returns one channel slot, reporting whether a slot was actually
// held. It must run on every destruction path, including failures, and never
// drives the count negative.
func (c *Client) release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels > 0 {
		c.channels--
		return true
	}
	return false
}

// Pool creates, retries, and tears down pub/sub channels on behalf of its
// clients. It is constructed explicitly and injected; there is no package
// singleton.
type Pool struct {
	cfg      Config
	dial     Dialer
	presence *presence.Store
	mon      *monitor.Monitor

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool. The presence store backs presence-enabled channels
// and may be nil when no caller uses presence. The monitor is optional; when
// present it records every subscribe attempt and vetoes retries on
// permanent failures.
func NewPool(cfg Config, dial Dialer, store *presence.Store, mon *monitor.Monitor) *Pool {
	return &Pool{
		cfg:      cfg,
		dial:     dial,
		presence: store,
		mon:      mon,
		clients:  make(map[string]*Client),
	}
}

// GetClient returns the client for the given ID, dialing its connection on
// first use. Concurrent calls for the same ID share one connection.
func (p *Pool) GetClient(clientID string) (*Client, error) {
	p.mu.Lock()
	if client, ok := p.clients[clientID]; ok {
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	// Dial outside the pool lock; first writer wins.
	conn, err := p.dial(clientID)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial for client %s: %w", clientID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[clientID]; ok {
		conn.Close() // lost the race
		return client, nil
	}
	client := &Client{
		ID:       clientID,
		conn:     conn,
		throttle: newThrottle(p.cfg.EventsPerSecond),
	}
	p.clients[clientID] = client
	return client, nil
}

// CreateChannelWithRetry creates a channel for the client and subscribes it,
// retrying with capped exponential backoff plus jitter. Each attempt is
// time-boxed by the pool's SubscribeTimeout. After the retry budget is
// exhausted the last error is returned — the caller decides whether that is
// fatal or a degraded mode.
func (p *Pool) CreateChannelWithRetry(ctx context.Context, clientID, topic string, chCfg ChannelConfig, policy RetryPolicy) (*Channel, error) {
	client, err := p.GetClient(clientID)
	if err != nil {
		return nil, err
	}

	// The monitor tracks the logical connection, not the per-attempt channel
	// instance: retries of one creation, and later re-creations for the same
	// client/topic, all charge the same reconnect budget until a success
	// resets it.
	monID := clientID + "/" + topic

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		if err := client.reserve(p.cfg.MaxChannelsPerClient); err != nil {
			return nil, err
		}

		ch := newChannel(client, topic, chCfg, p.presence)
		if p.mon != nil {
			if attempt == 1 {
				p.mon.RecordAttempt(monID)
			} else {
				p.mon.RecordReconnectAttempt(monID)
			}
		}

		start := time.Now()
		result := ch.subscribe(p.cfg.SubscribeTimeout)
		if result.Status == Subscribed {
			if p.mon != nil {
				p.mon.RecordSuccess(monID, time.Since(start))
			}
			metrics.ActiveChannels.Inc()
			return ch, nil
		}

		// Undo the optimistic slot before backing off so a stalled retry
		// loop never holds capacity it is not using.
		client.release()
		lastErr = result.Err
		if lastErr == nil {
			lastErr = fmt.Errorf("realtime: subscribe %s: %s", topic, result.Status)
		}
		if p.mon != nil {
			p.mon.RecordFailure(monID, lastErr.Error())
			if !p.mon.ShouldReconnect(monID, lastErr.Error()) {
				return nil, fmt.Errorf("realtime: subscribe %s: not retrying: %w", topic, lastErr)
			}
		}
		if attempt == policy.MaxRetries {
			break
		}

		delay := backoffDelay(attempt, policy)
		log.Printf("[realtime] subscribe %s attempt %d/%d failed (%v), retrying in %s",
			topic, attempt, policy.MaxRetries, lastErr, delay)
		metrics.SubscribeRetries.Inc()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("realtime: subscribe %s: retries exhausted: %w", topic, lastErr)
}

// RemoveChannel tears down a channel and returns its slot to the client.
// The slot is returned even when the unsubscribe fails: accounting
// correctness takes priority over a clean unsubscribe. Removing the same
// channel twice is a no-op.
func (p *Pool) RemoveChannel(clientID string, ch *Channel) {
	ch.mu.Lock()
	already := ch.removed
	ch.removed = true
	ch.mu.Unlock()
	if already {
		return
	}

	ch.teardown()

	p.mu.Lock()
	client, ok := p.clients[clientID]
	p.mu.Unlock()
	if ok && client.release() {
		metrics.ActiveChannels.Dec()
	}
	if p.mon != nil {
		p.mon.RecordDisconnection(clientID + "/" + ch.Topic)
	}
}

// Close closes every client connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, client := range p.clients {
		client.conn.Close()
		delete(p.clients, id)
	}
}

// backoffDelay computes min(base * 2^(attempt-1), max) plus up to 30% jitter.
func backoffDelay(attempt int, policy RetryPolicy) time.Duration {
	delay := policy.BaseDelay << uint(attempt-1)
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)*3/10 + 1))
	return delay + jitter
}

// throttle paces publishes to a fixed events-per-second budget.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newThrottle(eventsPerSecond int) *throttle {
	if eventsPerSecond <= 0 {
		return &throttle{}
	}
	return &throttle{interval: time.Second / time.Duration(eventsPerSecond)}
}

// wait blocks until the next publish slot is available.
func (t *throttle) wait() {
	if t.interval == 0 {
		return
	}
	t.mu.Lock()
	now := time.Now()
	if t.next.Before(now) {
		t.next = now
	}
	sleep := t.next.Sub(now)
	t.next = t.next.Add(t.interval)
	t.mu.Unlock()

	if sleep > 0 {
		time.Sleep(sleep)
	}
}
