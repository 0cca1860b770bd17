package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/presence"
)

// ChannelConfig selects optional channel features at creation time.
type ChannelConfig struct {
	// Presence enables presence tracking on the channel. PresenceKey is the
	// key this channel tracks under (normally the user ID).
	Presence    bool
	PresenceKey string
}

// SubscribeStatus is the terminal outcome of a subscribe attempt.
type SubscribeStatus int

const (
	Subscribed SubscribeStatus = iota
	Errored
	TimedOut
)

func (s SubscribeStatus) String() string {
	switch s {
	case Subscribed:
		return "subscribed"
	case Errored:
		return "errored"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// SubscribeResult collapses the subscribe-and-wait-for-confirmation dance
// into one awaitable outcome.
type SubscribeResult struct {
	Status SubscribeStatus
	Err    error
}

// Envelope is the wire format for broadcast events on a channel.
type Envelope struct {
	Type    string          `json:"type"` // always "broadcast"
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel is one pooled subscription to a named pub/sub topic. The instance
// name carries a timestamp + random suffix so a replacement channel never
// collides with a predecessor that has not finished tearing down.
type Channel struct {
	Topic string // logical topic, also the pub/sub subject stem
	Name  string // unique instance name: <topic>-<unixms>-<token>

	// connID identifies this channel in the presence registry. It must stay
	// colon-free: presence keys are presence:<user>:<conn> and are split on
	// the last colon, while topics like "user:<id>" contain colons.
	connID string

	client   *Client
	cfg      ChannelConfig
	presence *presence.Store
	sub      Subscription
	tracked  bool

	mu       sync.RWMutex
	removed  bool
	handlers map[string]func(json.RawMessage)
}

func newChannel(client *Client, topic string, cfg ChannelConfig, store *presence.Store) *Channel {
	token := uuid.NewString()[:8]
	now := time.Now().UnixMilli()
	return &Channel{
		Topic:    topic,
		Name:     fmt.Sprintf("%s-%d-%s", topic, now, token),
		connID:   fmt.Sprintf("%d-%s", now, token),
		client:   client,
		cfg:      cfg,
		presence: store,
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// subject is the transport subject for the logical topic. All subscribers of
// a topic share it; the unique instance name only identifies this channel.
func (ch *Channel) subject() string {
	return messaging.ChannelSubject(ch.Topic)
}

// On registers a handler for a broadcast event. Registering the same event
// twice replaces the first handler.
func (ch *Channel) On(event string, handler func(payload json.RawMessage)) {
	ch.mu.Lock()
	ch.handlers[event] = handler
	ch.mu.Unlock()
}

// subscribe attaches the channel to its subject and waits for server
// confirmation, bounded by timeout.
func (ch *Channel) subscribe(timeout time.Duration) SubscribeResult {
	sub, err := ch.client.conn.Subscribe(ch.subject(), ch.dispatch)
	if err != nil {
		return SubscribeResult{Status: Errored, Err: err}
	}
	ch.sub = sub

	if err := ch.client.conn.Flush(timeout); err != nil {
		ch.teardown()
		if errors.Is(err, ErrFlushTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return SubscribeResult{Status: TimedOut, Err: fmt.Errorf("realtime: subscribe %s: confirmation timed out after %s", ch.Name, timeout)}
		}
		return SubscribeResult{Status: Errored, Err: err}
	}
	return SubscribeResult{Status: Subscribed}
}

func (ch *Channel) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[realtime] channel %s: bad envelope: %v", ch.Name, err)
		return
	}
	if env.Type != "broadcast" {
		return
	}
	ch.mu.RLock()
	handler, ok := ch.handlers[env.Event]
	ch.mu.RUnlock()
	if ok {
		handler(env.Payload)
	}
}

// SendBroadcast publishes a broadcast event on the channel, paced by the
// owning client's events-per-second throttle.
func (ch *Channel) SendBroadcast(event string, payload interface{}) error {
	if ch.sub == nil {
		return fmt.Errorf("realtime: channel %s not subscribed", ch.Name)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: "broadcast", Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("realtime: marshal envelope: %w", err)
	}

	ch.client.throttle.wait()
	return ch.client.conn.Publish(ch.subject(), data)
}

// Track publishes this channel's presence state under its presence key.
// Requires a presence-enabled channel.
func (ch *Channel) Track(ctx context.Context, status string) error {
	if !ch.cfg.Presence {
		return fmt.Errorf("realtime: channel %s has no presence config", ch.Name)
	}
	if err := ch.presence.Track(ctx, ch.cfg.PresenceKey, ch.connID, status); err != nil {
		return err
	}
	ch.tracked = true
	return nil
}

// PresenceState reads a point-in-time snapshot of the presence registry.
// Requires a presence-enabled channel.
func (ch *Channel) PresenceState(ctx context.Context) (presence.Snapshot, error) {
	if !ch.cfg.Presence {
		return nil, fmt.Errorf("realtime: channel %s has no presence config", ch.Name)
	}
	return ch.presence.Snapshot(ctx)
}

// teardown unsubscribes and removes any tracked presence record. Errors are
// logged, not returned: teardown runs on failure paths where accounting
// correctness matters more than a clean unsubscribe.
func (ch *Channel) teardown() {
	if ch.sub != nil {
		if err := ch.sub.Unsubscribe(); err != nil {
			log.Printf("[realtime] channel %s: unsubscribe: %v", ch.Name, err)
		}
		ch.sub = nil
	}
	if ch.tracked {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := ch.presence.Remove(ctx, ch.cfg.PresenceKey, ch.connID); err != nil {
			log.Printf("[realtime] channel %s: presence remove: %v", ch.Name, err)
		}
		cancel()
		ch.tracked = false
	}
}
