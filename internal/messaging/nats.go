// Package messaging provides a NATS client wrapper for pub/sub messaging
// across drift services. It handles connection lifecycle, subject-based
// subscriptions, and convenience methods for the matchmaking and
// per-user notification channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across drift services.
const (
	SubjectPairRequest = "pair.request" // enqueue a user for matchmaking
	SubjectPairSkip    = "pair.skip"    // skip current partner
	SubjectChannel     = "channel"      // + .<topic> broadcast/presence channels
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "drift",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// ChannelSubject maps a logical channel topic to its transport subject.
func ChannelSubject(topic string) string {
	return SubjectChannel + "." + topic
}

// UserTopic returns the personal notification channel topic for a user.
func UserTopic(userID string) string {
	return "user:" + userID
}

// RoomTopic returns the broadcast channel topic for a room.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// PublishUserEvent publishes data to a user's personal notification channel.
func (c *NATSClient) PublishUserEvent(userID string, data []byte) error {
	return c.Publish(ChannelSubject(UserTopic(userID)), data)
}

// SubscribeUserEvents subscribes to a user's personal notification channel and
// passes the raw message data to the handler.
func (c *NATSClient) SubscribeUserEvents(userID string, handler func(data []byte)) error {
	return c.Subscribe(ChannelSubject(UserTopic(userID)), func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeUserEvents unsubscribes from a user's notification channel.
func (c *NATSClient) UnsubscribeUserEvents(userID string) error {
	return c.unsubscribe(ChannelSubject(UserTopic(userID)))
}

// PublishPairRequest publishes a matchmaking enqueue request.
func (c *NATSClient) PublishPairRequest(data []byte) error {
	return c.Publish(SubjectPairRequest, data)
}

// SubscribePairRequest subscribes to matchmaking enqueue requests from gateways.
func (c *NATSClient) SubscribePairRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectPairRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishPairSkip publishes a skip request.
func (c *NATSClient) PublishPairSkip(data []byte) error {
	return c.Publish(SubjectPairSkip, data)
}

// SubscribePairSkip subscribes to skip requests from gateways.
func (c *NATSClient) SubscribePairSkip(handler func(data []byte)) error {
	return c.Subscribe(SubjectPairSkip, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
