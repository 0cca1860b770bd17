// Package realtime implements the resilient channel pool: it creates,
// retries, throttles, and tears down the pub/sub channels used for presence
// snapshots and per-user notification fanout. One logical client owns at most
// one underlying connection and a bounded number of concurrent channels.
package realtime

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrFlushTimeout reports that a subscription confirmation round-trip did not
// complete within its time box.
var ErrFlushTimeout = errors.New("realtime: flush timed out")

// Conn is the minimal pub/sub surface the pool needs from a transport
// connection. The production implementation wraps a NATS connection; tests
// substitute an in-memory one.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	// Flush round-trips to the server, confirming that prior subscriptions
	// are active. It is the awaitable "subscription confirmed" point.
	Flush(timeout time.Duration) error
	Close()
}

// Subscription is a handle to one active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Dialer opens a connection on behalf of a client. The pool calls it at most
// once per client ID.
type Dialer func(clientID string) (Conn, error)

// NATSDialer returns a Dialer that connects to the given NATS URL, naming
// each connection after its client for server-side identification.
func NATSDialer(url string) Dialer {
	return func(clientID string) (Conn, error) {
		nc, err := nats.Connect(url,
			nats.Name(clientID),
			nats.ReconnectWait(2*time.Second),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, err
		}
		return &natsConn{nc: nc}, nil
	}
}

type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

func (c *natsConn) Flush(timeout time.Duration) error {
	if err := c.nc.FlushTimeout(timeout); err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return ErrFlushTimeout
		}
		return err
	}
	return nil
}

func (c *natsConn) Close() {
	c.nc.Close()
}
