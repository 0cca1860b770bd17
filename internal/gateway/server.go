// Package gateway bridges per-user notification channels to websocket
// clients. It is deliberately thin: one goroutine-per-connection read loop,
// a pooled channel subscription for the user's events, and relay of
// find_match/skip requests to the pairing service over NATS. If the pooled
// subscription cannot be established after retries the connection stays up
// in a degraded mode where the client is told to poll.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/notify"
	"github.com/driftchat/drift/internal/pairing"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/realtime"
)

// Server accepts websocket connections and fans notifications out to them.
type Server struct {
	pool    *realtime.Pool
	nats    *messaging.NATSClient
	limiter *ratelimit.Limiter
	policy  realtime.RetryPolicy
}

// NewServer creates a gateway. The limiter may be nil to disable
// connect throttling.
func NewServer(pool *realtime.Pool, nats *messaging.NATSClient, limiter *ratelimit.Limiter, policy realtime.RetryPolicy) *Server {
	return &Server{pool: pool, nats: nats, limiter: limiter, policy: policy}
}

// HandleWS upgrades an HTTP request to a websocket connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade: %v", err)
		return
	}

	go s.handleConn(conn)
}

// session is one connected client.
type session struct {
	userID   string
	conn     net.Conn
	writeMu  sync.Mutex
	channel  *realtime.Channel // nil in degraded mode
	fallback bool              // degraded: direct NATS subscription, no presence
}

func (s *Server) handleConn(conn net.Conn) {
	userID := uuid.NewString()
	sess := &session{userID: userID, conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		if sess.channel != nil {
			s.pool.RemoveChannel(userID, sess.channel)
		}
		if sess.fallback {
			if err := s.nats.UnsubscribeUserEvents(userID); err != nil {
				log.Printf("[gateway] session %s: unsubscribe user events: %v", userID, err)
			}
		}
		conn.Close()
		log.Printf("[gateway] session %s closed", userID)
	}()

	sess.send(serverMessage{Type: TypeSessionCreated, UserID: userID})

	// Subscribe the user's notification channel through the pool. The
	// channel is presence-enabled so find_match can track waiting status.
	ch, err := s.pool.CreateChannelWithRetry(ctx, userID, messaging.UserTopic(userID), realtime.ChannelConfig{
		Presence:    true,
		PresenceKey: userID,
	}, s.policy)
	if err != nil {
		// Degrade instead of dropping the user: fall back to a direct
		// subscription on the shared NATS connection so pushes still arrive,
		// just without presence tracking. If even that fails the client has
		// to poll.
		log.Printf("[gateway] session %s: channel subscribe failed, degrading: %v", userID, err)
		if subErr := s.nats.SubscribeUserEvents(userID, sess.forward); subErr != nil {
			log.Printf("[gateway] session %s: fallback subscribe: %v", userID, subErr)
			sess.send(serverMessage{Type: TypeDegraded, Reason: "realtime unavailable, poll for match results"})
		} else {
			sess.fallback = true
			sess.send(serverMessage{Type: TypeDegraded, Reason: "presence unavailable, notifications only"})
		}
	} else {
		sess.channel = ch
		s.bindEvents(ctx, sess)
	}

	s.readLoop(ctx, sess)
}

// forward relays a raw broadcast envelope from the fallback NATS subscription
// to the socket. No presence updates happen here; in fallback mode the user's
// entries rely on the engine's presence veto dropping them if stale.
func (sess *session) forward(data []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "broadcast" {
		return
	}
	switch env.Event {
	case notify.EventMatched:
		sess.send(serverMessage{Type: TypeStrangerMatched, Payload: env.Payload})
	case notify.EventIdle:
		sess.send(serverMessage{Type: TypeStrangerIdle, Payload: env.Payload})
	case notify.EventSkipped:
		sess.send(serverMessage{Type: TypeStrangerSkipped, Payload: env.Payload})
	}
}

// bindEvents forwards broadcast events from the user's channel to the socket
// and keeps presence in step with the match lifecycle.
func (s *Server) bindEvents(ctx context.Context, sess *session) {
	ch := sess.channel

	ch.On(notify.EventMatched, func(payload json.RawMessage) {
		// Presence flips to matched only now, after delivery — the engine's
		// presence veto covers the window before the client reacts.
		if err := ch.Track(ctx, presence.StatusMatched); err != nil {
			log.Printf("[gateway] session %s: track matched: %v", sess.userID, err)
		}
		sess.send(serverMessage{Type: TypeStrangerMatched, Payload: payload})
	})

	ch.On(notify.EventIdle, func(payload json.RawMessage) {
		if err := ch.Track(ctx, presence.StatusIdle); err != nil {
			log.Printf("[gateway] session %s: track idle: %v", sess.userID, err)
		}
		sess.send(serverMessage{Type: TypeStrangerIdle, Payload: payload})
	})

	ch.On(notify.EventSkipped, func(payload json.RawMessage) {
		sess.send(serverMessage{Type: TypeStrangerSkipped, Payload: payload})
	})
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		data, err := wsutil.ReadClientText(sess.conn)
		if err != nil {
			return // disconnect or protocol error, clean up via defers
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.send(serverMessage{Type: TypeError, Reason: "malformed message"})
			continue
		}

		switch msg.Type {
		case TypeFindMatch:
			if sess.channel != nil {
				if err := sess.channel.Track(ctx, presence.StatusWaiting); err != nil {
					log.Printf("[gateway] session %s: track waiting: %v", sess.userID, err)
				}
			}
			req, _ := json.Marshal(pairing.PairRequest{UserID: sess.userID, Continent: msg.Continent})
			if err := s.nats.PublishPairRequest(req); err != nil {
				log.Printf("[gateway] session %s: publish pair request: %v", sess.userID, err)
				sess.send(serverMessage{Type: TypeError, Reason: "matchmaking unavailable"})
			}

		case TypeSkip:
			req, _ := json.Marshal(pairing.SkipRequest{
				UserID:    sess.userID,
				PartnerID: msg.PartnerID,
				RoomID:    msg.RoomID,
				Continent: msg.Continent,
			})
			if err := s.nats.PublishPairSkip(req); err != nil {
				log.Printf("[gateway] session %s: publish skip: %v", sess.userID, err)
			}
			if sess.channel != nil {
				if err := sess.channel.Track(ctx, presence.StatusWaiting); err != nil {
					log.Printf("[gateway] session %s: track waiting: %v", sess.userID, err)
				}
			}

		case TypePing:
			sess.send(serverMessage{Type: TypePong})

		default:
			sess.send(serverMessage{Type: TypeError, Reason: "unknown message type"})
		}
	}
}

// send writes one JSON message to the client. Goroutine-safe; errors are
// logged because notification delivery is fire-and-forget.
func (sess *session) send(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[gateway] session %s: marshal %s: %v", sess.userID, msg.Type, err)
		return
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := wsutil.WriteServerMessage(sess.conn, ws.OpText, data); err != nil {
		log.Printf("[gateway] session %s: write %s: %v", sess.userID, msg.Type, err)
	}
}
