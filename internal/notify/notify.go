// Package notify publishes matchmaking lifecycle events to per-user
// notification channels. Events are fire-and-forget: no acknowledgment is
// expected from subscribers, and a failed send is logged, never escalated.
package notify

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/rooms"
)

// Event names delivered on user channels.
const (
	EventMatched = "stranger_matched"
	EventIdle    = "stranger_idle"
	EventSkipped = "stranger_skipped"
)

// MatchedPayload carries the created room to both matched users.
type MatchedPayload struct {
	Room *rooms.Room `json:"room"`
}

// IdlePayload tells a user their turn came up without a match this round.
type IdlePayload struct {
	Reason string `json:"reason"`
}

// SkippedPayload tells a user their partner skipped or left.
type SkippedPayload struct {
	Message string `json:"message"`
}

// Notifier fans out events over NATS user channels.
type Notifier struct {
	nats *messaging.NATSClient
}

// New creates a Notifier on the given NATS client.
func New(nats *messaging.NATSClient) *Notifier {
	return &Notifier{nats: nats}
}

func (n *Notifier) publish(userID, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}{Type: "broadcast", Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("notify: marshal envelope: %w", err)
	}
	if err := n.nats.PublishUserEvent(userID, data); err != nil {
		return fmt.Errorf("notify: publish %s to %s: %w", event, userID, err)
	}
	return nil
}

// Matched delivers the room to a matched user.
func (n *Notifier) Matched(userID string, room *rooms.Room) error {
	metrics.Notifications.WithLabelValues("matched").Inc()
	return n.publish(userID, EventMatched, MatchedPayload{Room: room})
}

// Idle tells a user no partner was available this round.
func (n *Notifier) Idle(userID, reason string) error {
	metrics.Notifications.WithLabelValues("idle").Inc()
	return n.publish(userID, EventIdle, IdlePayload{Reason: reason})
}

// Skipped tells a user their partner moved on. Best effort by contract.
func (n *Notifier) Skipped(userID, message string) error {
	metrics.Notifications.WithLabelValues("skipped").Inc()
	if err := n.publish(userID, EventSkipped, SkippedPayload{Message: message}); err != nil {
		log.Printf("[notify] skipped event for %s: %v", userID, err)
		return err
	}
	return nil
}
