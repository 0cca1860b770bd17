// Package pairing implements the matchmaking engine: a stateless, re-entrant
// round that drains the waiting queue, cross-checks live presence, honors
// skip exclusions, creates rooms, and fans out match notifications. All state
// lives in the queue, the presence registry, and the skip store, which is why
// overlapping rounds are tolerable without a distributed lock.
package pairing

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/rooms"
)

// Queue is the durable waiting queue the engine drains. Reads are
// non-destructive peeks; Delete acknowledges an entry.
type Queue interface {
	Read(ctx context.Context, n int) ([]queue.Entry, error)
	Delete(ctx context.Context, messageID string) error
	Enqueue(ctx context.Context, userID, continent string) (string, error)
	Len(ctx context.Context) (int64, error)
}

// SkipStore is the time-windowed pair-exclusion store.
type SkipStore interface {
	Record(ctx context.Context, a, b string) error
	Check(ctx context.Context, a, b string) (bool, error)
}

// RoomStore persists conversation rooms.
type RoomStore interface {
	Create(ctx context.Context, userA, userB string) (*rooms.Room, error)
	Delete(ctx context.Context, roomID string) error
}

// Notifier delivers lifecycle events to per-user channels.
type Notifier interface {
	Matched(userID string, room *rooms.Room) error
	Idle(userID, reason string) error
	Skipped(userID, message string) error
}

// Snapshotter reads a point-in-time view of the presence registry.
type Snapshotter interface {
	Snapshot(ctx context.Context) (presence.Snapshot, error)
}

// RoundStats summarizes one pairing round.
type RoundStats struct {
	TotalUsers        int           `json:"totalUsers"`        // distinct live users considered
	PairedRooms       int           `json:"pairedRooms"`       // rooms created
	ProcessedMessages int           `json:"processedMessages"` // queue entries acknowledged
	IdleNotified      int           `json:"idleNotified"`      // leftover users told to wait
	Errors            int           `json:"errors"`            // per-item failures absorbed
	Rooms             []*rooms.Room `json:"-"`
}

// Options tunes the engine.
type Options struct {
	Interval        time.Duration // round cadence for the background loop
	Batch           int           // max queue entries peeked per round
	SnapshotTimeout time.Duration // presence snapshot time box
}

// DefaultOptions returns the standard engine settings.
func DefaultOptions() Options {
	return Options{
		Interval:        5 * time.Second,
		Batch:           10,
		SnapshotTimeout: 1500 * time.Millisecond,
	}
}

// PairRequest is the NATS payload sent by gateways when a user starts matching.
type PairRequest struct {
	UserID    string `json:"user_id"`
	Continent string `json:"continent,omitempty"`
}

// SkipRequest is the NATS payload sent when a user skips their partner.
type SkipRequest struct {
	UserID    string `json:"user_id"`
	PartnerID string `json:"partner_id"`
	RoomID    string `json:"room_id,omitempty"`
	Continent string `json:"continent,omitempty"`
}

// Service is the pairing engine plus its background loop and NATS handlers.
type Service struct {
	queue    Queue
	skips    SkipStore
	rooms    RoomStore
	notifier Notifier
	snap     Snapshotter
	nats     *messaging.NATSClient
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService wires the engine from its collaborators. The NATS client may be
// nil when only direct invocation (HTTP trigger, tests) is needed.
func NewService(q Queue, skips SkipStore, roomStore RoomStore, notifier Notifier, snap Snapshotter, nats *messaging.NATSClient, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queue:    q,
		skips:    skips,
		rooms:    roomStore,
		notifier: notifier,
		snap:     snap,
		nats:     nats,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes the NATS handlers and starts the round loop.
func (s *Service) Start() error {
	if s.nats != nil {
		if err := s.nats.SubscribePairRequest(s.handlePairRequest); err != nil {
			return err
		}
		if err := s.nats.SubscribePairSkip(s.handleSkipRequest); err != nil {
			return err
		}
	}

	go s.roundLoop()

	log.Println("[pairing] service started")
	return nil
}

// Stop shuts the round loop down.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[pairing] service stopped")
}

func (s *Service) handlePairRequest(data []byte) {
	var req PairRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[pairing] invalid pair request: %v", err)
		return
	}
	if req.UserID == "" {
		log.Printf("[pairing] pair request without user id")
		return
	}

	if _, err := s.queue.Enqueue(s.ctx, req.UserID, req.Continent); err != nil {
		log.Printf("[pairing] enqueue %s: %v", req.UserID, err)
		return
	}
	log.Printf("[pairing] enqueued %s (continent=%q)", req.UserID, req.Continent)
}

func (s *Service) handleSkipRequest(data []byte) {
	var req SkipRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[pairing] invalid skip request: %v", err)
		return
	}
	s.Skip(s.ctx, req)
}

func (s *Service) roundLoop() {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[pairing] round loop stopped")
			return
		case <-ticker.C:
			if _, err := s.RunRound(s.ctx); err != nil {
				log.Printf("[pairing] round failed: %v", err)
			}
		}
	}
}

// Enqueue adds a user to the waiting queue and returns the message ID.
func (s *Service) Enqueue(ctx context.Context, userID, continent string) (string, error) {
	return s.queue.Enqueue(ctx, userID, continent)
}

// Skip applies the skip/leave side-effects: delete the room, record the
// exclusion, re-enqueue the skipping user, and tell the partner. The steps
// are individually best-effort and deliberately not atomic as a group — a
// crash in between loses at worst one round of anti-re-pairing, never
// corrupts state.
func (s *Service) Skip(ctx context.Context, req SkipRequest) {
	if req.RoomID != "" {
		if err := s.rooms.Delete(ctx, req.RoomID); err != nil {
			log.Printf("[pairing] skip: delete room %s: %v", req.RoomID, err)
		}
	}
	if req.PartnerID != "" {
		if err := s.skips.Record(ctx, req.UserID, req.PartnerID); err != nil {
			log.Printf("[pairing] skip: record exclusion %s/%s: %v", req.UserID, req.PartnerID, err)
		}
		if err := s.notifier.Skipped(req.PartnerID, "Your partner left the conversation"); err != nil {
			log.Printf("[pairing] skip: notify partner %s: %v", req.PartnerID, err)
		}
	}
	if _, err := s.queue.Enqueue(ctx, req.UserID, req.Continent); err != nil {
		log.Printf("[pairing] skip: requeue %s: %v", req.UserID, err)
	}
	log.Printf("[pairing] skip applied user=%s partner=%s room=%s", req.UserID, req.PartnerID, req.RoomID)
}

// RunRound executes one pairing round. Only the initial queue read can fail
// the round; everything past it is best effort per item. Safe to invoke
// concurrently with itself.
func (s *Service) RunRound(ctx context.Context) (RoundStats, error) {
	start := time.Now()
	defer func() {
		metrics.RoundDuration.Observe(time.Since(start).Seconds())
	}()

	var stats RoundStats

	entries, err := s.queue.Read(ctx, s.opts.Batch)
	if err != nil {
		return stats, err
	}
	if len(entries) == 0 {
		return stats, nil
	}

	snapshot := s.presenceSnapshot(ctx)

	// At-least-once delivery means the batch can contain the same message
	// twice, or two live entries for one user. Keep the first entry per user;
	// later duplicates are acknowledged as stale so no user can be paired
	// twice in one round.
	var toDelete []string
	marked := make(map[string]bool)
	mark := func(messageID string) {
		if !marked[messageID] {
			marked[messageID] = true
			toDelete = append(toDelete, messageID)
		}
	}

	seenMsg := make(map[string]bool)
	seenUser := make(map[string]bool)
	live := entries[:0:0]
	for _, entry := range entries {
		if seenMsg[entry.MessageID] {
			continue
		}
		seenMsg[entry.MessageID] = true
		if seenUser[entry.UserID] {
			mark(entry.MessageID)
			continue
		}
		seenUser[entry.UserID] = true
		live = append(live, entry)
	}
	stats.TotalUsers = len(live)

	// Walk in FIFO chunks of two.
	for i := 0; i+1 < len(live); i += 2 {
		a, b := live[i], live[i+1]

		// Presence is the authoritative veto: a queued user no longer
		// reporting waiting is stale or disconnected, and their entry is
		// dropped — the client re-enqueues if still interested.
		if !snapshot.Waiting(a.UserID) || !snapshot.Waiting(b.UserID) {
			mark(a.MessageID)
			mark(b.MessageID)
			log.Printf("[pairing] dropping stale pair %s/%s (not waiting)", a.UserID, b.UserID)
			continue
		}

		blocked, err := s.skips.Check(ctx, a.UserID, b.UserID)
		if err != nil {
			log.Printf("[pairing] skip check %s/%s: %v", a.UserID, b.UserID, err)
			stats.Errors++
			continue // both stay queued for the next round
		}
		if blocked {
			log.Printf("[pairing] %s/%s recently skipped each other, deferring", a.UserID, b.UserID)
			continue // both stay queued for the next round
		}

		room, err := s.rooms.Create(ctx, a.UserID, b.UserID)
		if err != nil {
			log.Printf("[pairing] create room for %s/%s: %v", a.UserID, b.UserID, err)
			stats.Errors++
			continue // entries stay queued, next round retries
		}
		metrics.RoomsCreated.Inc()
		stats.PairedRooms++
		stats.Rooms = append(stats.Rooms, room)
		mark(a.MessageID)
		mark(b.MessageID)

		// The two sends are independent; order between them is not required.
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, userID := range []string{a.UserID, b.UserID} {
			wg.Add(1)
			go func(uid string) {
				defer wg.Done()
				if err := s.notifier.Matched(uid, room); err != nil {
					errs <- err
				}
			}(userID)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			log.Printf("[pairing] matched notification: %v", err)
			stats.Errors++
		}

		log.Printf("[pairing] paired %s with %s room=%s", a.UserID, b.UserID, room.ID)
	}

	// An odd leftover is never silently stranded: its entry is dropped and
	// the user is told it was their turn with no partner available.
	if len(live)%2 == 1 {
		last := live[len(live)-1]
		mark(last.MessageID)
		if err := s.notifier.Idle(last.UserID, "No partner available right now, please try again"); err != nil {
			log.Printf("[pairing] idle notification for %s: %v", last.UserID, err)
			stats.Errors++
		}
		stats.IdleNotified++
	}

	// Acknowledge consumed entries one delete per id. A failed delete only
	// means the entry may be re-read next round, where the presence veto
	// keeps an already-matched user from being paired again.
	for _, messageID := range toDelete {
		if err := s.queue.Delete(ctx, messageID); err != nil {
			log.Printf("[pairing] delete %s: %v", messageID, err)
			stats.Errors++
			continue
		}
		stats.ProcessedMessages++
	}

	if depth, err := s.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	return stats, nil
}

// presenceSnapshot reads presence through the channel pool, bounded by the
// snapshot time box. Failure yields an empty snapshot: a missed pairing
// beats a stuck round.
func (s *Service) presenceSnapshot(ctx context.Context) presence.Snapshot {
	sctx, cancel := context.WithTimeout(ctx, s.opts.SnapshotTimeout)
	defer cancel()

	snapshot, err := s.snap.Snapshot(sctx)
	if err != nil {
		log.Printf("[pairing] presence snapshot failed, proceeding empty: %v", err)
		return presence.Snapshot{}
	}
	return snapshot
}
