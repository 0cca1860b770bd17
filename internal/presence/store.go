// Package presence manages the ephemeral liveness registry for connected
// users. Each connection owns one record keyed by (user, connection) so a
// user with multiple tabs has multiple records; a user counts as waiting if
// any record says so. Records carry a short TTL refreshed on every track, so
// a dead connection's record disappears eventually rather than instantly —
// presence is a best-effort hint, never ground truth.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence records:
	// presence:<user_id>:<conn_id>.
	KeyPrefix = "presence:"

	// RecordTTL is how long a record survives without a refresh.
	RecordTTL = 60 * time.Second

	// Status values for the presence state machine.
	StatusIdle    = "idle"
	StatusWaiting = "waiting"
	StatusMatched = "matched"
)

// Record is one connection's reported state.
type Record struct {
	ConnID   string
	Status   string
	LastSeen time.Time
}

// Snapshot is a point-in-time read of the registry, keyed by user ID.
type Snapshot map[string][]Record

// Waiting reports whether any of the user's records claim waiting status.
func (s Snapshot) Waiting(userID string) bool {
	for _, rec := range s[userID] {
		if rec.Status == StatusWaiting {
			return true
		}
	}
	return false
}

// Store manages presence records in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a presence store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(userID, connID string) string {
	return KeyPrefix + userID + ":" + connID
}

// Track creates or updates a connection's presence record and refreshes its TTL.
func (s *Store) Track(ctx context.Context, userID, connID, status string) error {
	k := key(userID, connID)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, k, "status", status, "last_seen", time.Now().UnixMilli())
	pipe.Expire(ctx, k, RecordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: track %s: %w", userID, err)
	}
	return nil
}

// Remove deletes a connection's presence record. Called on clean disconnect;
// unclean disconnects are handled by TTL lapse.
func (s *Store) Remove(ctx context.Context, userID, connID string) error {
	if err := s.rdb.Del(ctx, key(userID, connID)).Err(); err != nil {
		return fmt.Errorf("presence: remove %s: %w", userID, err)
	}
	return nil
}

// Snapshot reads every live presence record. The scan and the per-key reads
// are not atomic with each other; records may appear or vanish mid-read,
// which callers must tolerate.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, KeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence: scan: %w", err)
	}

	snapshot := make(Snapshot)
	if len(keys) == 0 {
		return snapshot, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence: snapshot read: %w", err)
	}

	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue // expired between scan and read
		}
		userID, connID, ok := splitKey(keys[i])
		if !ok {
			continue
		}
		rec := Record{ConnID: connID, Status: fields["status"]}
		if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
			rec.LastSeen = time.UnixMilli(ms)
		}
		snapshot[userID] = append(snapshot[userID], rec)
	}
	return snapshot, nil
}

// splitKey parses presence:<user_id>:<conn_id>. Conn IDs are UUIDs and never
// contain colons; user IDs may, so the conn ID is taken from the tail.
func splitKey(k string) (userID, connID string, ok bool) {
	rest := k[len(KeyPrefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], i > 0
		}
	}
	return "", "", false
}
