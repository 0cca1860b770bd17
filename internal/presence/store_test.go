package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and clears
// leftover presence keys before returning. Tests that call this helper
// require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clear := func() {
		iter := client.Scan(ctx, 0, KeyPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clear()
	t.Cleanup(func() {
		clear()
		client.Close()
	})
	return NewStore(client)
}

func TestTrackAndSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Track(ctx, "test_u1", "conn-1", StatusWaiting); err != nil {
		t.Fatalf("Track() error: %v", err)
	}
	if err := store.Track(ctx, "test_u2", "conn-2", StatusIdle); err != nil {
		t.Fatalf("Track() error: %v", err)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	recs := snap["test_u1"]
	if len(recs) != 1 {
		t.Fatalf("expected 1 record for test_u1, got %d", len(recs))
	}
	if recs[0].ConnID != "conn-1" || recs[0].Status != StatusWaiting {
		t.Errorf("unexpected record: %+v", recs[0])
	}
	if recs[0].LastSeen.IsZero() || time.Since(recs[0].LastSeen) > time.Minute {
		t.Errorf("last_seen = %v, want recent", recs[0].LastSeen)
	}

	if !snap.Waiting("test_u1") {
		t.Error("test_u1 should be waiting")
	}
	if snap.Waiting("test_u2") {
		t.Error("test_u2 is idle, not waiting")
	}
	if snap.Waiting("test_unknown") {
		t.Error("an absent user is never waiting")
	}
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Two tabs: one idle, one waiting. Any waiting record counts.
	store.Track(ctx, "test_u1", "conn-1", StatusIdle)
	store.Track(ctx, "test_u1", "conn-2", StatusWaiting)

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(snap["test_u1"]) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snap["test_u1"]))
	}
	if !snap.Waiting("test_u1") {
		t.Error("a user with any waiting connection counts as waiting")
	}
}

func TestTrackUpdatesStatusInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Track(ctx, "test_u1", "conn-1", StatusWaiting)
	store.Track(ctx, "test_u1", "conn-1", StatusMatched)

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	recs := snap["test_u1"]
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after re-track, got %d", len(recs))
	}
	if recs[0].Status != StatusMatched {
		t.Errorf("status = %q, want matched", recs[0].Status)
	}
}

func TestSnapshotWithColonUserID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// User IDs may contain colons; only the conn ID (taken from the key
	// tail) must not. Waiting must resolve under the exact user ID.
	store.Track(ctx, "test_org:u1", "1700000000000-abcd1234", StatusWaiting)

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	recs := snap["test_org:u1"]
	if len(recs) != 1 {
		t.Fatalf("expected 1 record under test_org:u1, got snapshot %v", snap)
	}
	if recs[0].ConnID != "1700000000000-abcd1234" {
		t.Errorf("conn ID = %q, want 1700000000000-abcd1234", recs[0].ConnID)
	}
	if !snap.Waiting("test_org:u1") {
		t.Error("Waiting must resolve under the full colon-containing user ID")
	}
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Track(ctx, "test_u1", "conn-1", StatusWaiting)
	if err := store.Remove(ctx, "test_u1", "conn-1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(snap["test_u1"]) != 0 {
		t.Errorf("expected no records after remove, got %v", snap["test_u1"])
	}
}

func TestRecordTTLIsSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Track(ctx, "test_u1", "conn-1", StatusWaiting)

	ttl, err := store.rdb.TTL(ctx, key("test_u1", "conn-1")).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > RecordTTL {
		t.Errorf("expected TTL in (0, %s], got %s", RecordTTL, ttl)
	}
}

func TestSplitKey(t *testing.T) {
	cases := []struct {
		key    string
		user   string
		conn   string
		wantOK bool
	}{
		{KeyPrefix + "u1:abcd1234", "u1", "abcd1234", true},
		{KeyPrefix + "org:42:abcd1234", "org:42", "abcd1234", true},
		// Channel-style conn IDs (<unixms>-<token>) under plain and
		// colon-containing user IDs.
		{KeyPrefix + "u1:1700000000000-abcd1234", "u1", "1700000000000-abcd1234", true},
		{KeyPrefix + "user:u1:1700000000000-abcd1234", "user:u1", "1700000000000-abcd1234", true},
		{KeyPrefix + "noconn", "", "", false},
	}
	for _, tc := range cases {
		user, conn, ok := splitKey(tc.key)
		if ok != tc.wantOK || user != tc.user || conn != tc.conn {
			t.Errorf("splitKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.key, user, conn, ok, tc.user, tc.conn, tc.wantOK)
		}
	}
}
