package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestQueue creates a Queue connected to a local Redis instance and clears
// the waiting stream before returning. Tests that call this helper require a
// running Redis on localhost:6379.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.Del(ctx, StreamKey)
	t.Cleanup(func() {
		client.Del(ctx, StreamKey)
		client.Close()
	})
	return NewQueue(client)
}

func TestEnqueueAndRead(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "test_user_1", "EU")
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty message ID")
	}

	entries, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.MessageID != id {
		t.Errorf("message ID = %q, want %q", e.MessageID, id)
	}
	if e.UserID != "test_user_1" {
		t.Errorf("user ID = %q, want test_user_1", e.UserID)
	}
	if e.Continent != "EU" {
		t.Errorf("continent = %q, want EU", e.Continent)
	}
	if e.EnqueuedAt.IsZero() || time.Since(e.EnqueuedAt) > time.Minute {
		t.Errorf("enqueued_at = %v, want recent", e.EnqueuedAt)
	}
}

func TestReadIsANonDestructivePeek(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "test_user_1", "")
	q.Enqueue(ctx, "test_user_2", "")

	first, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	second, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected both reads to see 2 entries, got %d and %d", len(first), len(second))
	}
	if first[0].MessageID != second[0].MessageID {
		t.Error("repeated reads must return the same entries until deleted")
	}
}

func TestReadPreservesFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, u := range []string{"test_a", "test_b", "test_c"} {
		if _, err := q.Enqueue(ctx, u, ""); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", u, err)
		}
	}

	entries, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	want := []string{"test_a", "test_b", "test_c"}
	for i, w := range want {
		if entries[i].UserID != w {
			t.Errorf("entry %d = %q, want %q", i, entries[i].UserID, w)
		}
	}
}

func TestReadHonorsBatchLimit(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, "test_user", "")
	}

	entries, err := q.Read(ctx, 3)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(entries))
	}
}

func TestDeleteAcknowledgesEntry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "test_user_1", "")
	q.Enqueue(ctx, "test_user_2", "")

	if err := q.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	entries, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != "test_user_2" {
		t.Errorf("expected only test_user_2 to remain, got %v", entries)
	}

	// Deleting an already-gone ID is not an error.
	if err := q.Delete(ctx, id); err != nil {
		t.Errorf("second Delete() error: %v", err)
	}
}

func TestLen(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len() error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}

	q.Enqueue(ctx, "test_user_1", "")
	q.Enqueue(ctx, "test_user_1", "") // same user, independent entry

	n, err = q.Len(ctx)
	if err != nil {
		t.Fatalf("Len() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}
