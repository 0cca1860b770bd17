// Package queue implements the durable waiting queue for matchmaking,
// backed by a Redis Stream. Reads are non-destructive peeks; an entry only
// leaves the queue through an explicit Delete of its message ID. Delivery is
// therefore at-least-once: the same entry can be read by overlapping rounds
// until one of them acknowledges it, and callers must tolerate duplicates.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamKey is the Redis Stream holding pending matchmaking requests.
const StreamKey = "match:waiting"

// Entry is one pending matchmaking request.
type Entry struct {
	MessageID  string // Redis stream ID, used to acknowledge the entry
	UserID     string
	Continent  string
	EnqueuedAt time.Time
}

// Queue manages the waiting-user stream in Redis.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a queue backed by the given Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue appends a matchmaking request for the user and returns the assigned
// message ID. Enqueueing the same user twice produces two independent entries;
// the pairing round dedupes at read time.
func (q *Queue) Enqueue(ctx context.Context, userID, continent string) (string, error) {
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]interface{}{
			"user_id":     userID,
			"continent":   continent,
			"enqueued_at": time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", userID, err)
	}
	return id, nil
}

// Read peeks at up to n oldest entries without removing them.
func (q *Queue) Read(ctx context.Context, n int) ([]Entry, error) {
	msgs, err := q.rdb.XRangeN(ctx, StreamKey, "-", "+", int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, fromMessage(msg))
	}
	return entries, nil
}

// Delete acknowledges an entry, removing it from the stream. Deleting an ID
// that is already gone is not an error.
func (q *Queue) Delete(ctx context.Context, messageID string) error {
	if err := q.rdb.XDel(ctx, StreamKey, messageID).Err(); err != nil {
		return fmt.Errorf("queue: delete %s: %w", messageID, err)
	}
	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, StreamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}

func fromMessage(msg redis.XMessage) Entry {
	entry := Entry{MessageID: msg.ID}
	if v, ok := msg.Values["user_id"].(string); ok {
		entry.UserID = v
	}
	if v, ok := msg.Values["continent"].(string); ok {
		entry.Continent = v
	}
	if v, ok := msg.Values["enqueued_at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			entry.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	return entry
}
