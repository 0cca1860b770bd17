// Package skip provides the time-windowed pair-exclusion store that keeps
// two users who just parted from being re-paired immediately. Records are
// stored under a single order-independent key (the two IDs sorted), expire
// after 30 seconds, and are pruned lazily at read time — there is no
// background sweep:
//
//	Key:   skip:<idA>:<idB>   (idA < idB)
//	Value: creation time, unix milliseconds
//	TTL:   2x window, as a backstop for pairs never read again
package skip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for skip-pair records.
	Prefix = "skip:"

	// Window is how long a skip record keeps a pair apart.
	Window = 30 * time.Second
)

// Store manages skip-pair records in Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore creates a skip store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// pairKey canonicalizes the pair so (a,b) and (b,a) share one record.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return Prefix + a + ":" + b
}

// Record stores a skip record for the pair, restarting the window if one
// already exists.
func (s *Store) Record(ctx context.Context, a, b string) error {
	key := pairKey(a, b)
	createdAt := s.now().UnixMilli()

	// TTL is a backstop only; the authoritative window check happens on read.
	if err := s.client.Set(ctx, key, createdAt, 2*Window).Err(); err != nil {
		return fmt.Errorf("skip: record %s: %w", key, err)
	}
	return nil
}

// Check reports whether a live skip record blocks pairing a with b.
// A fresh record is consumed (deleted) the moment it blocks a pairing; a
// stale record is deleted the moment it is observed, and does not block.
func (s *Store) Check(ctx context.Context, a, b string) (bool, error) {
	key := pairKey(a, b)

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("skip: check %s: %w", key, err)
	}

	createdMs, parseErr := strconv.ParseInt(val, 10, 64)
	fresh := parseErr == nil && s.now().Sub(time.UnixMilli(createdMs)) < Window

	// Both outcomes delete the record: a fresh one is consumed by the block
	// it just caused, a stale one is garbage observed at read time.
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fresh, fmt.Errorf("skip: delete %s: %w", key, err)
	}
	return fresh, nil
}
