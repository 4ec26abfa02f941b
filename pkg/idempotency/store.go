// Package idempotency provides a redis-backed seen-before guard used to skip
// redelivered webhook notifications. It is a fast path only: payment
// correctness is carried by terminal absorption in the state machine, so
// callers treat redis failures as "not seen".
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// WebhookKey identifies one reported outcome of one checkout. The status is
// part of the key so a later, different report (processing then captured) is
// not mistaken for a duplicate.
func WebhookKey(provider, checkoutID, status string) string {
	return fmt.Sprintf("webhook:%s:%s:%s", provider, checkoutID, status)
}

// Seen reports whether key was already marked. It never marks: a delivery
// whose processing fails must stay unmarked so the gateway's redelivery is
// applied, not skipped.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records key as processed. Callers invoke it only after the state change
// committed.
func (s *Store) Mark(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, "1", s.ttl).Err()
}
