package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mishalajmi/mashrook-payments/pkg/idempotency"
)

func TestWebhookKey(t *testing.T) {
	key := idempotency.WebhookKey("sandbox", "chk_sandbox_000001", "succeeded")
	require.Equal(t, "webhook:sandbox:chk_sandbox_000001:succeeded", key)

	// A different reported status is a different key, never a false duplicate.
	require.NotEqual(t, key, idempotency.WebhookKey("sandbox", "chk_sandbox_000001", "processing"))
	require.NotEqual(t, key, idempotency.WebhookKey("tap", "chk_sandbox_000001", "succeeded"))
}

func newStore(t *testing.T, ttl time.Duration) (*idempotency.Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return idempotency.NewStore(client, ttl), srv
}

func TestSeenIsReadOnlyUntilMarked(t *testing.T) {
	store, _ := newStore(t, time.Minute)
	ctx := context.Background()
	key := idempotency.WebhookKey("sandbox", "chk_1", "succeeded")

	seen, err := store.Seen(ctx, key)
	require.NoError(t, err)
	require.False(t, seen)

	// Checking must not mark: a delivery that fails mid-processing stays
	// unmarked so its redelivery is applied.
	seen, err = store.Seen(ctx, key)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, store.Mark(ctx, key))

	seen, err = store.Seen(ctx, key)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestMarkExpires(t *testing.T) {
	store, srv := newStore(t, time.Minute)
	ctx := context.Background()
	key := idempotency.WebhookKey("sandbox", "chk_1", "succeeded")

	require.NoError(t, store.Mark(ctx, key))
	srv.FastForward(2 * time.Minute)

	seen, err := store.Seen(ctx, key)
	require.NoError(t, err)
	require.False(t, seen)
}
