package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
)

func newTestProgressCache(t *testing.T, ttl time.Duration) (*ProgressCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewProgressCache(client, ttl), mr
}

func TestProgressCache_PublishFetch(t *testing.T) {
	pc, mr := newTestProgressCache(t, time.Hour)
	ctx := context.Background()

	snap := engine.Snapshot{
		BatchID: "b-1",
		State:   engine.StateRunning,
		Total:   10,
		Counts:  engine.StatusCounts{Pending: 4, InFlight: 2, Succeeded: 4},
	}
	require.NoError(t, pc.Publish(ctx, snap))
	assert.True(t, mr.Exists(ProgressKey("b-1")))
	assert.Equal(t, time.Hour, mr.TTL(ProgressKey("b-1")))

	got, ok, err := pc.Fetch(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Counts, got.Counts)
	assert.Equal(t, engine.StateRunning, got.State)
}

func TestProgressCache_FetchMissing(t *testing.T) {
	pc, _ := newTestProgressCache(t, 0)
	_, ok, err := pc.Fetch(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgressCache_Expires(t *testing.T) {
	pc, mr := newTestProgressCache(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, pc.Publish(ctx, engine.Snapshot{BatchID: "b-2"}))

	mr.FastForward(2 * time.Minute)
	_, ok, err := pc.Fetch(ctx, "b-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgressCache_CorruptValue(t *testing.T) {
	pc, mr := newTestProgressCache(t, 0)
	require.NoError(t, mr.Set(ProgressKey("b-3"), "{not json"))

	_, _, err := pc.Fetch(context.Background(), "b-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode snapshot")
}

func TestProgressCache_DeleteAndPing(t *testing.T) {
	pc, mr := newTestProgressCache(t, 0)
	ctx := context.Background()
	require.NoError(t, pc.Publish(ctx, engine.Snapshot{BatchID: "b-4"}))
	require.NoError(t, pc.Delete(ctx, "b-4"))
	assert.False(t, mr.Exists(ProgressKey("b-4")))
	assert.NoError(t, pc.Ping(ctx))
	assert.NotNil(t, pc.Client())
}

func TestProgressCache_FetchError(t *testing.T) {
	pc, mr := newTestProgressCache(t, 0)
	mr.Close()
	_, _, err := pc.Fetch(context.Background(), "b-5")
	assert.Error(t, err)
}
