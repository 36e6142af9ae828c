package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
)

const progressKeyPrefix = "tianjibatch:progress:"

// ProgressKey returns the Redis key holding a batch's latest snapshot.
func ProgressKey(batchID string) string {
	return progressKeyPrefix + batchID
}

// ProgressCache stores progress snapshots in Redis so that any instance can
// serve progress for a batch running elsewhere.
type ProgressCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ engine.ProgressPublisher = (*ProgressCache)(nil)

// NewProgressCache creates a Redis-backed progress publisher. Snapshots
// expire after ttl; zero keeps them forever.
func NewProgressCache(client redis.UniversalClient, ttl time.Duration) *ProgressCache {
	return &ProgressCache{client: client, ttl: ttl}
}

func (r *ProgressCache) Publish(ctx context.Context, s engine.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.client.Set(ctx, ProgressKey(s.BatchID), data, r.ttl).Err()
}

func (r *ProgressCache) Fetch(ctx context.Context, batchID string) (engine.Snapshot, bool, error) {
	val, err := r.client.Get(ctx, ProgressKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return engine.Snapshot{}, false, nil
	}
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	var s engine.Snapshot
	if err := json.Unmarshal(val, &s); err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, true, nil
}

// Delete removes a batch's snapshot.
func (r *ProgressCache) Delete(ctx context.Context, batchID string) error {
	return r.client.Del(ctx, ProgressKey(batchID)).Err()
}

// Ping checks Redis connectivity.
func (r *ProgressCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client, used for distributed locks.
func (r *ProgressCache) Client() redis.UniversalClient {
	return r.client
}
