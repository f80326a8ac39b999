package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"review-assigner/internal/telemetry"
)

// Candidates caches candidate-ordering snapshots in Redis, keyed by
// (reviewer, filter fingerprint). It is strictly advisory: entries may be
// stale and every consumer re-validates against the work pool store. All
// Redis failures degrade to a miss or a no-op so the claim path never
// depends on cache availability.
type Candidates struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds the cache client. TTL should stay short; it only bounds how
// long a repeated poll can be served the same snapshot.
func New(client *redis.Client, ttl time.Duration) *Candidates {
	if ttl == 0 {
		ttl = 20 * time.Second
	}
	return &Candidates{client: client, ttl: ttl}
}

func snapshotKey(reviewerID, fingerprint string) string {
	return fmt.Sprintf("cand:%s:%s", reviewerID, fingerprint)
}

func indexKey(reviewerID string) string {
	return "candidx:" + reviewerID
}

// Lookup returns the cached candidate ids for the key, or ok=false on miss.
func (c *Candidates) Lookup(ctx context.Context, reviewerID, fingerprint string) ([]string, bool) {
	raw, err := c.client.Get(ctx, snapshotKey(reviewerID, fingerprint)).Result()
	if err != nil {
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	telemetry.CacheHits.Inc()
	return ids, true
}

// Store writes a snapshot and records its key in the reviewer's index so
// Invalidate can find it later.
func (c *Candidates) Store(ctx context.Context, reviewerID, fingerprint string, ids []string) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	key := snapshotKey(reviewerID, fingerprint)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	pipe.SAdd(ctx, indexKey(reviewerID), key)
	pipe.Expire(ctx, indexKey(reviewerID), c.ttl*2)
	_, _ = pipe.Exec(ctx)
}

// Remove drops one snapshot, leaving the reviewer's other filters cached.
func (c *Candidates) Remove(ctx context.Context, reviewerID, fingerprint string) {
	key := snapshotKey(reviewerID, fingerprint)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, indexKey(reviewerID), key)
	_, _ = pipe.Exec(ctx)
}

// Invalidate drops every snapshot owned by the reviewer. Called after a
// submit or skip so the next poll recomputes instead of re-serving the
// same head-of-queue item.
func (c *Candidates) Invalidate(ctx context.Context, reviewerID string) {
	keys, err := c.client.SMembers(ctx, indexKey(reviewerID)).Result()
	if err != nil {
		return
	}
	pipe := c.client.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, k)
	}
	pipe.Del(ctx, indexKey(reviewerID))
	_, _ = pipe.Exec(ctx)
}
