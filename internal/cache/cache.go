// Package cache memoizes single-text match lookups in Redis. Identical
// queries against the same dataset collapse into one engine call through
// singleflight, and a rebuild invalidates the dataset's keys wholesale.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/incredibeau/specific-affinity/internal/resolve"
	"github.com/incredibeau/specific-affinity/pkg/redis"
)

const keyPrefix = "affinity:match:"

// MatchCache fronts engine match calls with a Redis lookup.
type MatchCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a MatchCache with the given entry TTL.
func New(client *redis.Client, ttl time.Duration) *MatchCache {
	return &MatchCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "match-cache"),
	}
}

// GetOrCompute returns the cached match result for (dataset, text) or runs
// compute once for all concurrent callers and stores the outcome.
func (c *MatchCache) GetOrCompute(ctx context.Context, dataset, text string,
	compute func(context.Context) (*resolve.MatchResult, error)) (*resolve.MatchResult, bool, error) {

	key := c.key(dataset, text)

	if cached, err := c.client.Get(ctx, key); err == nil {
		var result resolve.MatchResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			c.hits.Add(1)
			return &result, true, nil
		}
		c.logger.Warn("dropping undecodable cache entry", "key", key)
		_ = c.client.Del(ctx, key)
	} else if !redis.IsNilError(err) {
		c.logger.Warn("cache read failed, computing directly", "error", err)
	}

	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(result); err == nil {
			if err := c.client.Set(ctx, key, string(data), c.ttl); err != nil {
				c.logger.Warn("cache write failed", "error", err)
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*resolve.MatchResult), false, nil
}

// Invalidate removes all cached matches for a dataset. Called after Build
// and Reconcile, since either can change every answer.
func (c *MatchCache) Invalidate(ctx context.Context, dataset string) error {
	pattern := fmt.Sprintf("%s%s:*", keyPrefix, dataset)
	removed, err := c.client.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating match cache for %s: %w", dataset, err)
	}
	c.logger.Debug("match cache invalidated", "dataset", dataset, "removed", removed)
	return nil
}

// Stats returns lifetime hit and miss counts.
func (c *MatchCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *MatchCache) key(dataset, text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return keyPrefix + dataset + ":" + hex.EncodeToString(sum[:16])
}
