/**
 * @description
 * Redis-backed implementation of the webhook DedupCache. Keys are namespaced
 * per source and expire after the configured TTL so the cache stays bounded.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The Go client for Redis.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupCache caches webhook delivery references in Redis.
type RedisDedupCache struct {
	client *redis.Client
}

// NewRedisDedupCache creates a dedup cache over an existing Redis client.
func NewRedisDedupCache(client *redis.Client) *RedisDedupCache {
	return &RedisDedupCache{client: client}
}

func dedupKey(source, externalRef string) string {
	return fmt.Sprintf("webhook_dedup:%s:%s", source, externalRef)
}

// Seen reports whether the delivery reference is cached.
func (c *RedisDedupCache) Seen(ctx context.Context, source, externalRef string) (bool, error) {
	n, err := c.client.Exists(ctx, dedupKey(source, externalRef)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen caches the delivery reference with a TTL.
func (c *RedisDedupCache) MarkSeen(ctx context.Context, source, externalRef string, ttl time.Duration) error {
	return c.client.Set(ctx, dedupKey(source, externalRef), "1", ttl).Err()
}
