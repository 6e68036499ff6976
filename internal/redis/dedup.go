package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "orderflow:processed:"

// cmdable is the subset of the Redis client the deduplicator needs.
type cmdable interface {
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
}

// Deduplicator records processed event ids per consumer with a TTL. Keys
// are namespaced by consumer so two services can handle the same event.
type Deduplicator struct {
	cli      cmdable
	consumer string
	ttl      time.Duration
}

func NewDeduplicator(cli cmdable, consumer string, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduplicator{cli: cli, consumer: consumer, ttl: ttl}
}

func (d *Deduplicator) key(eventID string) string {
	return dedupKeyPrefix + d.consumer + ":" + eventID
}

// Seen reports whether eventID was marked processed within the TTL.
func (d *Deduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.cli.Exists(ctx, d.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("look up event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// MarkProcessed records eventID for the TTL.
func (d *Deduplicator) MarkProcessed(ctx context.Context, eventID string) error {
	err := d.cli.Set(ctx, d.key(eventID), time.Now().UTC().Format(time.RFC3339), d.ttl).Err()
	if err != nil {
		return fmt.Errorf("mark event %s: %w", eventID, err)
	}
	return nil
}
