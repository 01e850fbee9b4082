package provenance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCounter implements WindowCounter with one sorted set per key, scored
// by event time in nanoseconds. Counts are shared by every process using the
// same Redis.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter creates a RedisCounter. Keys are stored under prefix.
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// Add implements WindowCounter.
func (c *RedisCounter) Add(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	k := c.prefix + key
	cutoff := at.Add(-window).UnixNano()

	var card *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, k, redis.Z{
			Score:  float64(at.UnixNano()),
			Member: uuid.NewString(),
		})
		card = pipe.ZCard(ctx, k)
		pipe.Expire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("window counter %s: %w", key, err)
	}
	return card.Val(), nil
}
