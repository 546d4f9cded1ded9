package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// countScript trims a wallet's sorted set to the window and returns its size.
// KEYS[1] = set key, ARGV[1] = cutoff (unix ms, exclusive)
var countScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`)

// tickScript trims, records one tick and refreshes the key's expiry.
// KEYS[1] = set key, ARGV[1] = cutoff, ARGV[2] = now (unix ms),
// ARGV[3] = member, ARGV[4] = ttl (ms)
var tickScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return redis.call("ZCARD", KEYS[1])
`)

// RedisCounter is a Counter shared across replicas. Each wallet is a sorted
// set of tick timestamps; scripts keep trim and update atomic.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter creates a counter on client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, prefix: "signgate:ratelimit:"}
}

func (r *RedisCounter) key(wallet string) string {
	return r.prefix + strings.ToLower(wallet)
}

func (r *RedisCounter) Count(ctx context.Context, wallet string, now time.Time) (int, error) {
	cutoff := now.Add(-Window).UnixMilli()
	n, err := countScript.Run(ctx, r.client, []string{r.key(wallet)}, cutoff).Int()
	if err != nil {
		return 0, fmt.Errorf("redis rate count: %w", err)
	}
	return n, nil
}

func (r *RedisCounter) Tick(ctx context.Context, wallet string, now time.Time) error {
	cutoff := now.Add(-Window).UnixMilli()
	err := tickScript.Run(ctx, r.client, []string{r.key(wallet)},
		cutoff, now.UnixMilli(), uuid.NewString(), Window.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis rate tick: %w", err)
	}
	return nil
}
