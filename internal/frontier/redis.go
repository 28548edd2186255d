package frontier

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL keeps a job's set alive this long after its last write.
const DefaultRedisTTL = 72 * time.Hour

// Redis stores one SET of normalized URLs per job.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis initializes a Redis-backed Frontier on addr.
func NewRedis(addr, prefix string, ttl time.Duration) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix, ttl)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "frontier:"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks connectivity for readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) key(jobID string) string {
	return r.prefix + jobID
}

// IsSeen reports whether the normalized url is a member of the job's set.
func (r *Redis) IsSeen(ctx context.Context, jobID, rawURL string) (bool, error) {
	member, err := NormalizeURL(rawURL)
	if err != nil {
		return false, err
	}
	seen, err := r.client.SIsMember(ctx, r.key(jobID), member).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return seen, nil
}

// MarkSeen adds the normalized url and refreshes the set's TTL.
func (r *Redis) MarkSeen(ctx context.Context, jobID, rawURL string) error {
	member, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	key := r.key(jobID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Forget deletes the job's set.
func (r *Redis) Forget(ctx context.Context, jobID string) error {
	if err := r.client.Del(ctx, r.key(jobID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
