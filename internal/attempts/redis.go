package attempts

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker keeps counters in Redis so every API instance shares one budget per key.
// Counters are INCR keys that expire with their window; limit and lock flags are keys with a TTL.
type RedisTracker struct {
	cli    *redis.Client
	policy Policy
	prefix string
}

// NewRedisClient parses url (redis://...) and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return cli, nil
}

// NewRedisTracker returns a Tracker backed by cli.
func NewRedisTracker(cli *redis.Client, policy Policy) *RedisTracker {
	return &RedisTracker{cli: cli, policy: policy.normalized(), prefix: "atlas:attempts"}
}

func (t *RedisTracker) key(key string, scope Scope, part string) string {
	return fmt.Sprintf("%s:%s:%s:%s", t.prefix, scope, NormalizeKey(key), part)
}

func (t *RedisTracker) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := t.cli.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := t.cli.Expire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// RecordFailure counts one failure for key in scope.
func (t *RedisTracker) RecordFailure(ctx context.Context, key string, scope Scope) (Status, error) {
	short, err := t.incr(ctx, t.key(key, scope, "short"), t.policy.Window)
	if err != nil {
		return Status{}, err
	}
	long, err := t.incr(ctx, t.key(key, scope, "long"), t.policy.LockoutWindow)
	if err != nil {
		return Status{}, err
	}
	if short >= int64(t.policy.MaxFailures) {
		if err := t.cli.Set(ctx, t.key(key, scope, "limited"), 1, t.policy.Window).Err(); err != nil {
			return Status{}, err
		}
	}
	if long >= int64(t.policy.LockoutThreshold) {
		if err := t.cli.Set(ctx, t.key(key, scope, "locked"), 1, t.policy.LockoutWindow).Err(); err != nil {
			return Status{}, err
		}
	}
	return t.Check(ctx, key, scope)
}

// Check returns the current state for key in scope, using the flag keys' remaining TTLs.
func (t *RedisTracker) Check(ctx context.Context, key string, scope Scope) (Status, error) {
	now := time.Now().UTC()
	locked, err := t.cli.TTL(ctx, t.key(key, scope, "locked")).Result()
	if err != nil {
		return Status{}, err
	}
	if locked > 0 {
		return Status{Locked: true, RetryAfter: now.Add(locked)}, nil
	}
	limited, err := t.cli.TTL(ctx, t.key(key, scope, "limited")).Result()
	if err != nil {
		return Status{}, err
	}
	if limited > 0 {
		return Status{Limited: true, RetryAfter: now.Add(limited)}, nil
	}
	return Status{}, nil
}

// Reset clears counters and flags for key in scope.
func (t *RedisTracker) Reset(ctx context.Context, key string, scope Scope) error {
	return t.cli.Del(ctx,
		t.key(key, scope, "short"),
		t.key(key, scope, "long"),
		t.key(key, scope, "limited"),
		t.key(key, scope, "locked"),
	).Err()
}
