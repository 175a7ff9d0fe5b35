// Package lease grants one replica at a time the right to run a periodic
// job. The expiry sweeper takes a lease before each tick.
package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/commissions/internal/idgen"
)

const keyPrefix = "commissions:lease:"

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLease holds leases as Redis keys set with SET NX PX. A lease is never
// released explicitly; it lapses after its TTL.
type RedisLease struct {
	client setNXer
	owner  string
}

// NewRedisLease creates a lease backed by client. Each instance gets a
// random owner token written as the key's value.
func NewRedisLease(client setNXer) *RedisLease {
	return &RedisLease{client: client, owner: idgen.New()}
}

// TryAcquire reports whether this replica now holds name for ttl.
func (l *RedisLease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+name, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// Owner returns the token this instance writes.
func (l *RedisLease) Owner() string { return l.owner }

// NoopLease always grants the lease (single replica deployments).
type NoopLease struct{}

func (NoopLease) TryAcquire(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

// Connect builds a Redis client from a redis:// URL or a bare host:port and
// pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
