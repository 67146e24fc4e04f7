// Package lock provides the Redis lease backend for per-article publish locks.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

// acquireScript takes the lease when free and extends it when the caller already owns it.
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if current then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// releaseScript deletes the lease only for its owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker keeps leases as expiring Redis keys.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.Locker = (*RedisLocker)(nil)

// NewRedisLocker connects to addr. Keys are namespaced with prefix.
func NewRedisLocker(addr, password string, db int, prefix string) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLockerWithClient(client, prefix)
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "mailpress:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire takes or renews the lease on key for owner.
func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		return false, fmt.Errorf("lease ttl %s too short", ttl)
	}
	n, err := acquireScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w: %v", key, domain.ErrTransientIO, err)
	}
	return n == 1, nil
}

// Release drops the lease if owner still holds it.
func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w: %v", key, domain.ErrTransientIO, err)
	}
	return nil
}

// Ping checks the connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
