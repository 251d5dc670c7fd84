// Package lockmanager provides process-external mutual exclusion keyed by
// slot identity, with fencing tokens and TTL-bounded leases. It is a thin
// shim over Redis exposing atomic set-if-not-exists and scripted
// conditional delete; see releaseScript for why release is never a plain
// DEL.
package lockmanager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Manager hands out TTL-bounded leases: acquire is a non-blocking
// test-and-set, release is a compare-and-delete.
type Manager interface {
	// Acquire attempts to atomically set lock:{key} to a fresh lease token
	// with expiration ttl. It returns the lease token on success and ok=false
	// with an empty token if the key is already held or the backing store
	// is unreachable (fail-closed: refuse rather than risk double booking).
	Acquire(ctx context.Context, key string, ttl time.Duration) (leaseToken string, ok bool)

	// Release deletes lock:{key} iff its current value equals leaseToken.
	// Returns true on successful release, false if the lease had already
	// expired or been stolen by another holder.
	Release(ctx context.Context, key string, leaseToken string) bool
}

// releaseScript deletes the key only when its value still matches the
// caller's lease token. Release must never be a plain DEL: a plain DEL
// could remove a lease some other holder has since legitimately acquired.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisManager implements Manager over a go-redis client.
type RedisManager struct {
	rdb *redis.Client
}

// New returns a RedisManager bound to rdb. rdb may be nil only in tests
// that never call Acquire/Release through it.
func New(rdb *redis.Client) *RedisManager {
	return &RedisManager{rdb: rdb}
}

func lockKey(key string) string {
	return "lock:" + key
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	if m.rdb == nil {
		return "", false
	}
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil || !ok {
		return "", false
	}
	return token, true
}

func (m *RedisManager) Release(ctx context.Context, key string, leaseToken string) bool {
	if m.rdb == nil {
		return false
	}
	res, err := releaseScript.Run(ctx, m.rdb, []string{lockKey(key)}, leaseToken).Int64()
	if err != nil {
		return false
	}
	return res == 1
}
