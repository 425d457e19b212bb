// Package coordination provides the TTL locks that keep batch jobs
// single-flight across engine replicas.
package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AutoRefreshLockKey guards the auto refresh processing loop. Only one
// replica may drive a refresh batch at a time.
const AutoRefreshLockKey = "thresholdforge:lock:auto_refresh"

// Locker is a TTL lock. Acquire and Renew report false when the lock is held
// by someone else; Release only removes a lock the owner still holds.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// RedisLocker implements Locker on a shared Redis so the lock holds across
// process boundaries. Acquisition is SET NX; renewal and release check the
// owner first so an expired holder cannot clobber its successor.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisLocker{client: client}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, owner, ttl).Result()
}

// renewScript extends the TTL only while owner still holds the key.
// Returns:
//	 1: extended
//	 0: key expired between the check and pexpire
//	-1: key missing
//	-2: owner mismatch
const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return -2
	end
`

func (l *RedisLocker) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := l.client.Eval(ctx, renewScript, []string{key}, owner, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lua script")
	}
	return val == 1, nil
}

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	_, err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Result()
	return err
}

// MemoryLocker is the single-process fallback used when no Redis is
// configured. It mirrors the Redis semantics, including Acquire failing for
// the current owner while the lease is live; holders extend via Renew.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLease
}

type memoryLease struct {
	owner   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLease)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.locks[key]
	if ok && time.Now().Before(lease.expires) {
		return false, nil
	}
	l.locks[key] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.locks[key]
	if !ok || time.Now().After(lease.expires) || lease.owner != owner {
		return false, nil
	}
	l.locks[key] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.locks[key]; ok && lease.owner == owner {
		delete(l.locks, key)
	}
	return nil
}
