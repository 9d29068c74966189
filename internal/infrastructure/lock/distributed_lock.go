package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Distributed lock
// ============================================================================
//
// Acquire: SET key value NX EX ttl. The value identifies the holder so that a
// holder whose lock already expired cannot release someone else's lock.
// Release: a Lua script compares the value and deletes in one step.
//
// The lock only narrows races; the database conditions stay authoritative.
// ============================================================================

var (
	ErrLockFailed = errors.New("could not acquire lock")
)

// Mutex is one named lock instance.
type Mutex interface {
	TryLock(ctx context.Context) (bool, error)
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// Locker hands out named locks.
type Locker interface {
	NewMutex(key, owner string, ttl time.Duration) Mutex
}

// WalletKey serializes wallet payments of one user.
func WalletKey(userID int64) string {
	return fmt.Sprintf("wallet:lock:user:%d", userID)
}

// RefundKey serializes admin decisions on one refund request.
func RefundKey(refundID int64) string {
	return fmt.Sprintf("refund:lock:%d", refundID)
}

// DistributedLock is a Redis backed Mutex.
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock makes one attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	return retry(ctx, l.TryLock, retryInterval, maxRetries)
}

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) NewMutex(key, owner string, ttl time.Duration) Mutex {
	return NewDistributedLock(r.client, key, owner, ttl)
}

func retry(ctx context.Context, try func(context.Context) (bool, error), retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := try(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// ============================================================================
// In-process locker, used when Redis is disabled (single instance).
// ============================================================================

type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	owner   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) NewMutex(key, owner string, ttl time.Duration) Mutex {
	return &localMutex{locker: l, key: key, owner: owner, ttl: ttl}
}

type localMutex struct {
	locker *LocalLocker
	key    string
	owner  string
	ttl    time.Duration
}

func (m *localMutex) TryLock(ctx context.Context) (bool, error) {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[m.key]; ok && now.Before(e.expires) {
		return false, nil
	}
	l.held[m.key] = localEntry{owner: m.owner, expires: now.Add(m.ttl)}
	return true, nil
}

func (m *localMutex) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	return retry(ctx, m.TryLock, retryInterval, maxRetries)
}

func (m *localMutex) Unlock(ctx context.Context) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[m.key]; ok && e.owner == m.owner {
		delete(l.held, m.key)
	}
	return nil
}
