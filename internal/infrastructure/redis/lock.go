package redis

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// Lua script for safe lock release (only owner can release)
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	// Lua script for lock extension
	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Lock is a single-owner lock on one Redis key.
type Lock struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

func NewLock(client redis.UniversalClient, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire sets the key with SET NX PX. It returns false when another owner
// holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Extend resets the TTL if this lock still owns the key.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if res == 0 {
		return fmt.Errorf("extend lock %s: %w", l.key, domainErrors.ErrLockNotHeld)
	}
	return nil
}

// Release deletes the key if this lock still owns it.
func (l *Lock) Release(ctx context.Context) error {
	res, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if res == 0 {
		return fmt.Errorf("release lock %s: %w", l.key, domainErrors.ErrLockNotHeld)
	}
	return nil
}

// GroupLocker hands out per-group scan locks so that only one instance
// scans a group per tick.
type GroupLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewGroupLocker(client redis.UniversalClient, prefix string) *GroupLocker {
	if prefix == "" {
		prefix = "taskmessage:scan"
	}
	return &GroupLocker{client: client, prefix: prefix}
}

// TryLock acquires the lock for groupID without waiting. When acquired is
// false another instance holds the group and the lease is nil.
func (g *GroupLocker) TryLock(ctx context.Context, groupID string, ttl time.Duration) (taskmessage.Lease, bool, error) {
	lock := NewLock(g.client, g.prefix+":"+groupID, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return &groupLease{lock: lock, ttl: ttl}, true, nil
}

type groupLease struct {
	lock *Lock
	ttl  time.Duration
}

func (l *groupLease) Extend(ctx context.Context) error {
	return l.lock.Extend(ctx, l.ttl)
}

func (l *groupLease) Release() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// An expired lock was already released by Redis.
	_ = l.lock.Release(releaseCtx)
}
