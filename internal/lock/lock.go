// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package lock provides short-lease mutual exclusion over the shared Redis
// store. Every scheduled processor runs on every replica; the lock is what
// turns those competing invocations into single-active-leader cycles.
//
// Acquisition is a single SET NX PX; release and renewal compare the holder
// token server-side so a replica can never touch a lease it lost to expiry.
// Failing to acquire is not an error condition — it is the expected
// "another replica is leading" signal, and callers simply skip the cycle.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while we still hold it. Without the
// token compare, a holder whose lease expired could delete the next
// holder's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the lease only while we still hold it.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Scripter is the subset of the Redis client the lock needs. *redis.Client
// satisfies it; tests substitute an in-memory fake.
type Scripter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Lock is a distributed lease lock factory bound to one Redis client.
type Lock struct {
	client Scripter
	prefix string
}

// New creates a lock factory. All keys are namespaced under prefix.
func New(client Scripter, prefix string) *Lock {
	if prefix == "" {
		prefix = "lock:"
	}
	return &Lock{client: client, prefix: prefix}
}

// TryAcquire attempts to take the lease. On success it returns an opaque
// holder token required for Release and Renew. ok=false with nil error
// means another holder currently leads.
func (l *Lock) TryAcquire(ctx context.Context, key string, lease time.Duration) (token string, ok bool, err error) {
	if lease <= 0 {
		return "", false, fmt.Errorf("lock: lease must be positive, got %s", lease)
	}

	token = uuid.New().String()
	ok, err = l.client.SetNX(ctx, l.prefix+key, token, lease).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release gives up the lease if the token still matches. It returns false
// when the lease already expired or was reacquired by another holder; the
// new holder's lock is left untouched.
func (l *Lock) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.prefix + key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: release %q: %w", key, err)
	}
	return n == 1, nil
}

// Renew extends the lease if the token still matches. Best-effort: a false
// return means the lease was lost, and the caller must stop assuming
// exclusivity beyond its in-flight batch. Idempotent row updates, not the
// lock, are what keep a lost lease safe.
func (l *Lock) Renew(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, fmt.Errorf("lock: lease must be positive, got %s", lease)
	}

	n, err := l.client.Eval(ctx, renewScript, []string{l.prefix + key}, token, lease.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: renew %q: %w", key, err)
	}
	return n == 1, nil
}
