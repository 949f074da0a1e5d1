// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeScripter is an in-memory Redis standing in for SET NX plus the two
// Lua scripts. Expiry is simulated with wall-clock deadlines.
type fakeScripter struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	failAll bool
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
	}
}

func (f *fakeScripter) expired(key string) bool {
	deadline, ok := f.expires[key]
	return ok && time.Now().After(deadline)
}

func (f *fakeScripter) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewBoolCmd(ctx)
	if f.failAll {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	if _, held := f.values[key]; held && !f.expired(key) {
		cmd.SetVal(false)
		return cmd
	}
	f.values[key] = value.(string)
	f.expires[key] = time.Now().Add(expiration)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewCmd(ctx)
	if f.failAll {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}

	key := keys[0]
	token := args[0].(string)
	current, held := f.values[key]
	if !held || f.expired(key) || current != token {
		cmd.SetVal(int64(0))
		return cmd
	}

	switch script {
	case releaseScript:
		delete(f.values, key)
		delete(f.expires, key)
	case renewScript:
		ms := args[1].(int64)
		f.expires[key] = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	cmd.SetVal(int64(1))
	return cmd
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	fake := newFakeScripter()
	l := New(fake, "lock:")

	token, ok, err := l.TryAcquire(ctx, "outbox:leader", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatal("token should be non-empty")
	}

	// Second holder must be turned away without error.
	_, ok, err = l.TryAcquire(ctx, "outbox:leader", time.Minute)
	if err != nil {
		t.Fatalf("contended acquire errored: %v", err)
	}
	if ok {
		t.Error("contended acquire should fail")
	}

	// A different key is independent.
	_, ok, err = l.TryAcquire(ctx, "inbox:leader", time.Minute)
	if err != nil || !ok {
		t.Errorf("different key acquire: ok=%v err=%v", ok, err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	ctx := context.Background()
	fake := newFakeScripter()
	l := New(fake, "lock:")

	token, _, _ := l.TryAcquire(ctx, "k", time.Minute)

	released, err := l.Release(ctx, "k", token)
	if err != nil {
		t.Fatalf("release errored: %v", err)
	}
	if !released {
		t.Error("release should succeed while held")
	}

	_, ok, err := l.TryAcquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Errorf("reacquire after release: ok=%v err=%v", ok, err)
	}
}

func TestReleaseWithStaleTokenLeavesNewHolder(t *testing.T) {
	ctx := context.Background()
	fake := newFakeScripter()
	l := New(fake, "lock:")

	// First holder's lease expires, second holder takes over.
	stale, _, _ := l.TryAcquire(ctx, "k", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	fresh, ok, _ := l.TryAcquire(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("second holder should acquire after expiry")
	}

	// The stale holder's release must not touch the new lease.
	released, err := l.Release(ctx, "k", stale)
	if err != nil {
		t.Fatalf("stale release errored: %v", err)
	}
	if released {
		t.Error("stale release should report false")
	}

	renewed, err := l.Renew(ctx, "k", fresh, time.Minute)
	if err != nil || !renewed {
		t.Errorf("new holder's lease was disturbed: renewed=%v err=%v", renewed, err)
	}
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	fake := newFakeScripter()
	l := New(fake, "lock:")

	token, _, _ := l.TryAcquire(ctx, "k", time.Minute)

	held, err := l.Renew(ctx, "k", token, time.Minute)
	if err != nil || !held {
		t.Errorf("renew while held: held=%v err=%v", held, err)
	}

	held, err = l.Renew(ctx, "k", "wrong-token", time.Minute)
	if err != nil {
		t.Fatalf("renew with wrong token errored: %v", err)
	}
	if held {
		t.Error("renew with wrong token should report false")
	}
}

func TestInvalidLease(t *testing.T) {
	ctx := context.Background()
	l := New(newFakeScripter(), "lock:")

	if _, _, err := l.TryAcquire(ctx, "k", 0); err == nil {
		t.Error("zero lease should error")
	}
	if _, err := l.Renew(ctx, "k", "t", -time.Second); err == nil {
		t.Error("negative lease should error")
	}
}

func TestBackendErrorsSurface(t *testing.T) {
	ctx := context.Background()
	fake := newFakeScripter()
	fake.failAll = true
	l := New(fake, "lock:")

	if _, _, err := l.TryAcquire(ctx, "k", time.Minute); err == nil {
		t.Error("acquire should surface backend error")
	}
	if _, err := l.Release(ctx, "k", "t"); err == nil {
		t.Error("release should surface backend error")
	}
	if _, err := l.Renew(ctx, "k", "t", time.Minute); err == nil {
		t.Error("renew should surface backend error")
	}
}
