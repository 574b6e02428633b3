/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
// Package redlock guards dispatch invocations against overlapping runs.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("lock is already held")

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Mutex is a lease-style lock: it expires after ttl unless extended.
type Mutex interface {
	Lock(ctx context.Context, ttl time.Duration) error
	Unlock(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker is a Redis lock owned by value. Only the owner can release or extend it.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{client: client, key: key, value: value}
}

func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", ttl.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}

// LocalLocker is the in-process fallback when Redis is not configured. Lockers
// created from the same LocalRegistry share state.
type LocalLocker struct {
	reg   *LocalRegistry
	key   string
	value string
}

// LocalRegistry holds in-process lock ownership.
type LocalRegistry struct {
	mu     sync.Mutex
	owners map[string]localEntry
	now    func() time.Time
}

type localEntry struct {
	value   string
	expires time.Time
}

func NewLocalRegistry(now func() time.Time) *LocalRegistry {
	if now == nil {
		now = time.Now
	}
	return &LocalRegistry{owners: map[string]localEntry{}, now: now}
}

func (r *LocalRegistry) Locker(key, value string) *LocalLocker {
	return &LocalLocker{reg: r, key: key, value: value}
}

func (l *LocalLocker) Lock(_ context.Context, ttl time.Duration) error {
	r := l.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if e, ok := r.owners[l.key]; ok && e.expires.After(now) {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	r.owners[l.key] = localEntry{value: l.value, expires: now.Add(ttl)}
	return nil
}

func (l *LocalLocker) Unlock(_ context.Context) error {
	r := l.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.owners[l.key]; !ok || e.value != l.value {
		return fmt.Errorf("unlock failed, not the lock holder for key %s", l.key)
	}
	delete(r.owners, l.key)
	return nil
}

func (l *LocalLocker) Extend(_ context.Context, ttl time.Duration) error {
	r := l.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.owners[l.key]
	if !ok || e.value != l.value || !e.expires.After(r.now()) {
		return fmt.Errorf("lock extension failed for key %s", l.key)
	}
	e.expires = r.now().Add(ttl)
	r.owners[l.key] = e
	return nil
}
