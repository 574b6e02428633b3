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
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/courierhq/courier/internal/clock"
	"github.com/courierhq/courier/model"
)

// MemoryLimiter keeps the counter in process. It is the fallback when Redis is
// not configured and only protects the quota within a single process.
type MemoryLimiter struct {
	mu    sync.Mutex
	limit int64
	loc   *time.Location
	clock clock.Clock
	day   string
	sent  int64
}

func NewMemoryLimiter(limit int64, loc *time.Location, clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryLimiter{limit: limit, loc: loc, clock: clk}
}

func (l *MemoryLimiter) TryConsume(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()
	if l.limit > 0 && l.sent >= l.limit {
		return false, nil
	}
	l.sent++
	return true, nil
}

func (l *MemoryLimiter) Status(_ context.Context) (model.RateLimitStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()
	return buildStatus(l.day, l.sent, l.limit), nil
}

// roll resets the counter the first time it is consulted on a new business day.
func (l *MemoryLimiter) roll() {
	day := today(l.clock, l.loc)
	if day != l.day {
		l.day = day
		l.sent = 0
	}
}
