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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierhq/courier/internal/clock"
	"github.com/courierhq/courier/model"
)

const keyPrefix = "courier:ratelimit:"

// counters outlive their day long enough for late status reads
const counterTTL = 48 * time.Hour

// consumeScript increments the day counter only while it is below the limit.
// ARGV[1] is the limit (<= 0 means unlimited), ARGV[2] the key TTL in seconds.
const consumeScript = `local limit = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit > 0 and current >= limit then
	return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1`

// RedisLimiter keeps one counter per business day in Redis, so every worker
// process shares the same quota.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int64
	loc    *time.Location
	clock  clock.Clock
}

func NewRedisLimiter(client redis.UniversalClient, limit int64, loc *time.Location, clk clock.Clock) *RedisLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisLimiter{client: client, limit: limit, loc: loc, clock: clk}
}

func (l *RedisLimiter) key(day string) string {
	return keyPrefix + day
}

func (l *RedisLimiter) TryConsume(ctx context.Context) (bool, error) {
	day := today(l.clock, l.loc)
	result, err := l.client.Eval(ctx, consumeScript, []string{l.key(day)}, l.limit, int(counterTTL.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("consuming send quota: %w", err)
	}
	return result == 1, nil
}

func (l *RedisLimiter) Status(ctx context.Context) (model.RateLimitStatus, error) {
	day := today(l.clock, l.loc)
	sent, err := l.client.Get(ctx, l.key(day)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.RateLimitStatus{}, fmt.Errorf("reading send quota: %w", err)
	}
	return buildStatus(day, sent, l.limit), nil
}
