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
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Cache is the read-through store used for template and recipient lookups.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get decodes the cached value into dst, returning ErrMiss when absent.
	Get(ctx context.Context, key string, dst interface{}) error
	// Once returns the cached value or loads, stores and returns it. Concurrent
	// callers for the same key share one load.
	Once(ctx context.Context, key string, dst interface{}, ttl time.Duration, load func() (interface{}, error)) error
	Delete(ctx context.Context, key string) error
}

const localCacheSize = 10000

// RedisCache layers a TinyLFU in-process cache over Redis. With a nil client
// only the local layer is used.
type RedisCache struct {
	cache *cache.Cache
}

func NewCache(client redis.UniversalClient, localTTL time.Duration) *RedisCache {
	if localTTL <= 0 {
		localTTL = time.Minute
	}
	opts := &cache.Options{LocalCache: cache.NewTinyLFU(localCacheSize, localTTL)}
	if client != nil {
		opts.Redis = client
	}
	return &RedisCache{cache: cache.New(opts)}
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{Ctx: ctx, Key: key, Value: value, TTL: ttl})
}

func (r *RedisCache) Get(ctx context.Context, key string, dst interface{}) error {
	err := r.cache.Get(ctx, key, dst)
	if errors.Is(err, cache.ErrCacheMiss) {
		return ErrMiss
	}
	return err
}

func (r *RedisCache) Once(ctx context.Context, key string, dst interface{}, ttl time.Duration, load func() (interface{}, error)) error {
	return r.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: dst,
		TTL:   ttl,
		Do: func(*cache.Item) (interface{}, error) {
			return load()
		},
	})
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
