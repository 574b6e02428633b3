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
package redis_db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		skip     bool
		addr     string
		password string
		db       int
		tls      bool
		wantErr  bool
	}{
		{name: "docker style", url: "redis:6379", addr: "redis:6379"},
		{name: "password only", url: "redis://password123@localhost:6379", addr: "localhost:6379", password: "password123"},
		{name: "empty user", url: "redis://:password123@localhost:6379/2", addr: "localhost:6379", password: "password123", db: 2},
		{name: "tls scheme", url: "rediss://:pw@cache.example.com:6380", addr: "cache.example.com:6380", password: "pw", tls: true},
		{name: "azure host", url: "myinstance.redis.cache.windows.net:6380", addr: "myinstance.redis.cache.windows.net:6380", tls: true, skip: true},
		{name: "empty", url: "  ", wantErr: true},
		{name: "bad scheme", url: "http://localhost:6379", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url, tt.skip)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, got.Addr)
			assert.Equal(t, tt.password, got.Password)
			assert.Equal(t, tt.db, got.DB)
			assert.Equal(t, tt.tls, got.TLSConfig != nil)
			if tt.tls {
				assert.Equal(t, tt.skip, got.TLSConfig.InsecureSkipVerify)
			}
		})
	}
}

func TestQueueConnOpt(t *testing.T) {
	opt, err := QueueConnOpt("redis://:secret@localhost:6379/1", false)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 1, opt.DB)

	_, err = QueueConnOpt("", false)
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient(nil, false)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	r, err := NewRedisClient([]string{mr.Addr()}, false)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.Client().Set(ctx, "k", "v", time.Minute).Err())
	got, err := r.Client().Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, r.Client().Del(ctx, "k").Err())
	_, err = r.Client().Get(ctx, "k").Result()
	assert.Equal(t, redis.Nil, err)
}

func TestNewRedisClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient([]string{addr}, false)
	assert.ErrorContains(t, err, "ping redis")
}
