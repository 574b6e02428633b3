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
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 500 * time.Millisecond

// Redis wraps the shared client used by the send limiter, template cache and
// dispatch lock. A single address yields a standalone client, several yield a
// cluster client.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseRedisURL accepts bare host:port addresses as well as redis:// and
// rediss:// URLs. Managed Redis hosts that require TLS get it even without the
// rediss scheme.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("redis address is empty")
	}

	if !strings.Contains(rawURL, "//") && !strings.Contains(rawURL, "@") {
		opts := &redis.Options{Addr: rawURL}
		if requiresTLS(rawURL) {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		applySkipVerify(opts, skipTLSVerify)
		return opts, nil
	}

	// redis://secret@host means a password with no username
	if strings.HasPrefix(rawURL, "redis://") || strings.HasPrefix(rawURL, "rediss://") {
		scheme := rawURL[:strings.Index(rawURL, "://")+3]
		rest := strings.TrimPrefix(rawURL, scheme)
		if at := strings.LastIndex(rest, "@"); at > 0 && !strings.Contains(rest[:at], ":") {
			rawURL = fmt.Sprintf("%s:%s@%s", scheme, rest[:at], rest[at+1:])
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse redis url")
	}
	if opts.TLSConfig == nil && requiresTLS(opts.Addr) {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	applySkipVerify(opts, skipTLSVerify)
	return opts, nil
}

func requiresTLS(host string) bool {
	return strings.Contains(host, "redis.cache.windows.net") || strings.HasSuffix(strings.Split(host, ":")[0], ".upstash.io")
}

func applySkipVerify(opts *redis.Options, skip bool) {
	if opts.TLSConfig != nil && skip {
		opts.TLSConfig.InsecureSkipVerify = true
	}
}

// QueueConnOpt converts a Redis DSN into asynq connection options so the queue
// shares the same parsing rules as the client.
func QueueConnOpt(dns string, skipTLSVerify bool) (asynq.RedisClientOpt, error) {
	opts, err := ParseRedisURL(dns, skipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}, nil
}

// NewRedisClient connects and pings the given addresses.
func NewRedisClient(addresses []string, skipTLSVerify bool) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		uopts := &redis.UniversalOptions{}
		for _, addr := range addresses {
			opts, err := ParseRedisURL(addr, skipTLSVerify)
			if err != nil {
				return nil, err
			}
			uopts.Addrs = append(uopts.Addrs, opts.Addr)
			if uopts.Password == "" {
				uopts.Password = opts.Password
			}
			if uopts.TLSConfig == nil && opts.TLSConfig != nil {
				uopts.TLSConfig = opts.TLSConfig
			}
		}
		client = redis.NewUniversalClient(uopts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{addresses: addresses, client: client}, nil
}

// NewFromClient wraps an existing client, used by tests and embedders that
// manage their own connection.
func NewFromClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Client returns the universal client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) Close() error {
	return r.client.Close()
}
