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

package courier

import (
	"context"
	"embed"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/database"
	"github.com/courierhq/courier/internal/cache"
	"github.com/courierhq/courier/internal/clock"
	"github.com/courierhq/courier/internal/events"
	redlock "github.com/courierhq/courier/internal/lock"
	"github.com/courierhq/courier/internal/ratelimit"
	redis_db "github.com/courierhq/courier/internal/redis-db"
	"github.com/courierhq/courier/internal/retry"
	"github.com/courierhq/courier/model"
	"github.com/courierhq/courier/provider"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("courier")

// Sender delivers one message. *provider.Adapter is the production sender.
type Sender interface {
	Send(ctx context.Context, d model.Delivery) provider.Result
}

// Courier wires the message store to the provider, limiter and retry policy.
// Redis, NATS and the webhook queue are optional; without them Courier falls
// back to in-process equivalents or skips the side effect.
type Courier struct {
	cfg        *config.Configuration
	datasource database.IDataSource
	clock      clock.Clock
	location   *time.Location
	limiter    ratelimit.Limiter
	sender     Sender
	policy     *retry.Policy
	events     events.Publisher
	queue      *Queue
	cache      cache.Cache
	redis      redis.UniversalClient
	localLocks *redlock.LocalRegistry
	telemetry  Telemetry
}

// Option overrides one collaborator of a Courier.
type Option func(*Courier)

func WithConfig(cfg *config.Configuration) Option   { return func(c *Courier) { c.cfg = cfg } }
func WithClock(clk clock.Clock) Option              { return func(c *Courier) { c.clock = clk } }
func WithLimiter(l ratelimit.Limiter) Option        { return func(c *Courier) { c.limiter = l } }
func WithSender(s Sender) Option                    { return func(c *Courier) { c.sender = s } }
func WithPublisher(p events.Publisher) Option       { return func(c *Courier) { c.events = p } }
func WithQueue(q *Queue) Option                     { return func(c *Courier) { c.queue = q } }
func WithCache(ch cache.Cache) Option               { return func(c *Courier) { c.cache = ch } }
func WithRedis(client redis.UniversalClient) Option { return func(c *Courier) { c.redis = client } }
func WithTelemetry(t Telemetry) Option              { return func(c *Courier) { c.telemetry = t } }

// NewCourier builds a Courier from the loaded configuration. Collaborators
// not supplied through options are derived from it.
func NewCourier(db database.IDataSource, opts ...Option) (*Courier, error) {
	c := &Courier{datasource: db}
	for _, opt := range opts {
		opt(c)
	}

	if c.cfg == nil {
		cfg, err := config.Fetch()
		if err != nil {
			return nil, err
		}
		c.cfg = cfg
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	c.location = c.cfg.Location()
	c.policy = retry.NewPolicy(c.cfg.Retry)
	c.localLocks = redlock.NewLocalRegistry(c.clock.Now)

	if c.redis == nil && c.cfg.Redis.Dns != "" {
		client, err := redis_db.NewRedisClient([]string{c.cfg.Redis.Dns}, c.cfg.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		c.redis = client.Client()
	}
	if c.limiter == nil {
		if c.redis != nil {
			c.limiter = ratelimit.NewRedisLimiter(c.redis, c.cfg.SendLimit.DailyLimit, c.location, c.clock)
		} else {
			c.limiter = ratelimit.NewMemoryLimiter(c.cfg.SendLimit.DailyLimit, c.location, c.clock)
		}
	}
	if c.sender == nil {
		c.sender = provider.NewAdapter(c.cfg.Provider)
	}
	if c.cache == nil {
		c.cache = cache.NewCache(c.redis, time.Minute)
	}
	if c.queue == nil && c.cfg.Redis.Dns != "" {
		q, err := NewQueue(c.cfg)
		if err != nil {
			return nil, err
		}
		c.queue = q
	}
	if c.events == nil {
		c.events = events.Noop{}
		if c.cfg.Nats.URL != "" {
			p, err := events.NewNatsPublisher(c.cfg.Nats.URL, c.cfg.Nats.SubjectPrefix)
			if err != nil {
				logrus.WithError(err).Warn("nats unavailable, lifecycle events disabled")
			} else {
				c.events = p
			}
		}
	}
	if c.telemetry == nil {
		c.telemetry = noopTelemetry{}
	}
	c.registerWebhookSender()
	return c, nil
}

// Config returns the configuration the Courier was built with.
func (c *Courier) Config() *config.Configuration {
	return c.cfg
}

// Queue returns the asynq queue, nil when Redis is not configured.
func (c *Courier) Queue() *Queue {
	return c.queue
}

// Close releases the event connection and queue client.
func (c *Courier) Close() {
	c.events.Close()
	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			logrus.WithError(err).Warn("closing queue client")
		}
	}
	c.telemetry.Close()
}

// publish sends a lifecycle event. Failures are logged and never change state.
func (c *Courier) publish(ctx context.Context, eventType string, m *model.OutboundMessage) {
	e := events.Event{
		Type:       eventType,
		MessageID:  m.MessageID,
		Channel:    string(m.Channel),
		Status:     string(m.Status),
		OccurredAt: c.clock.Now(),
	}
	if m.OwnerID != nil {
		e.OwnerID = *m.OwnerID
	}
	if m.Error != nil {
		e.Error = *m.Error
	}
	if err := c.events.Publish(ctx, e); err != nil {
		logrus.WithFields(logrus.Fields{"message_id": m.MessageID, "event": eventType}).WithError(err).Warn("failed to publish event")
	}
}
