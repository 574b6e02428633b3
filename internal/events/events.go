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
// Package events publishes message lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	MessageQueued  = "queued"
	MessageSkipped = "skipped"
	MessageSent    = "sent"
	MessageFailed  = "failed"
	MessageRetry   = "retry_scheduled"
	DeliveryUpdate = "delivery_updated"
)

// Event is a single lifecycle transition of an outbound message.
type Event struct {
	Type       string    `json:"type"`
	MessageID  string    `json:"message_id"`
	Channel    string    `json:"channel"`
	Status     string    `json:"status"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events. Publishing is best effort: failures are reported
// to the caller but never change message state.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// Noop discards events. It is used when NATS is not configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close()                               {}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NatsPublisher publishes each event to "<prefix>.<type>".
type NatsPublisher struct {
	conn   conn
	prefix string
}

// NewNatsPublisher connects to url.
func NewNatsPublisher(url, prefix string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("courier"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.WithError(err).Warn("nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return newNatsPublisher(nc, prefix), nil
}

func newNatsPublisher(c conn, prefix string) *NatsPublisher {
	return &NatsPublisher{conn: c, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event type is published on.
func (p *NatsPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

func (p *NatsPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(e.Type), payload)
}

func (p *NatsPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		logrus.WithError(err).Warn("failed to drain nats connection")
	}
}
