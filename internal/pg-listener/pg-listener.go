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

package pg_listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the channel the outbound_messages insert trigger notifies.
const DefaultChannel = "courier_messages"

type NotificationHandler interface {
	HandleNotification(table string, data map[string]interface{}) error
}

// HandlerFunc adapts a function to NotificationHandler.
type HandlerFunc func(table string, data map[string]interface{}) error

func (f HandlerFunc) HandleNotification(table string, data map[string]interface{}) error {
	return f(table, data)
}

type ListenerConfig struct {
	PgConnStr    string
	Channel      string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
}

type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

type NotificationPayload struct {
	Table string                 `json:"table"`
	Data  map[string]interface{} `json:"data"`
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	if config.MinReconnect <= 0 {
		config.MinReconnect = 10 * time.Second
	}
	if config.MaxReconnect < config.MinReconnect {
		config.MaxReconnect = time.Minute
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 90 * time.Second
	}
	return &DBListener{
		config:  config,
		handler: handler,
	}
}

// Run listens until ctx is cancelled. It returns an error only when the
// initial LISTEN fails; later connection losses are retried by pq.
func (d *DBListener) Run(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, d.config.MinReconnect, d.config.MaxReconnect, d.onEvent)
	defer listener.Close()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.WithField("channel", d.config.Channel).Info("listening for postgres notifications")

	ticker := time.NewTicker(d.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			d.handleNotification(n)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				logrus.WithError(err).Warn("postgres listener ping failed")
			}
		}
	}
}

func (d *DBListener) onEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		logrus.WithError(err).WithField("event", ev).Warn("postgres listener")
	}
}

// handleNotification decodes a trigger payload. pq delivers a nil
// notification after reconnecting, when notifications may have been lost;
// the handler is then called with an empty table.
func (d *DBListener) handleNotification(n *pq.Notification) {
	var payload NotificationPayload
	if n != nil {
		if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
			logrus.WithError(err).WithField("channel", n.Channel).Error("malformed notification payload")
			return
		}
	}

	if err := d.handler.HandleNotification(payload.Table, payload.Data); err != nil {
		logrus.WithError(err).WithField("table", payload.Table).Error("error handling notification")
	}
}
