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

package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/config"
	pg_listener "github.com/courierhq/courier/internal/pg-listener"
)

// startWakeListener calls wake for every queued-message notification when
// dispatch.wake_on_insert is enabled. It stops with ctx.
func startWakeListener(ctx context.Context, cfg *config.Configuration, wake func(ctx context.Context) error) {
	if !cfg.Dispatch.WakeOnInsert {
		return
	}

	listener := pg_listener.NewDBListener(
		pg_listener.ListenerConfig{PgConnStr: cfg.DataSource.Dns},
		pg_listener.HandlerFunc(func(table string, data map[string]interface{}) error {
			logrus.WithFields(logrus.Fields{"table": table, "message_id": data["message_id"]}).Debug("message queued, waking dispatch")
			return wake(ctx)
		}),
	)
	go func() {
		if err := listener.Run(ctx); err != nil {
			logrus.WithError(err).Error("wake on insert disabled")
		}
	}()
}
