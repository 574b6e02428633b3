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
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/config"
)

// Telemetry receives anonymous usage events.
type Telemetry interface {
	Capture(event string, properties map[string]interface{})
	Close()
}

type noopTelemetry struct{}

func (noopTelemetry) Capture(string, map[string]interface{}) {}
func (noopTelemetry) Close()                                 {}

// PostHogTelemetry reports to PostHog under a per-process id.
type PostHogTelemetry struct {
	client     posthog.Client
	distinctID string
}

// NewTelemetry returns a PostHog reporter when telemetry is enabled and a key
// is configured, and a no-op otherwise.
func NewTelemetry(cfg *config.Configuration) Telemetry {
	if !cfg.EnableTelemetry || cfg.Telemetry.PosthogKey == "" {
		return noopTelemetry{}
	}
	client, err := posthog.NewWithConfig(cfg.Telemetry.PosthogKey, posthog.Config{Endpoint: cfg.Telemetry.PosthogEndpoint})
	if err != nil {
		logrus.WithError(err).Warn("telemetry disabled")
		return noopTelemetry{}
	}
	return &PostHogTelemetry{client: client, distinctID: uuid.New().String()}
}

func (t *PostHogTelemetry) Capture(event string, properties map[string]interface{}) {
	err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: posthog.Properties(properties),
	})
	if err != nil {
		logrus.WithError(err).Debug("telemetry event dropped")
	}
}

func (t *PostHogTelemetry) Close() {
	_ = t.client.Close()
}
