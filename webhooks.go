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
	"encoding/json"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/internal/notification"
	"github.com/courierhq/courier/internal/request"
	"github.com/courierhq/courier/model"
)

const (
	WebhookMessageSent        = "message.sent"
	WebhookMessageFailed      = "message.failed"
	WebhookMessageRateLimited = "message.rate_limited"
	WebhookDeliveryUpdated    = "message.delivery_updated"
)

const webhookTimeout = 10 * time.Second

// NewWebhook represents the structure of a webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// webhookEvent maps a dispatch outcome to its webhook event, "" for outcomes
// that are not announced.
func webhookEvent(o model.Outcome) string {
	switch o {
	case model.OutcomeSent:
		return WebhookMessageSent
	case model.OutcomeFailed:
		return WebhookMessageFailed
	case model.OutcomeRateLimited:
		return WebhookMessageRateLimited
	}
	return ""
}

// registerWebhookSender routes notification.SendWebhook through the queue.
func (c *Courier) registerWebhookSender() {
	if c.queue == nil || c.cfg.Notification.Webhook.Url == "" {
		return
	}
	q := c.queue
	notification.RegisterWebhookSender(func(event string, payload interface{}) error {
		return q.EnqueueWebhook(context.Background(), NewWebhook{Event: event, Payload: payload})
	})
}

// announce enqueues the webhook for event in the background.
func (c *Courier) announce(event string, m *model.OutboundMessage) {
	if event == "" || c.cfg.Notification.Webhook.Url == "" {
		return
	}
	snapshot := *m
	go func() {
		if err := notification.SendWebhook(event, snapshot); err != nil {
			logrus.WithFields(logrus.Fields{"message_id": snapshot.MessageID, "event": event}).WithError(err).Warn("webhook not queued")
		}
	}()
}

func processHTTP(ctx context.Context, conf *config.Configuration, data NewWebhook) error {
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := request.NewJSONRequest(ctx, http.MethodPost, conf.Notification.Webhook.Url, data)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	_, err = request.Call(&http.Client{Timeout: webhookTimeout}, req, nil)
	if err != nil {
		logrus.WithField("event", data.Event).WithError(err).Warn("webhook delivery failed")
		return err
	}
	logrus.WithField("event", data.Event).Info("webhook notification sent")
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue. A
// returned error makes asynq retry the task.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling task payload: %v", err)
		return err
	}
	return processHTTP(ctx, conf, payload)
}
