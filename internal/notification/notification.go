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
package notification

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/internal/request"
)

const slackTimeout = 5 * time.Second

// WebhookSender forwards a lifecycle event to the outbound webhook queue.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

// RegisterWebhookSender installs the function used by SendWebhook. The last
// registration wins.
func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

// SendWebhook forwards event to the registered sender. Without one it is a no-op.
func SendWebhook(event string, payload interface{}) error {
	senderMu.RLock()
	sender := webhookSender
	senderMu.RUnlock()
	if sender == nil {
		return nil
	}
	return sender(event, payload)
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

func slackPayload(project string, err error, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"blocks": []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: fmt.Sprintf("Error From %s", project), Emoji: true}},
			{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", err)}}},
			{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}}},
		},
	}
}

// SlackNotification posts err to the configured Slack webhook.
func SlackNotification(ctx context.Context, err error) error {
	conf, cerr := config.Fetch()
	if cerr != nil {
		return cerr
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, slackTimeout)
	defer cancel()

	req, rerr := request.NewJSONRequest(ctx, http.MethodPost, conf.Notification.Slack.WebhookUrl, slackPayload(conf.ProjectName, err, time.Now()))
	if rerr != nil {
		return rerr
	}
	_, rerr = request.Call(nil, req, nil)
	return rerr
}

// NotifyError logs systemError and reports it to Slack in the background.
func NotifyError(systemError error) {
	logrus.Error(systemError)
	go func() {
		if err := SlackNotification(context.Background(), systemError); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}()
}
