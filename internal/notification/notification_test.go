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
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/config"
)

func TestSendWebhookWithoutSender(t *testing.T) {
	RegisterWebhookSender(nil)
	assert.NoError(t, SendWebhook("message.failed", nil))
}

func TestRegisterWebhookSender(t *testing.T) {
	var capturedEvent string
	var capturedPayload interface{}
	RegisterWebhookSender(func(event string, payload interface{}) error {
		capturedEvent = event
		capturedPayload = payload
		return nil
	})
	defer RegisterWebhookSender(nil)

	payload := map[string]string{"message_id": "msg_1"}
	require.NoError(t, SendWebhook("message.sent", payload))
	assert.Equal(t, "message.sent", capturedEvent)
	assert.Equal(t, payload, capturedPayload)
}

func TestRegisterWebhookSender_ReplacesPrevious(t *testing.T) {
	expected := errors.New("webhook failed")
	RegisterWebhookSender(func(string, interface{}) error { return nil })
	RegisterWebhookSender(func(string, interface{}) error { return expected })
	defer RegisterWebhookSender(nil)

	assert.Equal(t, expected, SendWebhook("message.sent", nil))
}

func TestSlackNotification(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	url := "https://hooks.slack.test/services/T000/B000/XXX"
	config.MockConfig(&config.Configuration{ProjectName: "Courier", Notification: config.Notification{Slack: config.SlackWebhook{WebhookUrl: url}}})

	var body map[string]interface{}
	httpmock.RegisterResponder(http.MethodPost, url, func(req *http.Request) (*http.Response, error) {
		assert.NoError(t, jsonDecode(req, &body))
		return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
	})

	require.NoError(t, SlackNotification(context.Background(), errors.New("provider unreachable")))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	blocks, ok := body["blocks"].([]interface{})
	require.True(t, ok)
	assert.Len(t, blocks, 3)
}

func TestSlackNotificationSkippedWhenUnconfigured(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	config.MockConfig(&config.Configuration{})

	assert.NoError(t, SlackNotification(context.Background(), errors.New("x")))
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestSlackNotificationFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	url := "https://hooks.slack.test/broken"
	config.MockConfig(&config.Configuration{Notification: config.Notification{Slack: config.SlackWebhook{WebhookUrl: url}}})
	httpmock.RegisterResponder(http.MethodPost, url, httpmock.NewStringResponder(http.StatusInternalServerError, "no"))

	assert.Error(t, SlackNotification(context.Background(), errors.New("x")))
}

func jsonDecode(req *http.Request, out interface{}) error {
	return json.NewDecoder(req.Body).Decode(out)
}
