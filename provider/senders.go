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
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/courierhq/courier/internal/request"
	"github.com/courierhq/courier/model"
)

// SMSSender delivers text to an E.164 phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, messageID, to, text string, meta model.SMSMetadata) (string, error)
}

// ChatSender delivers text to a chat platform address.
type ChatSender interface {
	SendChat(ctx context.Context, messageID, chatID, text string, meta model.ChatMetadata) (string, error)
}

// NoteSender attaches a call reminder note to a CRM record.
type NoteSender interface {
	SendNote(ctx context.Context, messageID, recipientRef, text string, meta model.CallNoteMetadata) (string, error)
}

// SMSGateway talks to a JSON SMS gateway authenticated by an API key header.
type SMSGateway struct {
	URL      string
	APIKey   string
	SenderID string
	Client   *http.Client
}

type smsRequest struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	SenderID  string `json:"sender_id,omitempty"`
	Reference string `json:"reference"`
}

type smsResponse struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (g *SMSGateway) SendSMS(ctx context.Context, messageID, to, text string, meta model.SMSMetadata) (string, error) {
	sender := meta.SenderID
	if sender == "" {
		sender = g.SenderID
	}
	req, err := request.NewJSONRequest(ctx, http.MethodPost, g.URL, smsRequest{To: to, Text: text, SenderID: sender, Reference: messageID})
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-Key", g.APIKey)

	var resp smsResponse
	if _, err := request.Call(g.Client, req, &resp); err != nil {
		return "", err
	}
	if resp.ErrorCode != "" || strings.EqualFold(resp.Status, "error") {
		return "", NewSendError(resp.ErrorCode, resp.ErrorMessage)
	}
	if resp.MessageID == "" {
		return "", NewSendError(CodeUnknown, "gateway accepted the message without an id")
	}
	return resp.MessageID, nil
}

// ChatWebhook calls a bot API in the style of sendMessage endpoints.
type ChatWebhook struct {
	URL    string
	Token  string
	Client *http.Client
}

type chatRequest struct {
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	MessageThreadID string `json:"message_thread_id,omitempty"`
	ParseMode       string `json:"parse_mode,omitempty"`
}

type chatResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (w *ChatWebhook) SendChat(ctx context.Context, _ string, chatID, text string, meta model.ChatMetadata) (string, error) {
	url := strings.TrimSuffix(w.URL, "/") + "/sendMessage"
	req, err := request.NewJSONRequest(ctx, http.MethodPost, url, chatRequest{
		ChatID:          chatID,
		Text:            text,
		MessageThreadID: meta.ThreadID,
		ParseMode:       meta.ParseMode,
	})
	if err != nil {
		return "", err
	}
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	var resp chatResponse
	if _, err := request.Call(w.Client, req, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", classifyStatus(resp.ErrorCode, resp.Description)
	}
	return strconv.FormatInt(resp.Result.MessageID, 10), nil
}

// CallNoteSender posts reminder notes to the CRM notes webhook. Without a URL
// the note is only recorded locally.
type CallNoteSender struct {
	URL    string
	Client *http.Client
}

type noteRequest struct {
	MessageID    string     `json:"message_id"`
	RecipientRef string     `json:"recipient_ref"`
	Subject      string     `json:"subject,omitempty"`
	Body         string     `json:"body"`
	CallAt       *time.Time `json:"call_at,omitempty"`
}

type noteResponse struct {
	ID string `json:"id"`
}

func (n *CallNoteSender) SendNote(ctx context.Context, messageID, recipientRef, text string, meta model.CallNoteMetadata) (string, error) {
	if n.URL == "" {
		return model.GenerateUUIDWithSuffix("note"), nil
	}
	req, err := request.NewJSONRequest(ctx, http.MethodPost, n.URL, noteRequest{
		MessageID:    messageID,
		RecipientRef: recipientRef,
		Subject:      meta.Subject,
		Body:         text,
		CallAt:       meta.CallAt,
	})
	if err != nil {
		return "", err
	}

	var resp noteResponse
	if _, err := request.Call(n.Client, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("notes webhook returned no id")
	}
	return resp.ID, nil
}
