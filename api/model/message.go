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

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/courierhq/courier/model"
)

var channels = []interface{}{string(model.ChannelSMS), string(model.ChannelChat), string(model.ChannelCallNote)}

func upper(value interface{}) interface{} {
	s, _ := value.(string)
	return strings.ToUpper(strings.TrimSpace(s))
}

// oneOf validates case-insensitively against allowed upper-case values.
func oneOf(allowed ...interface{}) validation.RuleFunc {
	return func(value interface{}) error {
		if s, _ := value.(string); s == "" {
			return nil
		}
		return validation.Validate(upper(value), validation.In(allowed...).Error(fmt.Sprintf("must be one of %v", allowed)))
	}
}

// EnqueueMessage is the body of POST /messages. Metadata is the plain options
// object of the chosen channel, e.g. {"sender_id": "SCHOOL"} for SMS.
type EnqueueMessage struct {
	Channel      string            `json:"channel"`
	TemplateKey  string            `json:"template_key"`
	RecipientRef string            `json:"recipient_ref"`
	To           string            `json:"to"`
	Variables    map[string]string `json:"variables"`
	Priority     string            `json:"priority"`
	OwnerID      string            `json:"owner_id"`
	Metadata     json.RawMessage   `json:"metadata"`
}

func (e *EnqueueMessage) ValidateEnqueueMessage() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Channel, validation.Required, validation.By(oneOf(channels...))),
		validation.Field(&e.TemplateKey, validation.Required, validation.Length(1, 128)),
		validation.Field(&e.RecipientRef, validation.When(strings.TrimSpace(e.To) == "", validation.Required.Error("recipient_ref or to is required"))),
		validation.Field(&e.Priority, validation.By(func(value interface{}) error {
			_, err := model.ParsePriority(value.(string))
			return err
		})),
	)
}

// ToEnqueueRequest converts the body, decoding metadata for the channel.
func (e *EnqueueMessage) ToEnqueueRequest() (model.EnqueueRequest, error) {
	channel := model.Channel(upper(e.Channel).(string))
	req := model.EnqueueRequest{
		Channel:      channel,
		TemplateKey:  e.TemplateKey,
		RecipientRef: e.RecipientRef,
		To:           e.To,
		Variables:    e.Variables,
		Priority:     model.Priority(upper(e.Priority).(string)),
		OwnerID:      e.OwnerID,
	}
	if len(e.Metadata) == 0 || string(e.Metadata) == "null" {
		return req, nil
	}

	var (
		meta model.ChannelMetadata
		err  error
	)
	switch channel {
	case model.ChannelSMS:
		var m model.SMSMetadata
		err = json.Unmarshal(e.Metadata, &m)
		meta = m
	case model.ChannelChat:
		var m model.ChatMetadata
		err = json.Unmarshal(e.Metadata, &m)
		meta = m
	case model.ChannelCallNote:
		var m model.CallNoteMetadata
		err = json.Unmarshal(e.Metadata, &m)
		meta = m
	default:
		return req, fmt.Errorf("unknown channel %q", e.Channel)
	}
	if err != nil {
		return req, fmt.Errorf("metadata: %w", err)
	}
	req.Metadata = meta
	return req, nil
}

// Dispatch is the body of POST /dispatch. Every field is optional.
type Dispatch struct {
	BatchSize       int  `json:"batch_size"`
	Concurrency     int  `json:"concurrency"`
	DryRun          bool `json:"dry_run"`
	RetryFailedOnly bool `json:"retry_failed_only"`
	Force           bool `json:"force"`
}

func (d *Dispatch) ValidateDispatch() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.BatchSize, validation.Min(0), validation.Max(1000)),
		validation.Field(&d.Concurrency, validation.Min(0), validation.Max(100)),
	)
}

func (d *Dispatch) ToDispatchRequest() model.DispatchRequest {
	return model.DispatchRequest{
		BatchSize:       d.BatchSize,
		Concurrency:     d.Concurrency,
		DryRun:          d.DryRun,
		RetryFailedOnly: d.RetryFailedOnly,
		Force:           d.Force,
	}
}

// DeliveryCallback is the body the provider posts to /callbacks/delivery.
type DeliveryCallback struct {
	MessageID         string     `json:"message_id"`
	Status            string     `json:"status"`
	ProviderMessageID *string    `json:"provider_message_id"`
	SentAt            *time.Time `json:"sent_at"`
	ErrorMessage      *string    `json:"error_message"`
}

func (d *DeliveryCallback) ValidateDeliveryCallback() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.MessageID, validation.Required),
		validation.Field(&d.Status, validation.Required, validation.By(oneOf(string(model.StatusSent), string(model.StatusFailed)))),
	)
}

func (d *DeliveryCallback) ToDeliveryCallback() model.DeliveryCallback {
	return model.DeliveryCallback{
		MessageID:         strings.TrimSpace(d.MessageID),
		Status:            model.Status(upper(d.Status).(string)),
		ProviderMessageID: d.ProviderMessageID,
		SentAt:            d.SentAt,
		ErrorMessage:      d.ErrorMessage,
	}
}

// MessageQuery holds the query string of GET /messages.
type MessageQuery struct {
	Status       string `form:"status"`
	Channel      string `form:"channel"`
	RecipientRef string `form:"recipient_ref"`
	To           string `form:"to"`
	From         string `form:"from"`
	Until        string `form:"until"`
	Limit        int    `form:"limit"`
	Offset       int    `form:"offset"`
}

func (q *MessageQuery) ValidateMessageQuery() error {
	return validation.ValidateStruct(q,
		validation.Field(&q.Status, validation.By(oneOf(string(model.StatusQueued), string(model.StatusSent), string(model.StatusFailed), string(model.StatusSkipped)))),
		validation.Field(&q.Channel, validation.By(oneOf(channels...))),
		validation.Field(&q.From, validation.Date(time.RFC3339)),
		validation.Field(&q.Until, validation.Date(time.RFC3339)),
		validation.Field(&q.Limit, validation.Min(0)),
		validation.Field(&q.Offset, validation.Min(0)),
	)
}

// ToFilter converts a validated query.
func (q *MessageQuery) ToFilter() (model.MessageFilter, error) {
	f := model.MessageFilter{
		Status:       model.Status(upper(q.Status).(string)),
		Channel:      model.Channel(upper(q.Channel).(string)),
		RecipientRef: strings.TrimSpace(q.RecipientRef),
		To:           strings.TrimSpace(q.To),
		Limit:        q.Limit,
		Offset:       q.Offset,
	}
	var err error
	if f.From, err = parseTime(q.From); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Until); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.New("please format dates as RFC 3339, e.g. 2024-04-22T15:28:03+07:00")
	}
	return &t, nil
}
