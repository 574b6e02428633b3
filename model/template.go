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

import "time"

// Template is a message body looked up by key. Courier never edits templates.
type Template struct {
	TemplateKey      string            `json:"template_key"`
	Body             string            `json:"body"`
	Active           bool              `json:"active"`
	DefaultVariables map[string]string `json:"default_variables,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Recipient is a read-only view of a CRM record.
type Recipient struct {
	RecipientRef string            `json:"recipient_ref"`
	Phone        *string           `json:"phone,omitempty"`
	ChatAddress  *string           `json:"chat_address,omitempty"`
	OwnerID      *string           `json:"owner_id,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// AddressFor returns the recipient address used by channel, or "" when none is on file.
func (r *Recipient) AddressFor(c Channel) string {
	var addr *string
	switch c {
	case ChannelSMS:
		addr = r.Phone
	case ChannelChat:
		addr = r.ChatAddress
	}
	if addr == nil {
		return ""
	}
	return *addr
}

// EnqueueRequest asks Courier to create a message.
type EnqueueRequest struct {
	Channel      Channel
	TemplateKey  string
	RecipientRef string
	To           string
	Variables    map[string]string
	Priority     Priority
	OwnerID      string
	Metadata     ChannelMetadata
}

// EnqueueResult is the created row. Skipped results carry the audit reason.
type EnqueueResult struct {
	Message *OutboundMessage `json:"message"`
	Skipped bool             `json:"skipped"`
	Reason  string           `json:"reason,omitempty"`
}

// DeliveryCallback is a late status report from the provider.
type DeliveryCallback struct {
	MessageID         string     `json:"message_id"`
	Status            Status     `json:"status"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
}
