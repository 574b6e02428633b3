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
	"time"
)

// ReasonDuplicateToday marks a message skipped by the per-day dedup rule.
const ReasonDuplicateToday = "DUPLICATE_TODAY"

// OutboundMessage is a single queued notification and its delivery state.
type OutboundMessage struct {
	MessageID         string          `json:"message_id"`
	Channel           Channel         `json:"channel"`
	To                *string         `json:"to,omitempty"`
	TemplateKey       string          `json:"template_key"`
	RenderedText      string          `json:"rendered_text"`
	Status            Status          `json:"status"`
	Priority          Priority        `json:"priority"`
	NextAttemptAt     *time.Time      `json:"next_attempt_at,omitempty"`
	RetryCount        int             `json:"retry_count"`
	LeaseID           *string         `json:"lease_id,omitempty"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	Error             *string         `json:"error,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DispatchedAt      *time.Time      `json:"dispatched_at,omitempty"`
	RecipientRef      *string         `json:"recipient_ref,omitempty"`
	OwnerID           *string         `json:"owner_id,omitempty"`
	DedupKey          string          `json:"dedup_key,omitempty"`
	Metadata          ChannelMetadata `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MarshalJSON renders Metadata with its discriminator so clients can tell variants apart.
func (m OutboundMessage) MarshalJSON() ([]byte, error) {
	type alias OutboundMessage
	var meta json.RawMessage
	if m.Metadata != nil {
		raw, err := EncodeMetadata(m.Metadata)
		if err != nil {
			return nil, err
		}
		meta = raw
	}
	return json.Marshal(struct {
		alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias: alias(m), Metadata: meta})
}

// Eligible reports whether the message may be leased for dispatch at now.
func (m *OutboundMessage) Eligible(now time.Time) bool {
	if m.Status != StatusQueued && m.Status != StatusFailed {
		return false
	}
	if m.NextAttemptAt == nil || m.NextAttemptAt.After(now) {
		return false
	}
	return m.LeaseExpiresAt == nil || m.LeaseExpiresAt.Before(now)
}

// Owner returns the owner id used for reporting breakdowns.
func (m *OutboundMessage) Owner() string {
	if m.OwnerID == nil || *m.OwnerID == "" {
		return UnassignedOwner
	}
	return *m.OwnerID
}

// UnassignedOwner is the breakdown bucket for messages with no owner.
const UnassignedOwner = "unassigned"

// MessageFilter narrows ListMessages. Zero values mean "any".
type MessageFilter struct {
	Status       Status
	Channel      Channel
	RecipientRef string
	To           string
	From         *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps pagination to sane bounds.
func (f *MessageFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Delivery is what the provider adapter needs to send one message.
type Delivery struct {
	MessageID    string
	Channel      Channel
	To           string
	Text         string
	RecipientRef string
	Metadata     ChannelMetadata
	// DryRun skips the provider and reports a synthetic success.
	DryRun bool
}

// FailureUpdate records a failed attempt. A nil NextAttemptAt makes the failure terminal.
type FailureUpdate struct {
	RetryCount    int
	NextAttemptAt *time.Time
	Error         string
}
