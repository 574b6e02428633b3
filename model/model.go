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
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Channel is the delivery medium of an outbound message.
type Channel string

const (
	ChannelSMS      Channel = "SMS"
	ChannelChat     Channel = "CHAT"
	ChannelCallNote Channel = "CALL_NOTE"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelSMS, ChannelChat, ChannelCallNote}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelChat, ChannelCallNote:
		return true
	}
	return false
}

// RequiresAddress reports whether messages on this channel need a recipient address.
// Call notes are attached to the CRM record and have no destination.
func (c Channel) RequiresAddress() bool {
	return c == ChannelSMS || c == ChannelChat
}

// Status is the lifecycle state of an outbound message.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusQueued, StatusSent, StatusFailed, StatusSkipped}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Priority orders work within a dispatch batch.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Priorities lists priorities from highest to lowest.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns a sortable weight, higher means dispatched first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority normalizes a user supplied priority, defaulting to MEDIUM when empty.
func ParsePriority(s string) (Priority, error) {
	if strings.TrimSpace(s) == "" {
		return PriorityMedium, nil
	}
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// GenerateUUIDWithSuffix returns "<module>_<uuid>", the identifier format used for
// messages, leases and synthetic provider ids.
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}
