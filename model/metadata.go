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
	"fmt"
	"time"
)

// ChannelMetadata is the channel specific part of a message. The set of
// implementations is closed: only the types in this file satisfy it.
type ChannelMetadata interface {
	Channel() Channel
	sealed()
}

// SMSMetadata carries SMS gateway options.
type SMSMetadata struct {
	SenderID string `json:"sender_id,omitempty"`
}

// ChatMetadata carries chat platform options.
type ChatMetadata struct {
	ThreadID  string `json:"thread_id,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// CallNoteMetadata describes a call reminder note attached to a CRM record.
type CallNoteMetadata struct {
	Subject string     `json:"subject,omitempty"`
	CallAt  *time.Time `json:"call_at,omitempty"`
}

func (SMSMetadata) Channel() Channel      { return ChannelSMS }
func (ChatMetadata) Channel() Channel     { return ChannelChat }
func (CallNoteMetadata) Channel() Channel { return ChannelCallNote }

func (SMSMetadata) sealed()      {}
func (ChatMetadata) sealed()     {}
func (CallNoteMetadata) sealed() {}

// DefaultMetadata returns the zero metadata for a channel.
func DefaultMetadata(c Channel) (ChannelMetadata, error) {
	switch c {
	case ChannelSMS:
		return SMSMetadata{}, nil
	case ChannelChat:
		return ChatMetadata{}, nil
	case ChannelCallNote:
		return CallNoteMetadata{}, nil
	}
	return nil, fmt.Errorf("unknown channel %q", c)
}

type metadataEnvelope struct {
	Kind Channel         `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeMetadata serializes metadata together with its discriminator.
func EncodeMetadata(m ChannelMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metadataEnvelope{Kind: m.Channel(), Data: data})
}

// DecodeMetadata restores metadata persisted by EncodeMetadata. Empty input yields nil.
func DecodeMetadata(raw []byte) (ChannelMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	var (
		m   ChannelMetadata
		err error
	)
	switch env.Kind {
	case ChannelSMS:
		var v SMSMetadata
		err = unmarshalData(env.Data, &v)
		m = v
	case ChannelChat:
		var v ChatMetadata
		err = unmarshalData(env.Data, &v)
		m = v
	case ChannelCallNote:
		var v CallNoteMetadata
		err = unmarshalData(env.Data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
