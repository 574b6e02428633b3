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
// Package provider hides the external delivery providers behind Adapter.
// Send never returns an error: every outcome, including transport failures,
// is a Result classified as success, terminal failure or retryable failure.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/model"
)

var tracer = otel.Tracer("courier.provider")

// Adapter routes a delivery to the sender for its channel.
type Adapter struct {
	sms         SMSSender
	chat        ChatSender
	notes       NoteSender
	dryRun      bool
	countryCode string
	timeout     time.Duration
	baseDelay   time.Duration
	maxAttempts int
}

// Option customizes an Adapter.
type Option func(*Adapter)

func WithSMSSender(s SMSSender) Option   { return func(a *Adapter) { a.sms = s } }
func WithChatSender(s ChatSender) Option { return func(a *Adapter) { a.chat = s } }
func WithNoteSender(s NoteSender) Option { return func(a *Adapter) { a.notes = s } }

// NewAdapter builds the HTTP senders described by cfg. Channels whose
// provider URL is empty have no sender and fail with UNAVAILABLE, except call
// notes which fall back to local recording.
func NewAdapter(cfg config.ProviderConfig, opts ...Option) *Adapter {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	a := &Adapter{
		dryRun:      cfg.DryRun,
		countryCode: cfg.DefaultCountryCode,
		timeout:     timeout,
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		maxAttempts: cfg.MaxAttempts,
		notes:       &CallNoteSender{URL: cfg.NotesURL, Client: client},
	}
	if cfg.SMSURL != "" {
		a.sms = &SMSGateway{URL: cfg.SMSURL, APIKey: cfg.SMSAPIKey, SenderID: cfg.SMSSenderID, Client: client}
	}
	if cfg.ChatURL != "" {
		a.chat = &ChatWebhook{URL: cfg.ChatURL, Token: cfg.ChatToken, Client: client}
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = 1
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DryRun reports whether the adapter is globally in dry-run mode.
func (a *Adapter) DryRun() bool {
	return a.dryRun
}

// Send delivers d once from the caller's point of view, retrying retryable
// failures internally up to the configured number of attempts.
func (a *Adapter) Send(ctx context.Context, d model.Delivery) Result {
	ctx, span := tracer.Start(ctx, "Sending message to provider")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", d.MessageID), attribute.String("message.channel", string(d.Channel)))

	log := logrus.WithFields(logrus.Fields{"message_id": d.MessageID, "channel": d.Channel})

	if a.dryRun || d.DryRun {
		log.Info("dry run: provider not contacted")
		return success(model.GenerateUUIDWithSuffix("dryrun"))
	}

	send, res, ok := a.prepare(d)
	if !ok {
		log.WithField("error_code", res.ErrorCode).Warn("delivery rejected before send")
		return res
	}

	id, err := a.withRetry(ctx, send)
	if err != nil {
		res := failure(err)
		span.RecordError(err)
		span.SetAttributes(attribute.String("provider.error_code", res.ErrorCode), attribute.Bool("provider.retryable", res.Retryable))
		log.WithFields(logrus.Fields{"error_code": res.ErrorCode, "retryable": res.Retryable}).Warn(res.ErrorMessage)
		return res
	}
	return success(id)
}

type sendFunc func(ctx context.Context) (string, error)

// prepare validates d and picks its sender. A false ok carries the terminal result.
func (a *Adapter) prepare(d model.Delivery) (sendFunc, Result, bool) {
	meta := d.Metadata
	if meta == nil {
		var err error
		if meta, err = model.DefaultMetadata(d.Channel); err != nil {
			return nil, failure(NewSendError(CodeUnsupported, err.Error())), false
		}
	}
	if meta.Channel() != d.Channel {
		return nil, failure(NewSendError(CodeUnsupported, fmt.Sprintf("%s metadata on a %s message", meta.Channel(), d.Channel))), false
	}

	switch m := meta.(type) {
	case model.SMSMetadata:
		phone, err := CanonicalPhone(d.To, a.countryCode)
		if err != nil {
			return nil, failure(NewSendError(CodeInvalidDestination, err.Error())), false
		}
		if a.sms == nil {
			return nil, failure(NewSendError(CodeUnavailable, "no SMS provider configured")), false
		}
		return func(ctx context.Context) (string, error) {
			return a.sms.SendSMS(ctx, d.MessageID, phone, d.Text, m)
		}, Result{}, true

	case model.ChatMetadata:
		if d.To == "" {
			return nil, failure(NewSendError(CodeInvalidDestination, "chat address is empty")), false
		}
		if a.chat == nil {
			return nil, failure(NewSendError(CodeUnavailable, "no chat provider configured")), false
		}
		return func(ctx context.Context) (string, error) {
			return a.chat.SendChat(ctx, d.MessageID, d.To, d.Text, m)
		}, Result{}, true

	case model.CallNoteMetadata:
		return func(ctx context.Context) (string, error) {
			return a.notes.SendNote(ctx, d.MessageID, d.RecipientRef, d.Text, m)
		}, Result{}, true
	}
	return nil, failure(NewSendError(CodeUnsupported, fmt.Sprintf("unsupported metadata %T", meta))), false
}

// withRetry runs send with exponential backoff of baseDelay*2^attempt. Terminal
// failures stop immediately.
func (a *Adapter) withRetry(ctx context.Context, send sendFunc) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = a.baseDelay << 10
	b.MaxElapsedTime = 0

	var id string
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		var err error
		id, err = send(attemptCtx)
		if err == nil {
			return nil
		}
		if se := classify(err); !se.Retryable {
			return backoff.Permanent(se)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Debugf("provider send failed, retrying: %v", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return "", perm.Err
		}
		return "", err
	}
	return id, nil
}
