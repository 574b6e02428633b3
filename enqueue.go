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
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"
	"github.com/wacul/ptr"

	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/internal/clock"
	"github.com/courierhq/courier/internal/events"
	"github.com/courierhq/courier/internal/render"
	"github.com/courierhq/courier/model"
)

const templateCacheTTL = 5 * time.Minute

// maxSuggestionDistance bounds how different a key may be and still be offered
// as a "did you mean" hint.
const maxSuggestionDistance = 4

// Enqueue renders a template for one recipient and stores it as a QUEUED
// message. A second message for the same recipient and template on the same
// business day is recorded as SKIPPED instead.
func (c *Courier) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error) {
	ctx, span := tracer.Start(ctx, "Enqueueing message")
	defer span.End()

	if err := normalizeEnqueue(&req); err != nil {
		span.RecordError(err)
		return nil, err
	}

	tpl, err := c.activeTemplate(ctx, req.TemplateKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	recipient, err := c.lookupRecipient(ctx, req.RecipientRef)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	to := req.To
	if to == "" && recipient != nil {
		to = recipient.AddressFor(req.Channel)
	}
	if req.Channel.RequiresAddress() && to == "" {
		return nil, apierror.NewAPIError(apierror.ErrMissingRecipient,
			fmt.Sprintf("No %s address for recipient '%s'", req.Channel, req.RecipientRef), nil)
	}

	ownerID := req.OwnerID
	var attributes map[string]string
	if recipient != nil {
		attributes = recipient.Attributes
		if ownerID == "" && recipient.OwnerID != nil {
			ownerID = *recipient.OwnerID
		}
	}

	now := c.clock.Now()
	identity := req.RecipientRef
	if identity == "" {
		identity = to
	}

	msg := &model.OutboundMessage{
		MessageID:     model.GenerateUUIDWithSuffix("msg"),
		Channel:       req.Channel,
		To:            optional(to),
		TemplateKey:   tpl.TemplateKey,
		RenderedText:  render.Render(tpl.Body, render.Merge(tpl.DefaultVariables, attributes, req.Variables)),
		Status:        model.StatusQueued,
		Priority:      req.Priority,
		NextAttemptAt: &now,
		RecipientRef:  optional(req.RecipientRef),
		OwnerID:       optional(ownerID),
		DedupKey:      c.dedupKey(identity, tpl.TemplateKey, req.Channel, now),
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	log := logrus.WithFields(logrus.Fields{"message_id": msg.MessageID, "template_key": msg.TemplateKey, "channel": msg.Channel})
	if missing := render.Missing(tpl.Body, render.Merge(tpl.DefaultVariables, attributes, req.Variables)); len(missing) > 0 {
		log.WithField("missing", missing).Warn("template rendered with unresolved placeholders")
	}

	err = c.datasource.InsertMessage(ctx, msg)
	if err == nil {
		log.Info("message queued")
		c.publish(ctx, events.MessageQueued, msg)
		return &model.EnqueueResult{Message: msg}, nil
	}
	if !apierror.HasCode(err, apierror.ErrConflict) {
		span.RecordError(err)
		return nil, err
	}

	// the partial unique index ignores SKIPPED rows, so the audit row keeps the key
	skipped := *msg
	skipped.MessageID = model.GenerateUUIDWithSuffix("msg")
	skipped.Status = model.StatusSkipped
	skipped.NextAttemptAt = nil
	skipped.Error = ptr.String(model.ReasonDuplicateToday)
	if err := c.datasource.InsertMessage(ctx, &skipped); err != nil {
		span.RecordError(err)
		return nil, err
	}
	log.WithField("dedup_key", msg.DedupKey).Info("duplicate for today, recorded as skipped")
	c.publish(ctx, events.MessageSkipped, &skipped)
	return &model.EnqueueResult{Message: &skipped, Skipped: true, Reason: model.ReasonDuplicateToday}, nil
}

func normalizeEnqueue(req *model.EnqueueRequest) error {
	req.Channel = model.Channel(strings.ToUpper(strings.TrimSpace(string(req.Channel))))
	req.TemplateKey = strings.TrimSpace(req.TemplateKey)
	req.RecipientRef = strings.TrimSpace(req.RecipientRef)
	req.To = strings.TrimSpace(req.To)
	req.OwnerID = strings.TrimSpace(req.OwnerID)

	if !req.Channel.Valid() {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown channel '%s'", req.Channel), nil)
	}
	if req.TemplateKey == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "template_key is required", nil)
	}
	if req.RecipientRef == "" && req.To == "" {
		// the dedup key is built from one of them
		return apierror.NewAPIError(apierror.ErrInvalidInput, "recipient_ref or to is required", nil)
	}
	priority, err := model.ParsePriority(string(req.Priority))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	req.Priority = priority

	if req.Metadata == nil {
		req.Metadata, _ = model.DefaultMetadata(req.Channel)
	} else if req.Metadata.Channel() != req.Channel {
		return apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("%s metadata cannot be used on the %s channel", req.Metadata.Channel(), req.Channel), nil)
	}
	return nil
}

// dedupKey is recipient|template[|channel]|business-day.
func (c *Courier) dedupKey(identity, templateKey string, channel model.Channel, now time.Time) string {
	parts := []string{identity, templateKey}
	if c.cfg.Dedup.IncludeChannel {
		parts = append(parts, string(channel))
	}
	parts = append(parts, clock.BusinessDay(now, c.location))
	return strings.Join(parts, "|")
}

// activeTemplate loads a template through the cache. Missing and inactive
// templates are reported the same way, with the closest active key as a hint.
func (c *Courier) activeTemplate(ctx context.Context, key string) (*model.Template, error) {
	var tpl model.Template
	err := c.cache.Once(ctx, "template:"+key, &tpl, templateCacheTTL, func() (interface{}, error) {
		return c.datasource.GetTemplate(ctx, key)
	})
	if err != nil && !apierror.HasCode(err, apierror.ErrNotFound) {
		return nil, err
	}
	if err == nil && tpl.Active {
		return &tpl, nil
	}

	notFound := apierror.NewAPIError(apierror.ErrTemplateNotFound, fmt.Sprintf("Template '%s' not found or inactive", key), nil)
	if suggestion := c.suggestTemplate(ctx, key); suggestion != "" {
		notFound.Details = map[string]string{"did_you_mean": suggestion}
	}
	return nil, notFound
}

func (c *Courier) suggestTemplate(ctx context.Context, key string) string {
	keys, err := c.datasource.ListActiveTemplateKeys(ctx)
	if err != nil {
		return ""
	}
	best, bestDistance := "", maxSuggestionDistance+1
	for _, k := range keys {
		d := levenshtein.DistanceForStrings([]rune(key), []rune(k), levenshtein.DefaultOptions)
		if d < bestDistance {
			best, bestDistance = k, d
		}
	}
	return best
}

// lookupRecipient returns nil when ref is empty or unknown to the directory.
func (c *Courier) lookupRecipient(ctx context.Context, ref string) (*model.Recipient, error) {
	if ref == "" {
		return nil, nil
	}
	r, err := c.datasource.GetRecipient(ctx, ref)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return ptr.String(s)
}
