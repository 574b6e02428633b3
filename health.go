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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/database"
	"github.com/courierhq/courier/model"
)

// Health section names reported in HealthSummary.Unavailable.
const (
	SectionCountsByStatus = "counts_by_status"
	SectionFailures       = "failures"
	SectionSent24h        = "sent_24h"
	SectionDueSoon        = "due_soon"
	SectionLeased         = "leased"
	SectionByPriority     = "by_priority"
	SectionByOwner        = "by_owner"
	SectionRateLimit      = "rate_limit"
	SectionDispatchQueue  = "dispatch_queue"
)

// Health reads a snapshot of the store. Every section is queried on its own;
// a section the store cannot answer because it is not fully migrated is
// listed as unavailable, any other failure fails the read.
func (c *Courier) Health(ctx context.Context) (*model.HealthSummary, error) {
	ctx, span := tracer.Start(ctx, "Reading health summary")
	defer span.End()

	now := c.clock.Now()
	h := &model.HealthSummary{GeneratedAt: now}
	dueSoon := time.Duration(c.cfg.Health.DueSoonMinutes) * time.Minute

	sections := []struct {
		name string
		read func() error
	}{
		{SectionCountsByStatus, func() (err error) { h.CountsByStatus, err = c.datasource.CountByStatus(ctx); return }},
		{SectionFailures, func() (err error) { h.Failures, err = c.datasource.CountFailures(ctx); return }},
		{SectionSent24h, func() (err error) { h.Sent24h, err = c.datasource.CountSentSince(ctx, now.Add(-24*time.Hour)); return }},
		{SectionDueSoon, func() (err error) { h.DueSoon, err = c.datasource.CountDueBefore(ctx, now.Add(dueSoon)); return }},
		{SectionLeased, func() (err error) { h.Leased, err = c.datasource.CountLeased(ctx, now); return }},
		{SectionByPriority, func() (err error) { h.ByPriority, err = c.datasource.CountPendingByPriority(ctx); return }},
		{SectionByOwner, func() (err error) { h.ByOwner, err = c.datasource.CountPendingByOwner(ctx); return }},
	}

	for _, s := range sections {
		err := s.read()
		if err == nil {
			continue
		}
		if database.IsUndefinedSchema(err) {
			logrus.WithField("section", s.name).WithError(err).Warn("health section unavailable on this schema")
			h.Unavailable = append(h.Unavailable, s.name)
			continue
		}
		span.RecordError(err)
		return nil, err
	}

	st, err := c.limiter.Status(ctx)
	if err != nil {
		logrus.WithError(err).Warn("rate limit status unavailable")
		h.Unavailable = append(h.Unavailable, SectionRateLimit)
	} else {
		h.RateLimit = &st
	}

	if c.queue != nil {
		pending, err := c.queue.PendingDispatches()
		if err != nil {
			logrus.WithError(err).Warn("dispatch queue unavailable")
			h.Unavailable = append(h.Unavailable, SectionDispatchQueue)
		} else {
			h.PendingDispatches = &pending
		}
	}
	return h, nil
}

// RateLimitStatus reports today's provider quota usage.
func (c *Courier) RateLimitStatus(ctx context.Context) (model.RateLimitStatus, error) {
	return c.limiter.Status(ctx)
}
