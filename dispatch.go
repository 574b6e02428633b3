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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/courierhq/courier/internal/events"
	redlock "github.com/courierhq/courier/internal/lock"
	"github.com/courierhq/courier/internal/notification"
	"github.com/courierhq/courier/internal/ratelimit"
	"github.com/courierhq/courier/model"
	"github.com/courierhq/courier/provider"
)

const (
	ReasonQuietHours         = "QUIET_HOURS"
	ReasonDispatchInProgress = "DISPATCH_IN_PROGRESS"
	ReasonSelectFailed       = "SELECT_FAILED"
	ReasonCancelled          = "CANCELLED"

	// ExhaustedPrefix marks a retryable failure that ran out of retries.
	ExhaustedPrefix = "retries exhausted: "

	dispatchLockKey = "courier:dispatch:lock"
	releaseTimeout  = 5 * time.Second
)

// Dispatch runs one batch: select eligible messages, lease them, and send the
// leased ones with bounded parallelism. Per-message failures are counted in
// the summary and never abort the batch; only a failing selection returns an
// error.
func (c *Courier) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchSummary, error) {
	ctx, span := tracer.Start(ctx, "Dispatching messages")
	defer span.End()

	req = c.withDispatchDefaults(req)
	now := c.clock.Now()
	leaseID := model.GenerateUUIDWithSuffix("lease")
	summary := model.NewDispatchSummary(leaseID, req.DryRun, now)
	span.SetAttributes(attribute.String("lease.id", leaseID), attribute.Bool("dispatch.dry_run", req.DryRun))

	log := logrus.WithFields(logrus.Fields{"lease_id": leaseID, "dry_run": req.DryRun, "batch_size": req.BatchSize})

	if !req.Force {
		if c.cfg.Dispatch.InQuietHours(now.In(c.location)) {
			log.Info("inside quiet hours, nothing dispatched")
			summary.Reason = ReasonQuietHours
			return c.finish(summary), nil
		}

		unlock, err := c.acquireDispatchLock(ctx, leaseID)
		switch {
		case errors.Is(err, redlock.ErrLockHeld):
			log.Info("another dispatch is running")
			summary.Reason = ReasonDispatchInProgress
			return c.finish(summary), nil
		case err != nil:
			// the lease claim alone keeps sends exclusive
			log.WithError(err).Warn("dispatch lock unavailable, continuing without it")
		default:
			defer unlock()
		}
	}

	statuses := []model.Status{model.StatusQueued, model.StatusFailed}
	if req.RetryFailedOnly {
		statuses = []model.Status{model.StatusFailed}
	}

	candidates, err := c.datasource.SelectEligible(ctx, now, req.BatchSize, statuses)
	if err != nil {
		span.RecordError(err)
		summary.Ok = false
		summary.Reason = ReasonSelectFailed
		c.finish(summary)
		notification.NotifyError(fmt.Errorf("dispatch %s: selecting eligible messages: %w", leaseID, err))
		return summary, err
	}

	log.WithField("selected", len(candidates)).Info("dispatching eligible messages")

	sem := make(chan struct{}, req.Concurrency)
	var batchWg sync.WaitGroup
	for _, m := range candidates {
		sem <- struct{}{}
		if ctx.Err() != nil {
			<-sem
			summary.Record(m, model.OutcomeSkipped)
			continue
		}
		batchWg.Add(1)
		go func(m *model.OutboundMessage) {
			defer batchWg.Done()
			defer func() { <-sem }()
			summary.Record(m, c.process(ctx, m, leaseID, req.DryRun))
		}(m)
	}
	batchWg.Wait()
	if ctx.Err() != nil {
		log.WithError(ctx.Err()).Warn("dispatch cancelled, unsent messages stay eligible")
		summary.Reason = ReasonCancelled
	}

	c.finish(summary)
	if !summary.Ok {
		notification.NotifyError(fmt.Errorf("dispatch %s finished with %d errors", leaseID, summary.Errors))
	}
	return summary, nil
}

func (c *Courier) withDispatchDefaults(req model.DispatchRequest) model.DispatchRequest {
	if req.BatchSize <= 0 {
		req.BatchSize = c.cfg.Dispatch.BatchSize
	}
	if req.Concurrency <= 0 {
		req.Concurrency = c.cfg.Dispatch.Concurrency
	}
	if req.Concurrency <= 0 {
		req.Concurrency = 1
	}
	if c.sender != nil {
		if a, ok := c.sender.(*provider.Adapter); ok && a.DryRun() {
			req.DryRun = true
		}
	}
	return req
}

func (c *Courier) finish(summary *model.DispatchSummary) *model.DispatchSummary {
	summary.FinishedAt = c.clock.Now()
	c.telemetry.Capture("dispatch_completed", map[string]interface{}{
		"ok":           summary.Ok,
		"processed":    summary.Processed,
		"sent":         summary.Sent,
		"failed":       summary.Failed,
		"rate_limited": summary.RateLimited,
		"dry_run":      summary.DryRun,
	})
	return summary
}

// acquireDispatchLock takes the overlap guard. Redis is used when present so
// the guard spans processes; otherwise it only covers this process.
func (c *Courier) acquireDispatchLock(ctx context.Context, owner string) (func(), error) {
	var locker redlock.Mutex
	if c.redis != nil {
		locker = redlock.NewLocker(c.redis, dispatchLockKey, owner)
	} else {
		locker = c.localLocks.Locker(dispatchLockKey, owner)
	}

	ttl := time.Duration(c.cfg.Dispatch.LockSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := locker.Lock(ctx, ttl); err != nil {
		return nil, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := locker.Unlock(releaseCtx); err != nil {
			logrus.WithError(err).Warn("failed to release dispatch lock")
		}
	}, nil
}

// process leases one message and delivers it. The lease is taken right before
// the send so its whole duration belongs to this message, however long the
// rest of the batch runs.
func (c *Courier) process(ctx context.Context, m *model.OutboundMessage, leaseID string, dryRun bool) model.Outcome {
	if ctx.Err() != nil {
		return model.OutcomeSkipped
	}
	ok, err := c.claim(ctx, m, leaseID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"message_id": m.MessageID, "lease_id": leaseID}).WithError(err).Error("lease claim failed")
		return model.OutcomeError
	}
	if !ok {
		// another worker won it
		return model.OutcomeSkipped
	}
	return c.deliver(ctx, m, leaseID, dryRun)
}

// claim runs the conditional lease UPDATE for m.
func (c *Courier) claim(ctx context.Context, m *model.OutboundMessage, leaseID string) (bool, error) {
	now := c.clock.Now()
	expiresAt := now.Add(c.cfg.LeaseDuration())
	ok, err := c.datasource.ClaimLease(ctx, m.MessageID, leaseID, now, expiresAt)
	if err != nil || !ok {
		return false, err
	}
	m.LeaseID = &leaseID
	m.LeaseExpiresAt = &expiresAt
	return true, nil
}

// deliver sends one leased message and records the result. The lease is
// released on every path, on a context that outlives cancellation of ctx.
// Nothing is sent once ctx is done.
func (c *Courier) deliver(ctx context.Context, m *model.OutboundMessage, leaseID string, dryRun bool) model.Outcome {
	ctx, span := tracer.Start(ctx, "Delivering message")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", m.MessageID), attribute.String("message.priority", string(m.Priority)))

	log := logrus.WithFields(logrus.Fields{
		"message_id": m.MessageID,
		"lease_id":   leaseID,
		"channel":    m.Channel,
		"priority":   m.Priority,
	})
	defer c.releaseLease(ctx, m.MessageID, leaseID)

	if ctx.Err() != nil {
		return model.OutcomeSkipped
	}
	if m.LeaseExpiresAt == nil || !c.clock.Now().Before(*m.LeaseExpiresAt) {
		log.Error("lease expired before send")
		return model.OutcomeError
	}

	allowed, err := c.checkRateLimit(ctx, dryRun)
	if err != nil {
		log.WithError(err).Error("rate limiter unavailable")
		return model.OutcomeError
	}
	if !allowed {
		log.Info("daily send cap reached, lease released")
		c.announce(webhookEvent(model.OutcomeRateLimited), m)
		return model.OutcomeRateLimited
	}

	res := c.sender.Send(ctx, model.Delivery{
		MessageID:    m.MessageID,
		Channel:      m.Channel,
		To:           deref(m.To),
		Text:         m.RenderedText,
		RecipientRef: deref(m.RecipientRef),
		Metadata:     m.Metadata,
		DryRun:       dryRun,
	})
	now := c.clock.Now()

	// the provider may have delivered already, so the outcome is written even
	// if the dispatch was cancelled mid-send
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if res.Success {
		if err := c.datasource.MarkSent(persistCtx, m.MessageID, leaseID, res.ProviderMessageID, now); err != nil {
			span.RecordError(err)
			log.WithError(err).Error("failed to record send")
			return model.OutcomeError
		}
		m.Status = model.StatusSent
		m.SentAt = &now
		m.ProviderMessageID = &res.ProviderMessageID
		m.NextAttemptAt, m.LeaseID, m.LeaseExpiresAt, m.Error = nil, nil, nil, nil
		log.WithField("provider_message_id", res.ProviderMessageID).Info("message sent")
		c.publish(persistCtx, events.MessageSent, m)
		c.announce(webhookEvent(model.OutcomeSent), m)
		return model.OutcomeSent
	}

	update := c.failureUpdate(m, res, now)
	if err := c.datasource.MarkFailed(persistCtx, m.MessageID, leaseID, update, now); err != nil {
		span.RecordError(err)
		log.WithError(err).Error("failed to record failure")
		return model.OutcomeError
	}
	m.Status = model.StatusFailed
	m.RetryCount = update.RetryCount
	m.NextAttemptAt = update.NextAttemptAt
	m.Error = &update.Error
	m.LeaseID, m.LeaseExpiresAt = nil, nil

	eventType := events.MessageFailed
	if update.NextAttemptAt != nil {
		eventType = events.MessageRetry
		log.WithFields(logrus.Fields{"retry_count": update.RetryCount, "next_attempt_at": update.NextAttemptAt}).Warn(update.Error)
	} else {
		log.Warn(update.Error)
	}
	c.publish(persistCtx, eventType, m)
	c.announce(webhookEvent(model.OutcomeFailed), m)
	return model.OutcomeFailed
}

// checkRateLimit consumes one unit of today's quota. Dry runs only look.
func (c *Courier) checkRateLimit(ctx context.Context, dryRun bool) (bool, error) {
	if dryRun {
		st, err := c.limiter.Status(ctx)
		if err != nil {
			return false, err
		}
		return ratelimit.HasCapacity(st), nil
	}
	return c.limiter.TryConsume(ctx)
}

// failureUpdate turns a failed send into the row update. Terminal failures and
// exhausted retries leave retry_count as is and schedule nothing.
func (c *Courier) failureUpdate(m *model.OutboundMessage, res provider.Result, now time.Time) model.FailureUpdate {
	reason := res.Error()
	if !res.Retryable {
		return model.FailureUpdate{RetryCount: m.RetryCount, Error: reason}
	}
	next := m.RetryCount + 1
	if c.policy.Exhausted(next) {
		return model.FailureUpdate{RetryCount: m.RetryCount, Error: ExhaustedPrefix + reason}
	}
	at := now.Add(c.policy.NextDelay(m.RetryCount))
	return model.FailureUpdate{RetryCount: next, NextAttemptAt: &at, Error: reason}
}

// releaseLease is a no-op after MarkSent/MarkFailed, which already cleared
// the lease; it matters for rate-limited and errored messages.
func (c *Courier) releaseLease(ctx context.Context, id, leaseID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := c.datasource.ReleaseLease(releaseCtx, id, leaseID); err != nil {
		logrus.WithFields(logrus.Fields{"message_id": id, "lease_id": leaseID}).WithError(err).Error("failed to release lease")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
