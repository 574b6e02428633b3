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
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/internal/clock"
	"github.com/courierhq/courier/internal/ratelimit"
	"github.com/courierhq/courier/model"
	"github.com/courierhq/courier/provider"
)

// memStore is an in-memory IDataSource with the same atomicity guarantees as
// the Postgres store: one mutex stands in for row locks and unique indexes.
type memStore struct {
	mu         sync.Mutex
	messages   map[string]*model.OutboundMessage
	templates  map[string]*model.Template
	recipients map[string]*model.Recipient
	selectErr  error
}

func newMemStore() *memStore {
	return &memStore{
		messages:   map[string]*model.OutboundMessage{},
		templates:  map[string]*model.Template{},
		recipients: map[string]*model.Recipient{},
	}
}

func (s *memStore) addTemplate(key, body string, active bool, defaults map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[key] = &model.Template{TemplateKey: key, Body: body, Active: active, DefaultVariables: defaults}
}

func (s *memStore) addRecipient(r *model.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.RecipientRef] = r
}

// seed inserts a due QUEUED message directly.
func (s *memStore) seed(id string, priority model.Priority, due time.Time) *model.OutboundMessage {
	m := &model.OutboundMessage{
		MessageID:     id,
		Channel:       model.ChannelSMS,
		To:            ptr.String("0901234567"),
		TemplateKey:   "remind_remaining",
		RenderedText:  "Hi " + id,
		Status:        model.StatusQueued,
		Priority:      priority,
		NextAttemptAt: &due,
		Metadata:      model.SMSMetadata{},
		CreatedAt:     due,
		UpdatedAt:     due,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = m
	return clone(m)
}

func (s *memStore) get(id string) *model.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		return clone(m)
	}
	return nil
}

func (s *memStore) all() []*model.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.OutboundMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, clone(m))
	}
	return out
}

func (s *memStore) update(id string, fn func(m *model.OutboundMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.messages[id])
}

func (s *memStore) stealLease(id, leaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id].LeaseID = &leaseID
}

func clone(m *model.OutboundMessage) *model.OutboundMessage {
	c := *m
	return &c
}

func (s *memStore) InsertMessage(_ context.Context, m *model.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.MessageID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "duplicate message id", nil)
	}
	if m.Status != model.StatusSkipped && m.DedupKey != "" {
		for _, existing := range s.messages {
			if existing.Status != model.StatusSkipped && existing.DedupKey == m.DedupKey {
				return apierror.NewAPIError(apierror.ErrConflict, "A message with this dedup key already exists", nil)
			}
		}
	}
	s.messages[m.MessageID] = clone(m)
	return nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (*model.OutboundMessage, error) {
	if m := s.get(id); m != nil {
		return m, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Message with ID '%s' not found", id), nil)
}

func (s *memStore) ListMessages(_ context.Context, f model.MessageFilter) ([]*model.OutboundMessage, error) {
	f.Normalize()
	var out []*model.OutboundMessage
	for _, m := range s.all() {
		if f.Status != "" && m.Status != f.Status ||
			f.Channel != "" && m.Channel != f.Channel ||
			f.RecipientRef != "" && deref(m.RecipientRef) != f.RecipientRef ||
			f.To != "" && deref(m.To) != f.To ||
			f.From != nil && m.CreatedAt.Before(*f.From) ||
			f.Until != nil && !m.CreatedAt.Before(*f.Until) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset >= len(out) {
		return []*model.OutboundMessage{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) SelectEligible(_ context.Context, now time.Time, limit int, statuses []model.Status) ([]*model.OutboundMessage, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	allowed := map[model.Status]bool{}
	for _, st := range statuses {
		allowed[st] = true
	}
	var out []*model.OutboundMessage
	for _, m := range s.all() {
		if allowed[m.Status] && m.Eligible(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ClaimLease(ctx context.Context, id, leaseID string, now, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || !m.Eligible(now) {
		return false, nil
	}
	m.LeaseID = &leaseID
	m.LeaseExpiresAt = &expiresAt
	m.DispatchedAt = &now
	return true, nil
}

func (s *memStore) leased(id, leaseID string) (*model.OutboundMessage, error) {
	m, ok := s.messages[id]
	if !ok || m.LeaseID == nil || *m.LeaseID != leaseID {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Lease on message '%s' was lost", id), nil)
	}
	return m, nil
}

func (s *memStore) MarkSent(ctx context.Context, id, leaseID, providerMessageID string, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.leased(id, leaseID)
	if err != nil {
		return err
	}
	m.Status = model.StatusSent
	m.SentAt = &sentAt
	m.ProviderMessageID = &providerMessageID
	m.Error, m.NextAttemptAt, m.LeaseID, m.LeaseExpiresAt = nil, nil, nil, nil
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id, leaseID string, u model.FailureUpdate, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.leased(id, leaseID)
	if err != nil {
		return err
	}
	m.Status = model.StatusFailed
	m.RetryCount = u.RetryCount
	m.NextAttemptAt = u.NextAttemptAt
	m.Error = ptr.String(u.Error)
	m.LeaseID, m.LeaseExpiresAt = nil, nil
	return nil
}

func (s *memStore) ReleaseLease(ctx context.Context, id, leaseID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.LeaseID == nil || *m.LeaseID != leaseID {
		return false, nil
	}
	m.LeaseID, m.LeaseExpiresAt = nil, nil
	return true, nil
}

func (s *memStore) ApplyCallback(_ context.Context, cb model.DeliveryCallback, now time.Time) (*model.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[cb.MessageID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Message with ID '%s' not found", cb.MessageID), nil)
	}
	before := *clone(m)
	m.Status = cb.Status
	if cb.ProviderMessageID != nil {
		m.ProviderMessageID = cb.ProviderMessageID
	}
	switch {
	case cb.SentAt != nil:
		m.SentAt = cb.SentAt
	case m.SentAt == nil && cb.Status == model.StatusSent:
		m.SentAt = &now
	}
	m.Error = nil
	if cb.Status == model.StatusFailed {
		msg := "delivery failed"
		if cb.ErrorMessage != nil && *cb.ErrorMessage != "" {
			msg = *cb.ErrorMessage
		}
		m.Error = &msg
	}
	m.NextAttemptAt = nil
	if callbackChanged(&before, m) {
		m.UpdatedAt = now
	}
	return clone(m), nil
}

func callbackChanged(a, b *model.OutboundMessage) bool {
	return a.Status != b.Status ||
		deref(a.ProviderMessageID) != deref(b.ProviderMessageID) ||
		deref(a.Error) != deref(b.Error) ||
		!timesEqual(a.SentAt, b.SentAt) ||
		a.NextAttemptAt != nil
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *memStore) GetTemplate(_ context.Context, key string) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.templates[key]; ok {
		c := *t
		return &c, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Template '%s' not found", key), nil)
}

func (s *memStore) ListActiveTemplateKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []string{}
	for k, t := range s.templates {
		if t.Active {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) GetRecipient(_ context.Context, ref string) (*model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recipients[ref]; ok {
		return r, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Recipient '%s' not found", ref), nil)
}

func pending(m *model.OutboundMessage) bool {
	return (m.Status == model.StatusQueued || m.Status == model.StatusFailed) && m.NextAttemptAt != nil
}

func (s *memStore) CountByStatus(_ context.Context) (map[model.Status]int64, error) {
	counts := map[model.Status]int64{}
	for _, st := range model.Statuses {
		counts[st] = 0
	}
	for _, m := range s.all() {
		counts[m.Status]++
	}
	return counts, nil
}

func (s *memStore) CountFailures(_ context.Context) (model.FailureCounts, error) {
	var fc model.FailureCounts
	for _, m := range s.all() {
		if m.Status != model.StatusFailed {
			continue
		}
		if m.NextAttemptAt == nil {
			fc.Terminal++
		} else {
			fc.InRetry++
		}
	}
	return fc, nil
}

func (s *memStore) CountSentSince(_ context.Context, since time.Time) (int64, error) {
	var n int64
	for _, m := range s.all() {
		if m.Status == model.StatusSent && m.SentAt != nil && !m.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountDueBefore(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for _, m := range s.all() {
		if pending(m) && !m.NextAttemptAt.After(before) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountLeased(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, m := range s.all() {
		if m.LeaseExpiresAt != nil && m.LeaseExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountPendingByPriority(_ context.Context) (map[model.Priority]int64, error) {
	counts := map[model.Priority]int64{}
	for _, m := range s.all() {
		if pending(m) {
			counts[m.Priority]++
		}
	}
	return counts, nil
}

func (s *memStore) CountPendingByOwner(_ context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, m := range s.all() {
		if pending(m) {
			counts[m.Owner()]++
		}
	}
	return counts, nil
}

// stubSender records every delivery and answers with result, or success.
type stubSender struct {
	mu     sync.Mutex
	calls  map[string]int
	order  []string
	result func(d model.Delivery) provider.Result
}

func newStubSender(result func(d model.Delivery) provider.Result) *stubSender {
	return &stubSender{calls: map[string]int{}, result: result}
}

func (s *stubSender) Send(_ context.Context, d model.Delivery) provider.Result {
	s.mu.Lock()
	s.calls[d.MessageID]++
	s.order = append(s.order, d.MessageID)
	s.mu.Unlock()

	if d.DryRun {
		return provider.Result{Success: true, ProviderMessageID: model.GenerateUUIDWithSuffix("dryrun")}
	}
	if s.result != nil {
		return s.result(d)
	}
	return provider.Result{Success: true, ProviderMessageID: "prov_" + d.MessageID}
}

func (s *stubSender) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *stubSender) sendOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

var testStart = time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC) // 09:00 in Asia/Ho_Chi_Minh

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "Courier",
		DataSource:  config.DataSourceConfig{Dns: "postgres://courier@localhost/courier"},
		Business:    config.BusinessConfig{Timezone: "Asia/Ho_Chi_Minh"},
		Dispatch:    config.DispatchConfig{BatchSize: 50, Concurrency: 5, LeaseSeconds: 300, LockSeconds: 60},
		Retry:       config.RetryConfig{BaseDelaySeconds: 60, MaxDelaySeconds: 3600, MaxRetries: 3},
		Provider:    config.ProviderConfig{DefaultCountryCode: "84", MaxAttempts: 1, TimeoutSec: 1, BaseDelayMs: 1},
		Health:      config.HealthConfig{DueSoonMinutes: 15},
		Queue:       config.QueueConfig{WebhookQueue: config.WEBHOOK_QUEUE, DispatchQueue: config.DISPATCH_QUEUE},
	}
}

type fixture struct {
	courier *Courier
	store   *memStore
	sender  *stubSender
	clock   *clock.Fake
	cfg     *config.Configuration
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		sender: newStubSender(nil),
		clock:  clock.NewFake(testStart),
		cfg:    testConfig(),
	}
	for _, opt := range opts {
		opt(f)
	}
	config.MockConfig(f.cfg)

	c, err := NewCourier(f.store,
		WithConfig(f.cfg),
		WithClock(f.clock),
		WithSender(f.sender),
		WithLimiter(ratelimit.NewMemoryLimiter(f.cfg.SendLimit.DailyLimit, f.cfg.Location(), f.clock)),
	)
	require.NoError(t, err)
	f.courier = c
	t.Cleanup(c.Close)
	return f
}
