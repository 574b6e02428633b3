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
	"sync"
	"time"
)

// DispatchRequest configures one dispatch invocation.
type DispatchRequest struct {
	BatchSize       int
	Concurrency     int
	DryRun          bool
	RetryFailedOnly bool
	Force           bool
}

// Outcome is what happened to a single selected message.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
)

// Tally counts outcomes within one breakdown bucket.
type Tally struct {
	Processed   int `json:"processed"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	RateLimited int `json:"rate_limited"`
}

func (t *Tally) add(o Outcome) {
	switch o {
	case OutcomeSent:
		t.Processed++
		t.Sent++
	case OutcomeFailed:
		t.Processed++
		t.Failed++
	case OutcomeRateLimited:
		t.Processed++
		t.RateLimited++
	case OutcomeSkipped:
		t.Skipped++
	case OutcomeError:
		t.Processed++
	}
}

// DispatchSummary reports a dispatch invocation. Processed counts messages this
// invocation leased; Skipped counts lease conflicts with other workers.
type DispatchSummary struct {
	Ok          bool                `json:"ok"`
	Reason      string              `json:"reason,omitempty"`
	LeaseID     string              `json:"lease_id"`
	DryRun      bool                `json:"dry_run"`
	Processed   int                 `json:"processed"`
	Sent        int                 `json:"sent"`
	Failed      int                 `json:"failed"`
	Skipped     int                 `json:"skipped"`
	RateLimited int                 `json:"rate_limited"`
	Errors      int                 `json:"errors"`
	ByPriority  map[Priority]*Tally `json:"breakdown_by_priority"`
	ByOwner     map[string]*Tally   `json:"breakdown_by_owner"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`

	mu sync.Mutex
}

// NewDispatchSummary returns an ok summary with empty breakdowns.
func NewDispatchSummary(leaseID string, dryRun bool, startedAt time.Time) *DispatchSummary {
	return &DispatchSummary{
		Ok:         true,
		LeaseID:    leaseID,
		DryRun:     dryRun,
		ByPriority: map[Priority]*Tally{},
		ByOwner:    map[string]*Tally{},
		StartedAt:  startedAt,
	}
}

// Record adds one message outcome. Safe for concurrent use.
func (s *DispatchSummary) Record(m *OutboundMessage, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch o {
	case OutcomeSent:
		s.Processed++
		s.Sent++
	case OutcomeFailed:
		s.Processed++
		s.Failed++
	case OutcomeRateLimited:
		s.Processed++
		s.RateLimited++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeError:
		s.Processed++
		s.Errors++
		s.Ok = false
	}

	if _, ok := s.ByPriority[m.Priority]; !ok {
		s.ByPriority[m.Priority] = &Tally{}
	}
	s.ByPriority[m.Priority].add(o)

	owner := m.Owner()
	if _, ok := s.ByOwner[owner]; !ok {
		s.ByOwner[owner] = &Tally{}
	}
	s.ByOwner[owner].add(o)
}

// RateLimitStatus is the daily provider quota snapshot.
type RateLimitStatus struct {
	Day       string `json:"day"`
	Sent      int64  `json:"sent"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// HealthSummary is a read-only snapshot of the message store.
// PendingDispatches is nil when no task queue is configured.
type HealthSummary struct {
	CountsByStatus    map[Status]int64   `json:"counts_by_status"`
	Failures          FailureCounts      `json:"failures"`
	Sent24h           int64              `json:"sent_24h"`
	DueSoon           int64              `json:"due_soon"`
	Leased            int64              `json:"leased"`
	ByPriority        map[Priority]int64 `json:"by_priority"`
	ByOwner           map[string]int64   `json:"by_owner"`
	RateLimit         *RateLimitStatus   `json:"rate_limit,omitempty"`
	PendingDispatches *int               `json:"pending_dispatches,omitempty"`
	Unavailable       []string           `json:"unavailable,omitempty"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// FailureCounts splits FAILED messages by whether another attempt is scheduled.
type FailureCounts struct {
	Terminal int64 `json:"terminal"`
	InRetry  int64 `json:"in_retry"`
}
