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
package database

import (
	"context"
	"time"

	"github.com/courierhq/courier/model"
)

// IDataSource groups every store operation Courier performs.
type IDataSource interface {
	message
	template
	recipient
	health
}

// message covers the outbound message lifecycle. Every write that follows a
// lease claim is conditioned on the caller still holding that lease.
type message interface {
	InsertMessage(ctx context.Context, m *model.OutboundMessage) error                                                  // Inserts a message; CONFLICT on a same-day duplicate
	GetMessage(ctx context.Context, id string) (*model.OutboundMessage, error)                                          // Retrieves a message by ID
	ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.OutboundMessage, error)                      // Filtered, paginated listing newest first
	SelectEligible(ctx context.Context, now time.Time, limit int, statuses []model.Status) ([]*model.OutboundMessage, error) // Dispatch candidates by priority then due time
	ClaimLease(ctx context.Context, id, leaseID string, now, expiresAt time.Time) (bool, error)                           // Atomically leases an eligible message
	MarkSent(ctx context.Context, id, leaseID, providerMessageID string, sentAt time.Time) error                         // Records a successful send
	MarkFailed(ctx context.Context, id, leaseID string, update model.FailureUpdate, now time.Time) error                 // Records a failed attempt, terminal when NextAttemptAt is nil
	ReleaseLease(ctx context.Context, id, leaseID string) (bool, error)                                                  // Clears the lease if still held
	ApplyCallback(ctx context.Context, cb model.DeliveryCallback, now time.Time) (*model.OutboundMessage, error)         // Merges a provider delivery report
}

type template interface {
	GetTemplate(ctx context.Context, key string) (*model.Template, error)
	ListActiveTemplateKeys(ctx context.Context) ([]string, error)
}

type recipient interface {
	GetRecipient(ctx context.Context, ref string) (*model.Recipient, error)
}

// health sections are independent so a partially migrated store can still
// report what it has.
type health interface {
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
	CountFailures(ctx context.Context) (model.FailureCounts, error)
	CountSentSince(ctx context.Context, since time.Time) (int64, error)
	CountDueBefore(ctx context.Context, before time.Time) (int64, error)
	CountLeased(ctx context.Context, now time.Time) (int64, error)
	CountPendingByPriority(ctx context.Context) (map[model.Priority]int64, error)
	CountPendingByOwner(ctx context.Context) (map[string]int64, error)
}
