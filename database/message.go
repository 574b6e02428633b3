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
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/model"
)

const messageColumns = `message_id, channel, to_address, template_key, rendered_text, status, priority,
	next_attempt_at, retry_count, lease_id, lease_expires_at, provider_message_id, last_error,
	sent_at, dispatched_at, recipient_ref, owner_id, dedup_key, metadata, created_at, updated_at`

const priorityRank = `CASE priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 WHEN 'LOW' THEN 1 ELSE 0 END`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*model.OutboundMessage, error) {
	m := &model.OutboundMessage{}
	var metadata []byte
	err := row.Scan(
		&m.MessageID, &m.Channel, &m.To, &m.TemplateKey, &m.RenderedText, &m.Status, &m.Priority,
		&m.NextAttemptAt, &m.RetryCount, &m.LeaseID, &m.LeaseExpiresAt, &m.ProviderMessageID, &m.Error,
		&m.SentAt, &m.DispatchedAt, &m.RecipientRef, &m.OwnerID, &m.DedupKey, &metadata, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.Metadata, err = model.DecodeMetadata(metadata); err != nil {
		return nil, fmt.Errorf("message %s: %w", m.MessageID, err)
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]*model.OutboundMessage, error) {
	defer rows.Close()
	messages := []*model.OutboundMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over messages", err)
	}
	return messages, nil
}

func statusStrings(statuses []model.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (d Datasource) InsertMessage(ctx context.Context, m *model.OutboundMessage) error {
	ctx, span := otel.Tracer("Message store").Start(ctx, "Saving message to db")
	defer span.End()

	metadata, err := model.EncodeMetadata(m.Metadata)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid channel metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO courier.outbound_messages (
			message_id, channel, to_address, template_key, rendered_text, status, priority,
			next_attempt_at, retry_count, last_error, recipient_ref, owner_id, dedup_key, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, m.MessageID, m.Channel, m.To, m.TemplateKey, m.RenderedText, m.Status, m.Priority,
		m.NextAttemptAt, m.RetryCount, m.Error, m.RecipientRef, m.OwnerID, m.DedupKey, metadata,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		if IsUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "A message with this dedup key already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save message", err)
	}
	return nil
}

func (d Datasource) GetMessage(ctx context.Context, id string) (*model.OutboundMessage, error) {
	ctx, span := otel.Tracer("Message store").Start(ctx, "Fetching message from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM courier.outbound_messages WHERE message_id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Message with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve message", err)
	}
	return m, nil
}

func (d Datasource) ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.OutboundMessage, error) {
	ctx, span := otel.Tracer("Message store").Start(ctx, "Listing messages from db")
	defer span.End()

	filter.Normalize()
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Channel != "" {
		add("channel = $%d", filter.Channel)
	}
	if filter.RecipientRef != "" {
		add("recipient_ref = $%d", filter.RecipientRef)
	}
	if filter.To != "" {
		add("to_address = $%d", filter.To)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.Until != nil {
		add("created_at < $%d", *filter.Until)
	}

	query := `SELECT ` + messageColumns + ` FROM courier.outbound_messages`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list messages", err)
	}
	return scanMessages(rows)
}

func (d Datasource) SelectEligible(ctx context.Context, now time.Time, limit int, statuses []model.Status) ([]*model.OutboundMessage, error) {
	ctx, span := otel.Tracer("Message store").Start(ctx, "Selecting eligible messages")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM courier.outbound_messages
		WHERE status = ANY($1)
		  AND next_attempt_at <= $2
		  AND (lease_expires_at IS NULL OR lease_expires_at < $2)
		ORDER BY `+priorityRank+` DESC, next_attempt_at ASC
		LIMIT $3
	`, pq.Array(statusStrings(statuses)), now, limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to select eligible messages", err)
	}
	return scanMessages(rows)
}

// ClaimLease is the only way a worker acquires a message. The eligibility
// predicate is evaluated by the UPDATE itself so two workers can never both win.
func (d Datasource) ClaimLease(ctx context.Context, id, leaseID string, now, expiresAt time.Time) (bool, error) {
	ctx, span := otel.Tracer("Message store").Start(ctx, "Claiming message lease")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.outbound_messages
		SET lease_id = $1, lease_expires_at = $2, dispatched_at = $3, updated_at = $3
		WHERE message_id = $4
		  AND status IN ('QUEUED', 'FAILED')
		  AND next_attempt_at <= $3
		  AND (lease_expires_at IS NULL OR lease_expires_at < $3)
	`, leaseID, expiresAt, now, id)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim lease", err)
	}
	return n == 1, nil
}

func (d Datasource) MarkSent(ctx context.Context, id, leaseID, providerMessageID string, sentAt time.Time) error {
	ctx, span := otel.Tracer("Message store").Start(ctx, "Marking message sent")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.outbound_messages
		SET status = 'SENT', sent_at = $1, provider_message_id = $2, last_error = NULL,
		    next_attempt_at = NULL, lease_id = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE message_id = $3 AND lease_id = $4
	`, sentAt, providerMessageID, id, leaseID)
	return checkLeasedUpdate(res, err, id)
}

func (d Datasource) MarkFailed(ctx context.Context, id, leaseID string, update model.FailureUpdate, now time.Time) error {
	ctx, span := otel.Tracer("Message store").Start(ctx, "Marking message failed")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.outbound_messages
		SET status = 'FAILED', retry_count = $1, next_attempt_at = $2, last_error = $3,
		    lease_id = NULL, lease_expires_at = NULL, updated_at = $4
		WHERE message_id = $5 AND lease_id = $6
	`, update.RetryCount, update.NextAttemptAt, update.Error, now, id, leaseID)
	return checkLeasedUpdate(res, err, id)
}

func checkLeasedUpdate(res sql.Result, err error, id string) error {
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update message", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Lease on message '%s' was lost", id), nil)
	}
	return nil
}

func (d Datasource) ReleaseLease(ctx context.Context, id, leaseID string) (bool, error) {
	res, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.outbound_messages
		SET lease_id = NULL, lease_expires_at = NULL
		WHERE message_id = $1 AND lease_id = $2
	`, id, leaseID)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release lease", err)
	}
	return n == 1, nil
}

// ApplyCallback overwrites the status with the provider's report. The provider
// id and sent time keep their existing values when the report omits them, and
// the lease columns are left alone. A replayed report that changes nothing
// keeps updated_at as it was.
func (d Datasource) ApplyCallback(ctx context.Context, cb model.DeliveryCallback, now time.Time) (*model.OutboundMessage, error) {
	ctx, span := otel.Tracer("Message store").Start(ctx, "Applying delivery callback")
	defer span.End()

	var sentFallback *time.Time
	if cb.Status == model.StatusSent {
		sentFallback = &now
	}
	var lastError *string
	if cb.Status == model.StatusFailed {
		msg := "delivery failed"
		if cb.ErrorMessage != nil && *cb.ErrorMessage != "" {
			msg = *cb.ErrorMessage
		}
		lastError = &msg
	}

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE courier.outbound_messages
		SET status = $2,
		    provider_message_id = COALESCE($3, provider_message_id),
		    sent_at = COALESCE($4, sent_at, $5),
		    last_error = $6,
		    next_attempt_at = NULL,
		    updated_at = CASE
		        WHEN status = $2
		         AND provider_message_id IS NOT DISTINCT FROM COALESCE($3, provider_message_id)
		         AND sent_at IS NOT DISTINCT FROM COALESCE($4, sent_at, $5)
		         AND last_error IS NOT DISTINCT FROM $6
		         AND next_attempt_at IS NULL
		        THEN updated_at ELSE $7 END
		WHERE message_id = $1
		RETURNING `+messageColumns,
		cb.MessageID, cb.Status, cb.ProviderMessageID, cb.SentAt, sentFallback, lastError, now)

	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Message with ID '%s' not found", cb.MessageID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to apply delivery callback", err)
	}
	return m, nil
}
