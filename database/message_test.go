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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/model"
)

var messageColumnNames = []string{
	"message_id", "channel", "to_address", "template_key", "rendered_text", "status", "priority",
	"next_attempt_at", "retry_count", "lease_id", "lease_expires_at", "provider_message_id", "last_error",
	"sent_at", "dispatched_at", "recipient_ref", "owner_id", "dedup_key", "metadata", "created_at", "updated_at",
}

func addMessageRow(rows *sqlmock.Rows, id string, status model.Status, priority model.Priority, next *time.Time) *sqlmock.Rows {
	now := time.Now()
	var nextVal interface{}
	if next != nil {
		nextVal = *next
	}
	return rows.AddRow(
		id, "SMS", "+84901234567", "remind_remaining", "Hi An", string(status), string(priority),
		nextVal, 0, nil, nil, nil, nil,
		nil, nil, "student-1", nil, "student-1|remind_remaining|2024-03-01", []byte(`{"kind":"SMS","data":{"sender_id":"SCHOOL"}}`), now, now,
	)
}

func newMock(t *testing.T) (Datasource, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return Datasource{Conn: db}, mock
}

func TestInsertMessage_Success(t *testing.T) {
	ds, mock := newMock(t)
	now := time.Now()
	m := &model.OutboundMessage{
		MessageID:    model.GenerateUUIDWithSuffix("msg"),
		Channel:      model.ChannelSMS,
		To:           ptr.String(gofakeit.Phone()),
		TemplateKey:  "remind_remaining",
		RenderedText: "Hi An",
		Status:       model.StatusQueued,
		Priority:     model.PriorityMedium,
		NextAttemptAt: &now,
		RecipientRef: ptr.String("student-1"),
		DedupKey:     "student-1|remind_remaining|2024-03-01",
		Metadata:     model.SMSMetadata{SenderID: "SCHOOL"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	mock.ExpectExec("INSERT INTO courier.outbound_messages").
		WithArgs(m.MessageID, m.Channel, m.To, m.TemplateKey, m.RenderedText, m.Status, m.Priority,
			m.NextAttemptAt, 0, nil, m.RecipientRef, nil, m.DedupKey, sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, ds.InsertMessage(context.Background(), m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessage_DuplicateIsConflict(t *testing.T) {
	ds, mock := newMock(t)
	mock.ExpectExec("INSERT INTO courier.outbound_messages").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := ds.InsertMessage(context.Background(), &model.OutboundMessage{MessageID: "msg_1", Channel: model.ChannelSMS})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestGetMessage(t *testing.T) {
	ds, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM courier.outbound_messages WHERE message_id = \\$1").
		WithArgs("msg_1").
		WillReturnRows(addMessageRow(sqlmock.NewRows(messageColumnNames), "msg_1", model.StatusQueued, model.PriorityHigh, &now))

	m, err := ds.GetMessage(context.Background(), "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "msg_1", m.MessageID)
	assert.Equal(t, model.ChannelSMS, m.Channel)
	assert.Equal(t, "+84901234567", *m.To)
	assert.Equal(t, model.PriorityHigh, m.Priority)
	assert.Nil(t, m.LeaseID)
	assert.Equal(t, model.SMSMetadata{SenderID: "SCHOOL"}, m.Metadata)

	mock.ExpectQuery("SELECT (.+) FROM courier.outbound_messages WHERE message_id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = ds.GetMessage(context.Background(), "missing")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestListMessages_BuildsFilters(t *testing.T) {
	ds, mock := newMock(t)
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM courier.outbound_messages WHERE status = \\$1 AND channel = \\$2 AND recipient_ref = \\$3 AND created_at >= \\$4 ORDER BY created_at DESC LIMIT \\$5 OFFSET \\$6").
		WithArgs(model.StatusFailed, model.ChannelSMS, "student-1", from, 100, 10).
		WillReturnRows(addMessageRow(sqlmock.NewRows(messageColumnNames), "msg_1", model.StatusFailed, model.PriorityLow, nil))

	msgs, err := ds.ListMessages(context.Background(), model.MessageFilter{
		Status: model.StatusFailed, Channel: model.ChannelSMS, RecipientRef: "student-1", From: &from, Limit: 500, Offset: 10,
	})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessages_Defaults(t *testing.T) {
	ds, mock := newMock(t)
	mock.ExpectQuery("FROM courier.outbound_messages ORDER BY created_at DESC LIMIT \\$1 OFFSET \\$2").
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(messageColumnNames))

	msgs, err := ds.ListMessages(context.Background(), model.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSelectEligible_OrdersByPriorityThenDueTime(t *testing.T) {
	ds, mock := newMock(t)
	now := time.Now()
	earlier := now.Add(-time.Hour)

	rows := sqlmock.NewRows(messageColumnNames)
	addMessageRow(rows, "msg_high", model.StatusQueued, model.PriorityHigh, &now)
	addMessageRow(rows, "msg_low", model.StatusFailed, model.PriorityLow, &earlier)

	mock.ExpectQuery("WHERE status = ANY\\(\\$1\\)(.+)ORDER BY CASE priority(.+)DESC, next_attempt_at ASC\\s+LIMIT \\$3").
		WithArgs(pq.Array([]string{"QUEUED", "FAILED"}), now, 50).
		WillReturnRows(rows)

	msgs, err := ds.SelectEligible(context.Background(), now, 50, []model.Status{model.StatusQueued, model.StatusFailed})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg_high", msgs[0].MessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectEligible_Error(t *testing.T) {
	ds, mock := newMock(t)
	mock.ExpectQuery("WHERE status = ANY").WillReturnError(errors.New("connection reset"))
	_, err := ds.SelectEligible(context.Background(), time.Now(), 10, []model.Status{model.StatusFailed})
	assert.True(t, apierror.HasCode(err, apierror.ErrInternalServer))
}

func TestClaimLease(t *testing.T) {
	ds, mock := newMock(t)
	now := time.Now()
	expires := now.Add(5 * time.Minute)
	query := "UPDATE courier.outbound_messages\\s+SET lease_id = \\$1(.+)lease_expires_at IS NULL OR lease_expires_at < \\$3"

	mock.ExpectExec(query).WithArgs("lease_a", expires, now, "msg_1").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := ds.ClaimLease(context.Background(), "msg_1", "lease_a", now, expires)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(query).WithArgs("lease_b", expires, now, "msg_1").WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = ds.ClaimLease(context.Background(), "msg_1", "lease_b", now, expires)
	require.NoError(t, err)
	assert.False(t, ok, "a held lease cannot be claimed twice")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent(t *testing.T) {
	ds, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec("SET status = 'SENT'(.+)WHERE message_id = \\$3 AND lease_id = \\$4").
		WithArgs(now, "prov_1", "msg_1", "lease_a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, ds.MarkSent(context.Background(), "msg_1", "lease_a", "prov_1", now))

	mock.ExpectExec("SET status = 'SENT'").
		WithArgs(now, "prov_1", "msg_1", "lease_stale").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := ds.MarkSent(context.Background(), "msg_1", "lease_stale", "prov_1", now)
	assert.True(t, apierror.HasCode(err, apierror.ErrConflict))
}

func TestMarkFailed(t *testing.T) {
	ds, mock := newMock(t)
	now := time.Now()
	next := now.Add(time.Minute)

	mock.ExpectExec("SET status = 'FAILED', retry_count = \\$1, next_attempt_at = \\$2").
		WithArgs(1, &next, "THROTTLED: slow down", now, "msg_1", "lease_a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := ds.MarkFailed(context.Background(), "msg_1", "lease_a", model.FailureUpdate{RetryCount: 1, NextAttemptAt: &next, Error: "THROTTLED: slow down"}, now)
	assert.NoError(t, err)

	mock.ExpectExec("SET status = 'FAILED'").
		WithArgs(0, nil, "INVALID_NUMBER", now, "msg_2", "lease_a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = ds.MarkFailed(context.Background(), "msg_2", "lease_a", model.FailureUpdate{Error: "INVALID_NUMBER"}, now)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLease(t *testing.T) {
	ds, mock := newMock(t)
	mock.ExpectExec("SET lease_id = NULL, lease_expires_at = NULL\\s+WHERE message_id = \\$1 AND lease_id = \\$2").
		WithArgs("msg_1", "lease_a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	released, err := ds.ReleaseLease(context.Background(), "msg_1", "lease_a")
	require.NoError(t, err)
	assert.True(t, released)

	mock.ExpectExec("SET lease_id = NULL").
		WithArgs("msg_1", "lease_a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	released, err = ds.ReleaseLease(context.Background(), "msg_1", "lease_a")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestApplyCallback(t *testing.T) {
	ds, mock := newMock(t)
	now := time.Now()
	sentAt := now.Add(-time.Minute)

	rows := sqlmock.NewRows(messageColumnNames)
	addMessageRow(rows, "msg_1", model.StatusSent, model.PriorityMedium, nil)

	mock.ExpectQuery("UPDATE courier.outbound_messages(.+)COALESCE\\(\\$3, provider_message_id\\)(.+)THEN updated_at ELSE \\$7 END(.+)RETURNING").
		WithArgs("msg_1", model.StatusSent, ptr.String("prov_9"), &sentAt, &now, nil, now).
		WillReturnRows(rows)

	m, err := ds.ApplyCallback(context.Background(), model.DeliveryCallback{
		MessageID: "msg_1", Status: model.StatusSent, ProviderMessageID: ptr.String("prov_9"), SentAt: &sentAt,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, m.Status)

	mock.ExpectQuery("UPDATE courier.outbound_messages").
		WithArgs("msg_404", model.StatusFailed, nil, nil, nil, "carrier rejected", now).
		WillReturnError(sql.ErrNoRows)
	_, err = ds.ApplyCallback(context.Background(), model.DeliveryCallback{
		MessageID: "msg_404", Status: model.StatusFailed, ErrorMessage: ptr.String("carrier rejected"),
	}, now)
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
