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
	"time"

	"github.com/courierhq/courier/model"
)

// Health queries return raw driver errors so callers can tell a missing column
// (IsUndefinedSchema) apart from a failing store.

const pendingPredicate = `status IN ('QUEUED', 'FAILED') AND next_attempt_at IS NOT NULL`

func (d Datasource) countOne(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := d.Conn.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func groupCounts(rows *sql.Rows, err error, put func(key string, n int64)) error {
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		put(key, n)
	}
	return rows.Err()
}

func (d Datasource) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	counts := map[model.Status]int64{}
	for _, s := range model.Statuses {
		counts[s] = 0
	}
	rows, err := d.Conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM courier.outbound_messages GROUP BY status`)
	err = groupCounts(rows, err, func(k string, n int64) { counts[model.Status(k)] = n })
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (d Datasource) CountFailures(ctx context.Context) (model.FailureCounts, error) {
	var fc model.FailureCounts
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE next_attempt_at IS NULL),
		       COUNT(*) FILTER (WHERE next_attempt_at IS NOT NULL)
		FROM courier.outbound_messages
		WHERE status = 'FAILED'
	`).Scan(&fc.Terminal, &fc.InRetry)
	return fc, err
}

func (d Datasource) CountSentSince(ctx context.Context, since time.Time) (int64, error) {
	return d.countOne(ctx, `SELECT COUNT(*) FROM courier.outbound_messages WHERE status = 'SENT' AND sent_at >= $1`, since)
}

func (d Datasource) CountDueBefore(ctx context.Context, before time.Time) (int64, error) {
	return d.countOne(ctx, `SELECT COUNT(*) FROM courier.outbound_messages WHERE `+pendingPredicate+` AND next_attempt_at <= $1`, before)
}

func (d Datasource) CountLeased(ctx context.Context, now time.Time) (int64, error) {
	return d.countOne(ctx, `SELECT COUNT(*) FROM courier.outbound_messages WHERE lease_expires_at > $1`, now)
}

func (d Datasource) CountPendingByPriority(ctx context.Context) (map[model.Priority]int64, error) {
	counts := map[model.Priority]int64{}
	rows, err := d.Conn.QueryContext(ctx, `SELECT priority, COUNT(*) FROM courier.outbound_messages WHERE `+pendingPredicate+` GROUP BY priority`)
	err = groupCounts(rows, err, func(k string, n int64) { counts[model.Priority(k)] = n })
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (d Datasource) CountPendingByOwner(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(owner_id, ''), '`+model.UnassignedOwner+`'), COUNT(*)
		FROM courier.outbound_messages
		WHERE `+pendingPredicate+`
		GROUP BY 1
	`)
	err = groupCounts(rows, err, func(k string, n int64) { counts[k] = n })
	if err != nil {
		return nil, err
	}
	return counts, nil
}
