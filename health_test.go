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
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/database/mocks"
	"github.com/courierhq/courier/internal/clock"
	"github.com/courierhq/courier/model"
)

func TestHealth_Snapshot(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.cfg.SendLimit.DailyLimit = 100 })
	f.store.seed("due", model.PriorityHigh, due(1))
	f.store.seed("later", model.PriorityLow, testStart.Add(10*time.Minute))
	f.store.seed("far", model.PriorityLow, testStart.Add(time.Hour))
	f.store.seed("dead", model.PriorityLow, due(1))
	f.store.update("dead", func(m *model.OutboundMessage) {
		m.Status = model.StatusFailed
		m.NextAttemptAt = nil
	})

	_, err := f.courier.Dispatch(context.Background(), model.DispatchRequest{})
	require.NoError(t, err)

	h, err := f.courier.Health(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.Unavailable)
	assert.Equal(t, int64(1), h.CountsByStatus[model.StatusSent])
	assert.Equal(t, int64(2), h.CountsByStatus[model.StatusQueued])
	assert.Equal(t, int64(0), h.CountsByStatus[model.StatusSkipped])
	assert.Equal(t, model.FailureCounts{Terminal: 1}, h.Failures)
	assert.Equal(t, int64(1), h.Sent24h)
	assert.Equal(t, int64(1), h.DueSoon)
	assert.Equal(t, int64(0), h.Leased)
	assert.Equal(t, int64(2), h.ByPriority[model.PriorityLow])
	assert.Equal(t, int64(2), h.ByOwner[model.UnassignedOwner])
	require.NotNil(t, h.RateLimit)
	assert.Equal(t, int64(1), h.RateLimit.Sent)
	assert.Equal(t, int64(99), h.RateLimit.Remaining)
	assert.Equal(t, "2024-03-01", h.RateLimit.Day)
}

func newMockedCourier(t *testing.T) (*Courier, *mocks.MockDataSource) {
	t.Helper()
	ds := &mocks.MockDataSource{}
	c, err := NewCourier(ds, WithConfig(testConfig()), WithClock(clock.NewFake(testStart)), WithSender(newStubSender(nil)))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, ds
}

func TestHealth_ToleratesMissingColumns(t *testing.T) {
	c, ds := newMockedCourier(t)
	missingColumn := &pq.Error{Code: "42703", Message: `column "owner_id" does not exist`}

	ds.On("CountByStatus", mock.Anything).Return(map[model.Status]int64{model.StatusQueued: 4}, nil)
	ds.On("CountFailures", mock.Anything).Return(model.FailureCounts{InRetry: 1}, nil)
	ds.On("CountSentSince", mock.Anything, testStart.Add(-24*time.Hour)).Return(int64(7), nil)
	ds.On("CountDueBefore", mock.Anything, testStart.Add(15*time.Minute)).Return(int64(2), nil)
	ds.On("CountLeased", mock.Anything, testStart).Return(int64(0), nil)
	ds.On("CountPendingByPriority", mock.Anything).Return(map[model.Priority]int64{model.PriorityMedium: 5}, nil)
	ds.On("CountPendingByOwner", mock.Anything).Return(nil, missingColumn)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{SectionByOwner}, h.Unavailable)
	assert.Nil(t, h.ByOwner)
	assert.Equal(t, int64(7), h.Sent24h)
	assert.Equal(t, int64(5), h.ByPriority[model.PriorityMedium])
	ds.AssertExpectations(t)
}

func TestHealth_OtherErrorsFail(t *testing.T) {
	c, ds := newMockedCourier(t)
	ds.On("CountByStatus", mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := c.Health(context.Background())
	assert.EqualError(t, err, "connection refused")
}

func TestHealth_ReportsUnreachableDispatchQueue(t *testing.T) {
	f := newFixture(t)
	q, mr := newTestQueue(t)
	f.courier.queue = q
	mr.Close()

	h, err := f.courier.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{SectionDispatchQueue}, h.Unavailable)
	assert.Nil(t, h.PendingDispatches)
	assert.Equal(t, int64(0), h.Sent24h)
}
