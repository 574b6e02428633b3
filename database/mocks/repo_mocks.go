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

package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/courierhq/courier/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Message methods

func (m *MockDataSource) InsertMessage(ctx context.Context, msg *model.OutboundMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockDataSource) GetMessage(ctx context.Context, id string) (*model.OutboundMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboundMessage), args.Error(1)
}

func (m *MockDataSource) ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.OutboundMessage, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.OutboundMessage), args.Error(1)
}

func (m *MockDataSource) SelectEligible(ctx context.Context, now time.Time, limit int, statuses []model.Status) ([]*model.OutboundMessage, error) {
	args := m.Called(ctx, now, limit, statuses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.OutboundMessage), args.Error(1)
}

func (m *MockDataSource) ClaimLease(ctx context.Context, id, leaseID string, now, expiresAt time.Time) (bool, error) {
	args := m.Called(ctx, id, leaseID, now, expiresAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) MarkSent(ctx context.Context, id, leaseID, providerMessageID string, sentAt time.Time) error {
	args := m.Called(ctx, id, leaseID, providerMessageID, sentAt)
	return args.Error(0)
}

func (m *MockDataSource) MarkFailed(ctx context.Context, id, leaseID string, update model.FailureUpdate, now time.Time) error {
	args := m.Called(ctx, id, leaseID, update, now)
	return args.Error(0)
}

func (m *MockDataSource) ReleaseLease(ctx context.Context, id, leaseID string) (bool, error) {
	args := m.Called(ctx, id, leaseID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ApplyCallback(ctx context.Context, cb model.DeliveryCallback, now time.Time) (*model.OutboundMessage, error) {
	args := m.Called(ctx, cb, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboundMessage), args.Error(1)
}

// Template and recipient methods

func (m *MockDataSource) GetTemplate(ctx context.Context, key string) (*model.Template, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Template), args.Error(1)
}

func (m *MockDataSource) ListActiveTemplateKeys(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDataSource) GetRecipient(ctx context.Context, ref string) (*model.Recipient, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Recipient), args.Error(1)
}

// Health methods

func (m *MockDataSource) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[model.Status]int64), args.Error(1)
}

func (m *MockDataSource) CountFailures(ctx context.Context) (model.FailureCounts, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.FailureCounts), args.Error(1)
}

func (m *MockDataSource) CountSentSince(ctx context.Context, since time.Time) (int64, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountDueBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountLeased(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountPendingByPriority(ctx context.Context) (map[model.Priority]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[model.Priority]int64), args.Error(1)
}

func (m *MockDataSource) CountPendingByOwner(ctx context.Context) (map[string]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}
