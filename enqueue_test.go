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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/courierhq/courier/database/mocks"
	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/internal/clock"
	"github.com/courierhq/courier/model"
)

func withStudent(f *fixture) {
	f.store.addTemplate("remind_remaining", "Hi {{name}}, you have {{remaining}} lessons left", true, map[string]string{"remaining": "0"})
	f.store.addRecipient(&model.Recipient{
		RecipientRef: "student-1",
		Phone:        ptr.String("0901234567"),
		OwnerID:      ptr.String("tutor-9"),
		Attributes:   map[string]string{"name": "An"},
	})
}

func remindRequest() model.EnqueueRequest {
	return model.EnqueueRequest{
		Channel:      model.ChannelSMS,
		TemplateKey:  "remind_remaining",
		RecipientRef: "student-1",
		Variables:    map[string]string{"remaining": "2"},
	}
}

func TestEnqueue_RemindRemaining(t *testing.T) {
	f := newFixture(t, withStudent)

	res, err := f.courier.Enqueue(context.Background(), remindRequest())
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	m := res.Message
	assert.Equal(t, model.StatusQueued, m.Status)
	assert.Equal(t, model.PriorityMedium, m.Priority)
	assert.Equal(t, "Hi An, you have 2 lessons left", m.RenderedText)
	assert.Equal(t, "0901234567", *m.To)
	assert.Equal(t, "tutor-9", *m.OwnerID)
	assert.Equal(t, 0, m.RetryCount)
	assert.Equal(t, testStart, *m.NextAttemptAt)
	assert.Equal(t, "student-1|remind_remaining|2024-03-01", m.DedupKey)
	assert.Equal(t, model.SMSMetadata{}, m.Metadata)

	stored := f.store.get(m.MessageID)
	require.NotNil(t, stored)
	assert.Equal(t, model.StatusQueued, stored.Status)
}

func TestEnqueue_DuplicateTodayIsSkipped(t *testing.T) {
	f := newFixture(t, withStudent)
	ctx := context.Background()

	first, err := f.courier.Enqueue(ctx, remindRequest())
	require.NoError(t, err)

	second, err := f.courier.Enqueue(ctx, remindRequest())
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, model.ReasonDuplicateToday, second.Reason)
	assert.Equal(t, model.StatusSkipped, second.Message.Status)
	assert.Equal(t, model.ReasonDuplicateToday, *second.Message.Error)
	assert.Nil(t, second.Message.NextAttemptAt)
	assert.NotEqual(t, first.Message.MessageID, second.Message.MessageID)

	// exactly one row per call
	assert.Len(t, f.store.all(), 2)

	// 17:30 UTC is already the next day in Ho Chi Minh City
	f.clock.Set(time.Date(2024, 3, 1, 17, 30, 0, 0, time.UTC))
	third, err := f.courier.Enqueue(ctx, remindRequest())
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Equal(t, "student-1|remind_remaining|2024-03-02", third.Message.DedupKey)
}

func TestEnqueue_ConcurrentDuplicatesQueueOnce(t *testing.T) {
	f := newFixture(t, withStudent)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		queued  int
		skipped int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.courier.Enqueue(context.Background(), remindRequest())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Skipped {
				skipped++
			} else {
				queued++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, queued)
	assert.Equal(t, 19, skipped)
}

func TestEnqueue_DedupChannelDimension(t *testing.T) {
	f := newFixture(t, withStudent, func(f *fixture) { f.cfg.Dedup.IncludeChannel = true })
	f.store.addRecipient(&model.Recipient{
		RecipientRef: "student-1",
		Phone:        ptr.String("0901234567"),
		ChatAddress:  ptr.String("chat-777"),
		Attributes:   map[string]string{"name": "An"},
	})
	ctx := context.Background()

	sms, err := f.courier.Enqueue(ctx, remindRequest())
	require.NoError(t, err)

	req := remindRequest()
	req.Channel = model.ChannelChat
	chat, err := f.courier.Enqueue(ctx, req)
	require.NoError(t, err)

	assert.False(t, chat.Skipped)
	assert.Equal(t, "chat-777", *chat.Message.To)
	assert.Equal(t, "student-1|remind_remaining|SMS|2024-03-01", sms.Message.DedupKey)
	assert.Equal(t, "student-1|remind_remaining|CHAT|2024-03-01", chat.Message.DedupKey)
}

func TestEnqueue_WithoutChannelDimensionDedupsAcrossChannels(t *testing.T) {
	f := newFixture(t, withStudent)
	ctx := context.Background()

	_, err := f.courier.Enqueue(ctx, remindRequest())
	require.NoError(t, err)

	req := remindRequest()
	req.Channel = model.ChannelCallNote
	res, err := f.courier.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestEnqueue_TemplateNotFound(t *testing.T) {
	f := newFixture(t, withStudent)
	f.store.addTemplate("welcome_old", "Hello", false, nil)

	req := remindRequest()
	req.TemplateKey = "remind_remainig"
	_, err := f.courier.Enqueue(context.Background(), req)
	require.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrTemplateNotFound, apiErr.Code)
	assert.Equal(t, map[string]string{"did_you_mean": "remind_remaining"}, apiErr.Details)

	req.TemplateKey = "welcome_old"
	_, err = f.courier.Enqueue(context.Background(), req)
	assert.True(t, apierror.HasCode(err, apierror.ErrTemplateNotFound), "inactive templates are not found")
	assert.Empty(t, f.store.all())
}

func TestEnqueue_MissingRecipient(t *testing.T) {
	f := newFixture(t, withStudent)
	ctx := context.Background()

	req := remindRequest()
	req.RecipientRef = "student-404"
	_, err := f.courier.Enqueue(ctx, req)
	assert.True(t, apierror.HasCode(err, apierror.ErrMissingRecipient))

	req.Channel = model.ChannelChat
	req.RecipientRef = "student-1"
	_, err = f.courier.Enqueue(ctx, req)
	assert.True(t, apierror.HasCode(err, apierror.ErrMissingRecipient), "no chat address on file")

	req.To = "chat-override"
	res, err := f.courier.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "chat-override", *res.Message.To)
}

func TestEnqueue_CallNoteNeedsNoAddress(t *testing.T) {
	f := newFixture(t, withStudent)
	callAt := testStart.Add(time.Hour)

	res, err := f.courier.Enqueue(context.Background(), model.EnqueueRequest{
		Channel:      model.ChannelCallNote,
		TemplateKey:  "remind_remaining",
		RecipientRef: "student-404",
		Priority:     model.PriorityHigh,
		OwnerID:      "tutor-1",
		Metadata:     model.CallNoteMetadata{Subject: "Renewal", CallAt: &callAt},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Message.To)
	assert.Equal(t, model.PriorityHigh, res.Message.Priority)
	assert.Equal(t, "tutor-1", *res.Message.OwnerID)
	assert.Equal(t, "Hi {{name}}, you have 0 lessons left", res.Message.RenderedText)
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, withStudent)
	ctx := context.Background()

	cases := map[string]model.EnqueueRequest{
		"unknown channel":   {Channel: "FAX", TemplateKey: "remind_remaining", To: "x"},
		"missing template":  {Channel: model.ChannelSMS, To: "0901234567"},
		"unknown priority":  {Channel: model.ChannelSMS, TemplateKey: "remind_remaining", To: "0901234567", Priority: "URGENT"},
		"metadata mismatch": {Channel: model.ChannelSMS, TemplateKey: "remind_remaining", To: "0901234567", Metadata: model.ChatMetadata{}},
		"anonymous note":    {Channel: model.ChannelCallNote, TemplateKey: "remind_remaining", To: "  "},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.courier.Enqueue(ctx, req)
			assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput), err)
		})
	}
	assert.Empty(t, f.store.all())
}

func TestEnqueue_StoreErrorIsReturned(t *testing.T) {
	ds := &mocks.MockDataSource{}
	cfg := testConfig()
	c, err := NewCourier(ds, WithConfig(cfg), WithClock(clock.NewFake(testStart)), WithSender(newStubSender(nil)))
	require.NoError(t, err)

	ds.On("GetTemplate", mock.Anything, "remind_remaining").Return(&model.Template{TemplateKey: "remind_remaining", Body: "Hi", Active: true}, nil)
	ds.On("InsertMessage", mock.Anything, mock.AnythingOfType("*model.OutboundMessage")).
		Return(apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save message", errors.New("connection refused")))

	_, err = c.Enqueue(context.Background(), model.EnqueueRequest{Channel: model.ChannelSMS, TemplateKey: "remind_remaining", To: "0901234567"})
	assert.True(t, apierror.HasCode(err, apierror.ErrInternalServer))
	ds.AssertExpectations(t)
	ds.AssertNotCalled(t, "GetRecipient", mock.Anything, mock.Anything)
}
