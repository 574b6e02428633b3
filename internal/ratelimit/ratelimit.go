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
// Package ratelimit enforces the daily provider send quota.
//
// The quota resets at midnight in the business timezone. Consumption is an
// atomic check-and-increment so concurrent senders can never exceed the cap.
package ratelimit

import (
	"context"
	"time"

	"github.com/courierhq/courier/internal/clock"
	"github.com/courierhq/courier/model"
)

// Limiter is shared by every concurrent send of a dispatch invocation.
type Limiter interface {
	// TryConsume takes one unit of today's quota, reporting false when none is left.
	TryConsume(ctx context.Context) (bool, error)
	// Status reports today's usage without consuming.
	Status(ctx context.Context) (model.RateLimitStatus, error)
}

// HasCapacity reports whether a status leaves room for another send.
func HasCapacity(s model.RateLimitStatus) bool {
	return s.Limit <= 0 || s.Remaining > 0
}

func buildStatus(day string, sent, limit int64) model.RateLimitStatus {
	remaining := int64(-1)
	if limit > 0 {
		remaining = limit - sent
		if remaining < 0 {
			remaining = 0
		}
	}
	return model.RateLimitStatus{Day: day, Sent: sent, Limit: limit, Remaining: remaining}
}

func today(clk clock.Clock, loc *time.Location) string {
	return clock.BusinessDay(clk.Now(), loc)
}
