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

	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/model"
)

// ListMessages returns a page of messages, newest first.
func (c *Courier) ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.OutboundMessage, error) {
	ctx, span := tracer.Start(ctx, "Listing messages")
	defer span.End()

	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown status '%s'", filter.Status), nil)
	}
	if filter.Channel != "" && !filter.Channel.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown channel '%s'", filter.Channel), nil)
	}
	if filter.From != nil && filter.Until != nil && !filter.From.Before(*filter.Until) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "from must be before until", nil)
	}
	filter.Normalize()
	return c.datasource.ListMessages(ctx, filter)
}

// GetMessage retrieves a message by ID.
func (c *Courier) GetMessage(ctx context.Context, id string) (*model.OutboundMessage, error) {
	ctx, span := tracer.Start(ctx, "Fetching message")
	defer span.End()
	return c.datasource.GetMessage(ctx, id)
}
