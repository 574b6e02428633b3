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
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/internal/events"
	"github.com/courierhq/courier/model"
)

// ApplyCallback records a provider delivery report. The report is
// authoritative: it overwrites the status and never schedules another
// attempt. Applying the same report twice leaves the same row.
func (c *Courier) ApplyCallback(ctx context.Context, cb model.DeliveryCallback) (*model.OutboundMessage, error) {
	ctx, span := tracer.Start(ctx, "Applying delivery callback")
	defer span.End()

	cb.MessageID = strings.TrimSpace(cb.MessageID)
	cb.Status = model.Status(strings.ToUpper(strings.TrimSpace(string(cb.Status))))
	if cb.MessageID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "message_id is required", nil)
	}
	if cb.Status != model.StatusSent && cb.Status != model.StatusFailed {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unsupported callback status '%s'", cb.Status), nil)
	}
	if cb.ProviderMessageID != nil && strings.TrimSpace(*cb.ProviderMessageID) == "" {
		cb.ProviderMessageID = nil
	}

	m, err := c.datasource.ApplyCallback(ctx, cb, c.clock.Now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"message_id": m.MessageID, "status": m.Status}).Info("delivery callback applied")
	c.publish(ctx, events.DeliveryUpdate, m)
	c.announce(WebhookDeliveryUpdated, m)
	return m, nil
}
