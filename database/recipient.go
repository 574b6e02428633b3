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
	"encoding/json"
	"fmt"

	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/model"
)

// GetRecipient reads a CRM recipient. Courier never writes this table.
func (d Datasource) GetRecipient(ctx context.Context, ref string) (*model.Recipient, error) {
	r := model.Recipient{}
	var attributes []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT recipient_ref, phone, chat_address, owner_id, attributes
		FROM courier.recipients
		WHERE recipient_ref = $1
	`, ref).Scan(&r.RecipientRef, &r.Phone, &r.ChatAddress, &r.OwnerID, &attributes)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Recipient '%s' not found", ref), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve recipient", err)
	}

	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &r.Attributes); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal recipient attributes", err)
		}
	}
	return &r, nil
}
