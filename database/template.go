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

	"go.opentelemetry.io/otel"

	"github.com/courierhq/courier/internal/apierror"
	"github.com/courierhq/courier/model"
)

func (d Datasource) GetTemplate(ctx context.Context, key string) (*model.Template, error) {
	ctx, span := otel.Tracer("Template store").Start(ctx, "Fetching template from db")
	defer span.End()

	t := model.Template{}
	var defaults []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT template_key, body, active, default_variables, created_at
		FROM courier.templates
		WHERE template_key = $1
	`, key).Scan(&t.TemplateKey, &t.Body, &t.Active, &defaults, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Template '%s' not found", key), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve template", err)
	}

	if len(defaults) > 0 {
		if err := json.Unmarshal(defaults, &t.DefaultVariables); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal template defaults", err)
		}
	}
	return &t, nil
}

func (d Datasource) ListActiveTemplateKeys(ctx context.Context) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT template_key FROM courier.templates WHERE active ORDER BY template_key`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list templates", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan template key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over templates", err)
	}
	return keys, nil
}
