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

	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/model"
	"go.opentelemetry.io/otel"
)

// RecordWebhookEvent appends a raw inbound notification to the log.
func (d Datasource) RecordWebhookEvent(ctx context.Context, event model.WebhookEvent) (int64, error) {
	ctx, span := otel.Tracer("WebhookEvent").Start(ctx, "Saving webhook event to db")
	defer span.End()

	var id int64
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO webhook_events (source, user_id, kind, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		event.Source, event.UserID, event.Kind, []byte(event.Payload),
	).Scan(&id)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record webhook event", err)
	}
	return id, nil
}

// ListWebhookEvents pages through the log of one source in arrival order.
func (d Datasource) ListWebhookEvents(ctx context.Context, source string, afterID int64, limit int) ([]model.WebhookEvent, error) {
	ctx, span := otel.Tracer("WebhookEvent").Start(ctx, "Listing webhook events")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, source, user_id, kind, payload, received_at
		FROM webhook_events
		WHERE source = $1 AND id > $2
		ORDER BY id LIMIT $3`, source, afterID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list webhook events", err)
	}
	defer rows.Close()

	events := []model.WebhookEvent{}
	for rows.Next() {
		var event model.WebhookEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.Source, &event.UserID, &event.Kind, &payload, &event.ReceivedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan webhook event", err)
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate webhook events", err)
	}
	return events, nil
}
