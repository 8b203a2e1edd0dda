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

package kassaflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kassaflow/kassaflow/internal/request"
	"github.com/kassaflow/kassaflow/model"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// ReceiptEvent is the payload of receipt.* notifications.
type ReceiptEvent struct {
	UserID    string            `json:"user_id"`
	TaskID    string            `json:"task_id"`
	OrderID   int64             `json:"order_id"`
	Role      model.ReceiptRole `json:"role"`
	ReceiptID string            `json:"receipt_id"`
	URL       string            `json:"url,omitempty"`
	Sale      *model.Sale       `json:"sale"`
}

func newReceiptEvent(sale *model.Sale, role model.ReceiptRole) ReceiptEvent {
	id, link := receiptColumns(sale, role)
	return ReceiptEvent{
		UserID:    sale.UserID,
		TaskID:    sale.TaskID,
		OrderID:   sale.OrderID,
		Role:      role,
		ReceiptID: id,
		URL:       link,
		Sale:      sale,
	}
}

// emit queues an outgoing notification. It does nothing when no webhook
// URL is configured.
func (k *Kassaflow) emit(ctx context.Context, event string, payload interface{}) {
	if k.cnf.Notification.Webhook.Url == "" || k.dispatcher == nil {
		return
	}
	if err := k.dispatcher.EnqueueWebhook(ctx, NewWebhook{Event: event, Payload: payload}); err != nil {
		logrus.WithField("event", event).WithError(err).Error("failed to enqueue webhook")
	}
}

// processHTTP sends a webhook notification via HTTP POST request.
func (k *Kassaflow) processHTTP(ctx context.Context, data NewWebhook) error {
	req, err := request.NewJSONRequest(ctx, http.MethodPost, k.cnf.Notification.Webhook.Url, data)
	if err != nil {
		return err
	}
	for key, value := range k.cnf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	_, err = request.Do(client, req)
	if err != nil {
		var se *request.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			logrus.WithFields(logrus.Fields{"event": data.Event, "status": se.StatusCode}).Warn("webhook rejected by receiver")
			return nil
		}
		return err
	}
	logrus.WithField("event", data.Event).Info("webhook notification sent")
	return nil
}

// ProcessWebhook delivers a queued webhook notification.
func (k *Kassaflow) ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	if k.cnf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("error unmarshaling webhook payload")
		return err
	}
	return k.processHTTP(ctx, payload)
}
