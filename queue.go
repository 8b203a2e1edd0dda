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
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kassaflow/kassaflow/config"
	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/internal/issuer"
	redis_db "github.com/kassaflow/kassaflow/internal/redis-db"
)

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cnf       *config.Configuration
}

// SettlementPayload identifies the sale a settlement task works on.
type SettlementPayload struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opts, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(opts),
		Inspector: asynq.NewInspector(opts),
		cnf:       conf,
	}, nil
}

func (q *Queue) enqueue(ctx context.Context, queue string, payload interface{}, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	opts = append(opts, asynq.Queue(queue))
	task := asynq.NewTask(queue, data, opts...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logrus.WithField("queue", queue).Debug("task already queued")
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"queue": queue, "task_id": info.ID}).Debug("task enqueued")
	return nil
}

// EnqueueSettlement queues settlement of a sale. Repeated calls while a
// task for the sale is still held by the queue are collapsed.
func (q *Queue) EnqueueSettlement(ctx context.Context, userID, taskID string) error {
	ctx, span := tracer.Start(ctx, "Adding Settlement To Redis Queue")
	defer span.End()
	return q.enqueue(ctx, q.cnf.Queue.SettlementQueue,
		SettlementPayload{UserID: userID, TaskID: taskID},
		asynq.TaskID(fmt.Sprintf("settle:%s:%s", userID, taskID)),
		asynq.MaxRetry(5),
	)
}

func (q *Queue) EnqueueReceiptLookup(ctx context.Context, lookup ReceiptLookup) error {
	return q.enqueue(ctx, q.cnf.Queue.LookupQueue, lookup, asynq.MaxRetry(2))
}

func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	return q.enqueue(ctx, q.cnf.Queue.WebhookQueue, hook)
}

// QueueDepths reports pending, active and retrying tasks per queue. A queue
// that never received a task reports zero.
func (q *Queue) QueueDepths() (map[string]int, error) {
	known, err := q.Inspector.Queues()
	if err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(known))
	for _, name := range known {
		exists[name] = true
	}

	depths := map[string]int{}
	for _, name := range []string{q.cnf.Queue.SettlementQueue, q.cnf.Queue.LookupQueue, q.cnf.Queue.WebhookQueue} {
		if !exists[name] {
			depths[name] = 0
			continue
		}
		info, err := q.Inspector.GetQueueInfo(name)
		if err != nil {
			return nil, err
		}
		depths[name] = info.Pending + info.Active + info.Retry
	}
	return depths, nil
}

// queueInspector is implemented by dispatchers that can report their
// backlog.
type queueInspector interface {
	QueueDepths() (map[string]int, error)
}

// QueueDepths reports the backlog of each background queue.
func (k *Kassaflow) QueueDepths() (map[string]int, error) {
	qi, ok := k.dispatcher.(queueInspector)
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "queue depths are not available", nil)
	}
	return qi.QueueDepths()
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

// permanent stops asynq from retrying errors that cannot heal.
func permanent(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSaleNotSettled),
		errors.Is(err, ErrNoOrderNumber),
		errors.Is(err, ErrUnclassifiableReceipt),
		errors.Is(err, ErrDuplicateReceiptDetected),
		errors.Is(err, issuer.ErrMalformed):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	var rejected *issuer.RejectedError
	if errors.As(err, &rejected) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// ProcessSettlement settles the sale named by a settlement task.
func (k *Kassaflow) ProcessSettlement(ctx context.Context, task *asynq.Task) error {
	var p SettlementPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_, err := k.SettleSale(ctx, p.UserID, p.TaskID)
	return permanent(err)
}

// ProcessReceiptLookup fetches the link of a receipt recorded without one.
func (k *Kassaflow) ProcessReceiptLookup(ctx context.Context, task *asynq.Task) error {
	var l ReceiptLookup
	if err := json.Unmarshal(task.Payload(), &l); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return permanent(k.LookupReceipt(ctx, l))
}

// RegisterHandlers binds every queue this engine consumes to mux.
func (k *Kassaflow) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(k.cnf.Queue.SettlementQueue, k.ProcessSettlement)
	mux.HandleFunc(k.cnf.Queue.LookupQueue, k.ProcessReceiptLookup)
	mux.HandleFunc(k.cnf.Queue.WebhookQueue, k.ProcessWebhook)
}
