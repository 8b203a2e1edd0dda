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
	"embed"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kassaflow/kassaflow/config"
	"github.com/kassaflow/kassaflow/database"
	"github.com/kassaflow/kassaflow/internal/cache"
	"github.com/kassaflow/kassaflow/internal/issuer"
	redis_db "github.com/kassaflow/kassaflow/internal/redis-db"
	"github.com/kassaflow/kassaflow/internal/tasksystem"
	"github.com/kassaflow/kassaflow/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// ReceiptIssuer creates fiscal receipts and reports on them.
type ReceiptIssuer interface {
	CreateReceipt(ctx context.Context, payload model.FiscalReceiptPayload) (*issuer.Ack, error)
	ReceiptStatus(ctx context.Context, q issuer.StatusQuery) (*model.ReceiptEvidence, error)
}

// TaskDirectory resolves executor details from the task processing system.
type TaskDirectory interface {
	LookupPayee(ctx context.Context, taskID string) (inn, name string, err error)
}

// Dispatcher hands work to background queues.
type Dispatcher interface {
	EnqueueSettlement(ctx context.Context, userID, taskID string) error
	EnqueueReceiptLookup(ctx context.Context, lookup ReceiptLookup) error
	EnqueueWebhook(ctx context.Context, hook NewWebhook) error
}

// Kassaflow owns the sale ledger and everything that issues, records and
// repairs receipts for it.
type Kassaflow struct {
	datasource database.IDataSource
	issuer     ReceiptIssuer
	tasks      TaskDirectory
	dispatcher Dispatcher
	redis      redis.UniversalClient
	cnf        *config.Configuration
	loc        *time.Location
	now        func() time.Time
	retry      retryPolicy
	repairWait time.Duration

	schedule *ScheduleWorker
	repair   *RepairWorker
}

// Deps wires a Kassaflow by hand. Redis may be nil, in which case the
// periodic repair sweep runs without the cross-process lock.
type Deps struct {
	DataSource database.IDataSource
	Issuer     ReceiptIssuer
	Tasks      TaskDirectory
	Dispatcher Dispatcher
	Redis      redis.UniversalClient
	Config     *config.Configuration
	Now        func() time.Time
}

// New builds an engine from explicit dependencies.
func New(d Deps) *Kassaflow {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	k := &Kassaflow{
		datasource: d.DataSource,
		issuer:     d.Issuer,
		tasks:      d.Tasks,
		dispatcher: d.Dispatcher,
		redis:      d.Redis,
		cnf:        d.Config,
		loc:        d.Config.Location(),
		now:        now,
		retry:      defaultRetryPolicy(),
		repairWait: 30 * time.Second,
	}
	k.schedule = newScheduleWorker(k, time.Duration(d.Config.Workers.ScheduleIntervalSec)*time.Second)
	k.repair = newRepairWorker(k, time.Duration(d.Config.Workers.RepairIntervalSec)*time.Second)
	return k
}

// NewKassaflow builds the production engine from the stored configuration:
// a Redis-shared issuer token, both HTTP clients and the asynq dispatcher.
func NewKassaflow(db database.IDataSource) (*Kassaflow, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient(redis_db.SplitAddresses(cnf.Redis.Dns), cnf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	queue, err := NewQueue(cnf)
	if err != nil {
		return nil, err
	}

	tokenCache := cache.NewCache(redisClient.Client(), time.Minute)
	issuerClient := issuer.NewClient(issuer.Config{
		BaseURL:  cnf.Issuer.BaseURL,
		Login:    cnf.Issuer.Login,
		Password: cnf.Issuer.Password,
		ViewBase: cnf.Issuer.ReceiptViewBase,
		Timeout:  time.Duration(cnf.Issuer.TimeoutSec) * time.Second,
	}, tokenCache)
	taskClient := tasksystem.NewClient(tasksystem.Config{
		BaseURL: cnf.TaskSystem.BaseURL,
		Token:   cnf.TaskSystem.Token,
		Timeout: time.Duration(cnf.TaskSystem.TimeoutSec) * time.Second,
	})

	return New(Deps{
		DataSource: db,
		Issuer:     issuerClient,
		Tasks:      taskClient,
		Dispatcher: queue,
		Redis:      redisClient.Client(),
		Config:     cnf,
	}), nil
}

// ScheduleWorker returns the engine's single deferred-receipt worker.
func (k *Kassaflow) ScheduleWorker() *ScheduleWorker {
	return k.schedule
}

// RepairWorker returns the engine's single periodic repair worker.
func (k *Kassaflow) RepairWorker() *RepairWorker {
	return k.repair
}

// callbackURL is where the issuer reports on receipts created for userID.
func (k *Kassaflow) callbackURL(userID string) string {
	base := k.cnf.Issuer.CallbackURL
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("uid", userID)
	if k.cnf.Webhook.Secret != "" {
		q.Set("secret", k.cnf.Webhook.Secret)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
