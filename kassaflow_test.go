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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/kassaflow/kassaflow/config"
	"github.com/kassaflow/kassaflow/database/mocks"
	"github.com/kassaflow/kassaflow/internal/issuer"
	"github.com/kassaflow/kassaflow/model"
)

// fakeIssuer keeps every receipt it created, indexed by id and invoice.
type fakeIssuer struct {
	mu        sync.Mutex
	byID      map[string]*model.ReceiptEvidence
	byInvoice map[string]*model.ReceiptEvidence
	created   []model.FiscalReceiptPayload
	next      int

	withURL    bool
	acceptOnly bool
	createErr  error
	statusErr  error
	statusHits int
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{
		byID:      map[string]*model.ReceiptEvidence{},
		byInvoice: map[string]*model.ReceiptEvidence{},
		withURL:   true,
	}
}

func (f *fakeIssuer) CreateReceipt(_ context.Context, payload model.FiscalReceiptPayload) (*issuer.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.next++
	id := fmt.Sprintf("rcpt-%d", f.next)
	ev := &model.ReceiptEvidence{
		ReceiptID:    id,
		InvoiceID:    payload.Request.InvoiceID,
		DocumentType: payload.Request.Type,
	}
	if items := payload.Request.CustomerReceipt.Items; len(items) > 0 {
		ev.PaymentMethod = items[0].PaymentMethod
	}
	f.store(ev)
	f.created = append(f.created, payload)
	if f.acceptOnly {
		return &issuer.Ack{InvoiceID: payload.Request.InvoiceID}, nil
	}
	return &issuer.Ack{ReceiptID: id, InvoiceID: payload.Request.InvoiceID}, nil
}

// store registers a receipt the issuer knows about.
func (f *fakeIssuer) store(ev *model.ReceiptEvidence) {
	f.byID[ev.ReceiptID] = ev
	if ev.InvoiceID != "" {
		f.byInvoice[ev.InvoiceID] = ev
	}
}

func (f *fakeIssuer) seed(ev model.ReceiptEvidence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(&ev)
}

func (f *fakeIssuer) ReceiptStatus(_ context.Context, q issuer.StatusQuery) (*model.ReceiptEvidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHits++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	ev, ok := f.byID[q.ReceiptID]
	if q.ReceiptID == "" {
		ev, ok = f.byInvoice[q.InvoiceID]
	}
	if !ok {
		return nil, issuer.ErrNotFound
	}
	out := *ev
	if f.withURL && out.URL == "" {
		out.URL = "https://check.test/rec/" + out.ReceiptID
	}
	return &out, nil
}

func (f *fakeIssuer) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeIssuer) lastCreated() model.FiscalReceiptPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

type fakeTasks struct {
	payees map[string][2]string
	err    error
	calls  int
}

func (f *fakeTasks) LookupPayee(_ context.Context, taskID string) (string, string, error) {
	f.calls++
	if f.err != nil {
		return "", "", f.err
	}
	p, ok := f.payees[taskID]
	if !ok {
		return "", "", fmt.Errorf("task %s has no executor", taskID)
	}
	return p[0], p[1], nil
}

type fakeDispatcher struct {
	mu          sync.Mutex
	settlements []SettlementPayload
	lookups     []ReceiptLookup
	webhooks    []NewWebhook
}

func (d *fakeDispatcher) EnqueueSettlement(_ context.Context, userID, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settlements = append(d.settlements, SettlementPayload{UserID: userID, TaskID: taskID})
	return nil
}

func (d *fakeDispatcher) EnqueueReceiptLookup(_ context.Context, l ReceiptLookup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups = append(d.lookups, l)
	return nil
}

func (d *fakeDispatcher) EnqueueWebhook(_ context.Context, hook NewWebhook) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.webhooks = append(d.webhooks, hook)
	return nil
}

func (d *fakeDispatcher) events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.webhooks))
	for _, w := range d.webhooks {
		out = append(out, w.Event)
	}
	return out
}

type harness struct {
	k     *Kassaflow
	ds    *mocks.MemoryDataSource
	iss   *fakeIssuer
	tasks *fakeTasks
	disp  *fakeDispatcher
	clock time.Time
}

var moscow = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		panic(err)
	}
	return loc
}()

func testConfig() *config.Configuration {
	cnf := &config.Configuration{}
	cnf.Issuer.Inn = "7707083893"
	cnf.Issuer.OrgName = "Kassa LLC"
	cnf.Issuer.TaxationSystem = "Common"
	cnf.Issuer.Timezone = "Europe/Moscow"
	cnf.Issuer.ReceiptViewBase = "https://check.test/rec"
	cnf.Issuer.CallbackURL = "https://kassa.test/webhooks/fiscal"
	cnf.Webhook.Secret = "s3cret"
	cnf.Notification.Webhook.Url = "https://hooks.test/kassaflow"
	cnf.Workers = config.WorkersConfig{
		ScheduleIntervalSec: 60,
		RepairIntervalSec:   60,
		LookupIntervalMs:    1,
		LookupAttempts:      3,
		RepairBatch:         2,
		FullReceiptHour:     12,
	}
	cnf.Queue = config.QueueConfig{
		SettlementQueue: "settlements",
		LookupQueue:     "receipt_lookups",
		WebhookQueue:    "webhooks",
	}
	return cnf
}

// newHarness builds an engine whose clock starts at now and whose retries
// do not sleep.
func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	h := &harness{
		ds:    mocks.NewMemoryDataSource(),
		iss:   newFakeIssuer(),
		tasks: &fakeTasks{payees: map[string][2]string{}},
		disp:  &fakeDispatcher{},
		clock: now,
	}
	h.ds.Now = func() time.Time { return h.clock }
	h.k = New(Deps{
		DataSource: h.ds,
		Issuer:     h.iss,
		Tasks:      h.tasks,
		Dispatcher: h.disp,
		Config:     testConfig(),
		Now:        func() time.Time { return h.clock },
	})
	h.k.retry = retryPolicy{
		newBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		maxRetries: 2,
	}
	return h
}

func (h *harness) sale(t *testing.T, s model.Sale) *model.Sale {
	t.Helper()
	saved, created, err := h.ds.CreateSale(context.Background(), s)
	require.NoError(t, err)
	require.True(t, created)
	return saved
}

func (h *harness) get(t *testing.T, userID, taskID string) *model.Sale {
	t.Helper()
	s, err := h.ds.GetSale(context.Background(), userID, taskID)
	require.NoError(t, err)
	return s
}

func directSale(userID, taskID string, order int64, endDate string) model.Sale {
	s := model.Sale{
		UserID:         userID,
		TaskID:         taskID,
		OrderID:        order,
		AmountGrossRub: decimal.RequireFromString("1500.00"),
		Description:    "Logo design",
		Status:         "new",
	}
	if endDate != "" {
		s.ServiceEndDate = ptr.String(endDate)
	}
	return s
}

func at(day, clock string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, moscow)
	if err != nil {
		panic(err)
	}
	return t
}
