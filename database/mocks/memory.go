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

package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kassaflow/kassaflow/database"
	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/model"
)

// MemoryDataSource is an in-process IDataSource. UpdateSale holds a single
// mutex for the read-modify-write, standing in for the Postgres row lock.
type MemoryDataSource struct {
	mu      sync.Mutex
	sales   []*model.Sale
	jobs    map[string]*model.ReceiptJob
	events  []model.WebhookEvent
	nextID  int64
	Now     func() time.Time
	Updates int
}

func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{
		jobs: make(map[string]*model.ReceiptJob),
		Now:  time.Now,
	}
}

var _ database.IDataSource = (*MemoryDataSource)(nil)

func notFound(label string) error {
	return apierror.APIError{Code: apierror.ErrNotFound, Message: fmt.Sprintf("Sale %s not found", label)}
}

func cloneSale(s *model.Sale) *model.Sale {
	c := *s
	return &c
}

func (m *MemoryDataSource) find(match func(*model.Sale) bool) *model.Sale {
	for _, s := range m.sales {
		if match(s) {
			return s
		}
	}
	return nil
}

func matchTask(userID, taskID string) func(*model.Sale) bool {
	return func(s *model.Sale) bool { return s.UserID == userID && s.TaskID == taskID }
}

func matchOrder(userID string, orderID int64) func(*model.Sale) bool {
	return func(s *model.Sale) bool {
		if s.UserID != userID {
			return false
		}
		if s.OrderID > 0 {
			return s.OrderID == orderID
		}
		n, ok := s.OrderNumber()
		return ok && n == orderID
	}
}

func matchString(value string, fields func(*model.Sale) []*string) func(*model.Sale) bool {
	return func(s *model.Sale) bool {
		for _, f := range fields(s) {
			if f != nil && *f == value {
				return true
			}
		}
		return false
	}
}

func (m *MemoryDataSource) get(match func(*model.Sale) bool, label string) (*model.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(match)
	if s == nil {
		return nil, notFound(label)
	}
	return cloneSale(s), nil
}

func (m *MemoryDataSource) CreateSale(_ context.Context, sale model.Sale) (*model.Sale, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.find(matchTask(sale.UserID, sale.TaskID)); existing != nil {
		return cloneSale(existing), false, nil
	}
	m.nextID++
	sale.ID = m.nextID
	sale.Status = model.NormalizeStatus(sale.Status)
	if sale.VatRate == "" {
		sale.VatRate = "VatNo"
	}
	now := m.Now().UTC()
	sale.CreatedAt, sale.UpdatedAt = now, now
	stored := sale
	m.sales = append(m.sales, &stored)
	return cloneSale(&stored), true, nil
}

func (m *MemoryDataSource) GetSale(_ context.Context, userID, taskID string) (*model.Sale, error) {
	return m.get(matchTask(userID, taskID), userID+"/"+taskID)
}

func (m *MemoryDataSource) GetSaleByOrder(_ context.Context, userID string, orderID int64) (*model.Sale, error) {
	return m.get(matchOrder(userID, orderID), fmt.Sprintf("%s/order %d", userID, orderID))
}

func (m *MemoryDataSource) FindSaleByTask(_ context.Context, taskID string) (*model.Sale, error) {
	return m.get(func(s *model.Sale) bool { return s.TaskID == taskID }, "for task "+taskID)
}

func (m *MemoryDataSource) FindSaleByInvoiceID(_ context.Context, invoiceID string) (*model.Sale, error) {
	return m.get(matchString(invoiceID, func(s *model.Sale) []*string {
		return []*string{s.InvoiceIDPrepay, s.InvoiceIDOffset, s.InvoiceIDFull}
	}), "for invoice "+invoiceID)
}

func (m *MemoryDataSource) FindSaleByReceiptID(_ context.Context, receiptID string) (*model.Sale, error) {
	return m.get(matchString(receiptID, func(s *model.Sale) []*string {
		return []*string{s.OfdPrepayID, s.OfdFullID}
	}), "for receipt "+receiptID)
}

func (m *MemoryDataSource) update(match func(*model.Sale) bool, label string, fn database.SaleMutator) (*model.Sale, *model.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.find(match)
	if stored == nil {
		return nil, nil, notFound(label)
	}
	patch, err := fn(*cloneSale(stored))
	if err != nil {
		return nil, nil, err
	}
	before := cloneSale(stored)
	after := cloneSale(stored)
	if !patch.Apply(after) {
		return before, after, nil
	}
	after.UpdatedAt = m.Now().UTC()
	*stored = *after
	m.Updates++
	return before, cloneSale(after), nil
}

func (m *MemoryDataSource) UpdateSale(_ context.Context, userID, taskID string, fn database.SaleMutator) (*model.Sale, *model.Sale, error) {
	return m.update(matchTask(userID, taskID), userID+"/"+taskID, fn)
}

func (m *MemoryDataSource) UpdateSaleByOrder(_ context.Context, userID string, orderID int64, fn database.SaleMutator) (*model.Sale, *model.Sale, error) {
	return m.update(matchOrder(userID, orderID), fmt.Sprintf("%s/order %d", userID, orderID), fn)
}

func (m *MemoryDataSource) PatchSale(ctx context.Context, userID, taskID string, patch model.SalePatch) (*model.Sale, error) {
	_, after, err := m.UpdateSale(ctx, userID, taskID, func(model.Sale) (model.SalePatch, error) { return patch, nil })
	return after, err
}

func (m *MemoryDataSource) PatchSaleByOrder(ctx context.Context, userID string, orderID int64, patch model.SalePatch) (*model.Sale, error) {
	_, after, err := m.UpdateSaleByOrder(ctx, userID, orderID, func(model.Sale) (model.SalePatch, error) { return patch, nil })
	return after, err
}

func (m *MemoryDataSource) list(match func(*model.Sale) bool) []model.Sale {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Sale{}
	for _, s := range m.sales {
		if match(s) {
			out = append(out, *cloneSale(s))
		}
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cursorPage(sales []model.Sale, afterID int64, limit int) ([]model.Sale, int64) {
	out := []model.Sale{}
	for _, s := range sales {
		if s.ID > afterID {
			out = append(out, s)
		}
	}
	out = page(out, limit, 0)
	if len(out) == 0 {
		return out, afterID
	}
	return out, out[len(out)-1].ID
}

func (m *MemoryDataSource) ListSales(_ context.Context, limit, offset int) ([]model.Sale, error) {
	return page(m.list(func(*model.Sale) bool { return true }), limit, offset), nil
}

func (m *MemoryDataSource) ListSalesForOwner(_ context.Context, userID string, limit, offset int) ([]model.Sale, error) {
	return page(m.list(func(s *model.Sale) bool { return s.UserID == userID }), limit, offset), nil
}

func (m *MemoryDataSource) ListSalesAwaitingReceipts(_ context.Context, afterID int64, limit int) ([]model.Sale, int64, error) {
	sales := m.list(func(s *model.Sale) bool {
		if !model.IsSettled(s.Status) {
			return false
		}
		deferred := s.SettlementPath != nil && *s.SettlementPath == model.SettlementDeferred
		return s.SettlementPath == nil ||
			!s.HasFullReceipt() ||
			(deferred && !s.HasPrepayReceipt()) ||
			(s.OfdPrepayID != nil && s.OfdURL == nil) ||
			(s.OfdFullID != nil && s.OfdFullURL == nil)
	})
	out, next := cursorPage(sales, afterID, limit)
	return out, next, nil
}

func (m *MemoryDataSource) ListSalesWithReceipts(_ context.Context, afterID int64, limit int) ([]model.Sale, int64, error) {
	sales := m.list(func(s *model.Sale) bool { return s.HasPrepayReceipt() || s.HasFullReceipt() })
	out, next := cursorPage(sales, afterID, limit)
	return out, next, nil
}

func (m *MemoryDataSource) UpsertReceiptJob(_ context.Context, job model.ReceiptJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[job.ID]; ok {
		job.InvoiceID = existing.InvoiceID
		job.Attempts = existing.Attempts
		job.LastError = existing.LastError
		job.CreatedAt = existing.CreatedAt
	} else {
		job.CreatedAt = m.Now().UTC()
	}
	m.jobs[job.ID] = &job
	return nil
}

func (m *MemoryDataSource) GetReceiptJob(_ context.Context, id string) (*model.ReceiptJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apierror.APIError{Code: apierror.ErrNotFound, Message: fmt.Sprintf("Receipt job '%s' not found", id)}
	}
	c := *job
	return &c, nil
}

func (m *MemoryDataSource) sortedJobs(match func(*model.ReceiptJob) bool) []model.ReceiptJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ReceiptJob{}
	for _, j := range m.jobs {
		if match(j) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].DueAt.Equal(out[k].DueAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].DueAt.Before(out[k].DueAt)
	})
	return out
}

func (m *MemoryDataSource) ListReceiptJobs(_ context.Context, limit, offset int) ([]model.ReceiptJob, error) {
	return page(m.sortedJobs(func(*model.ReceiptJob) bool { return true }), limit, offset), nil
}

func (m *MemoryDataSource) ListDueReceiptJobs(_ context.Context, now time.Time, limit int) ([]model.ReceiptJob, error) {
	return page(m.sortedJobs(func(j *model.ReceiptJob) bool { return j.Due(now) }), limit, 0), nil
}

func (m *MemoryDataSource) DeleteReceiptJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryDataSource) RecordReceiptJobFailure(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Attempts++
		r := reason
		job.LastError = &r
	}
	return nil
}

func (m *MemoryDataSource) RecordWebhookEvent(_ context.Context, event model.WebhookEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.events) + 1)
	event.ReceivedAt = m.Now().UTC()
	m.events = append(m.events, event)
	return event.ID, nil
}

func (m *MemoryDataSource) ListWebhookEvents(_ context.Context, source string, afterID int64, limit int) ([]model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookEvent{}
	for _, e := range m.events {
		if e.Source == source && e.ID > afterID {
			out = append(out, e)
		}
	}
	return page(out, limit, 0), nil
}
