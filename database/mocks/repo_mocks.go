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
	"time"

	"github.com/kassaflow/kassaflow/database"
	"github.com/kassaflow/kassaflow/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Sale methods

func (m *MockDataSource) CreateSale(ctx context.Context, sale model.Sale) (*model.Sale, bool, error) {
	args := m.Called(ctx, sale)
	s, _ := args.Get(0).(*model.Sale)
	return s, args.Bool(1), args.Error(2)
}

func (m *MockDataSource) GetSale(ctx context.Context, userID, taskID string) (*model.Sale, error) {
	args := m.Called(ctx, userID, taskID)
	s, _ := args.Get(0).(*model.Sale)
	return s, args.Error(1)
}

func (m *MockDataSource) GetSaleByOrder(ctx context.Context, userID string, orderID int64) (*model.Sale, error) {
	args := m.Called(ctx, userID, orderID)
	s, _ := args.Get(0).(*model.Sale)
	return s, args.Error(1)
}

func (m *MockDataSource) FindSaleByTask(ctx context.Context, taskID string) (*model.Sale, error) {
	args := m.Called(ctx, taskID)
	s, _ := args.Get(0).(*model.Sale)
	return s, args.Error(1)
}

func (m *MockDataSource) FindSaleByInvoiceID(ctx context.Context, invoiceID string) (*model.Sale, error) {
	args := m.Called(ctx, invoiceID)
	s, _ := args.Get(0).(*model.Sale)
	return s, args.Error(1)
}

func (m *MockDataSource) FindSaleByReceiptID(ctx context.Context, receiptID string) (*model.Sale, error) {
	args := m.Called(ctx, receiptID)
	s, _ := args.Get(0).(*model.Sale)
	return s, args.Error(1)
}

func (m *MockDataSource) UpdateSale(ctx context.Context, userID, taskID string, fn database.SaleMutator) (*model.Sale, *model.Sale, error) {
	args := m.Called(ctx, userID, taskID, fn)
	before, _ := args.Get(0).(*model.Sale)
	after, _ := args.Get(1).(*model.Sale)
	return before, after, args.Error(2)
}

func (m *MockDataSource) UpdateSaleByOrder(ctx context.Context, userID string, orderID int64, fn database.SaleMutator) (*model.Sale, *model.Sale, error) {
	args := m.Called(ctx, userID, orderID, fn)
	before, _ := args.Get(0).(*model.Sale)
	after, _ := args.Get(1).(*model.Sale)
	return before, after, args.Error(2)
}

func (m *MockDataSource) PatchSale(ctx context.Context, userID, taskID string, patch model.SalePatch) (*model.Sale, error) {
	args := m.Called(ctx, userID, taskID, patch)
	s, _ := args.Get(0).(*model.Sale)
	return s, args.Error(1)
}

func (m *MockDataSource) PatchSaleByOrder(ctx context.Context, userID string, orderID int64, patch model.SalePatch) (*model.Sale, error) {
	args := m.Called(ctx, userID, orderID, patch)
	s, _ := args.Get(0).(*model.Sale)
	return s, args.Error(1)
}

func (m *MockDataSource) ListSales(ctx context.Context, limit, offset int) ([]model.Sale, error) {
	args := m.Called(ctx, limit, offset)
	v, _ := args.Get(0).([]model.Sale)
	return v, args.Error(1)
}

func (m *MockDataSource) ListSalesForOwner(ctx context.Context, userID string, limit, offset int) ([]model.Sale, error) {
	args := m.Called(ctx, userID, limit, offset)
	v, _ := args.Get(0).([]model.Sale)
	return v, args.Error(1)
}

func (m *MockDataSource) ListSalesAwaitingReceipts(ctx context.Context, afterID int64, limit int) ([]model.Sale, int64, error) {
	args := m.Called(ctx, afterID, limit)
	v, _ := args.Get(0).([]model.Sale)
	return v, args.Get(1).(int64), args.Error(2)
}

func (m *MockDataSource) ListSalesWithReceipts(ctx context.Context, afterID int64, limit int) ([]model.Sale, int64, error) {
	args := m.Called(ctx, afterID, limit)
	v, _ := args.Get(0).([]model.Sale)
	return v, args.Get(1).(int64), args.Error(2)
}

// Receipt job methods

func (m *MockDataSource) UpsertReceiptJob(ctx context.Context, job model.ReceiptJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockDataSource) GetReceiptJob(ctx context.Context, id string) (*model.ReceiptJob, error) {
	args := m.Called(ctx, id)
	j, _ := args.Get(0).(*model.ReceiptJob)
	return j, args.Error(1)
}

func (m *MockDataSource) ListReceiptJobs(ctx context.Context, limit, offset int) ([]model.ReceiptJob, error) {
	args := m.Called(ctx, limit, offset)
	v, _ := args.Get(0).([]model.ReceiptJob)
	return v, args.Error(1)
}

func (m *MockDataSource) ListDueReceiptJobs(ctx context.Context, now time.Time, limit int) ([]model.ReceiptJob, error) {
	args := m.Called(ctx, now, limit)
	v, _ := args.Get(0).([]model.ReceiptJob)
	return v, args.Error(1)
}

func (m *MockDataSource) DeleteReceiptJob(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) RecordReceiptJobFailure(ctx context.Context, id string, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

// Webhook event methods

func (m *MockDataSource) RecordWebhookEvent(ctx context.Context, event model.WebhookEvent) (int64, error) {
	args := m.Called(ctx, event)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) ListWebhookEvents(ctx context.Context, source string, afterID int64, limit int) ([]model.WebhookEvent, error) {
	args := m.Called(ctx, source, afterID, limit)
	v, _ := args.Get(0).([]model.WebhookEvent)
	return v, args.Error(1)
}
