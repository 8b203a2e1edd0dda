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
	"time"

	"github.com/kassaflow/kassaflow/model"
)

// SaleMutator receives the locked current state of a sale and returns the
// patch to apply. Returning an error aborts the update and releases the lock.
type SaleMutator func(current model.Sale) (model.SalePatch, error)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	sale         // Interface for the sale ledger
	receiptJob   // Interface for deferred receipt jobs
	webhookEvent // Interface for the inbound webhook log
}

// sale defines methods for reading and patching sales.
type sale interface {
	CreateSale(ctx context.Context, sale model.Sale) (*model.Sale, bool, error)                                            // Inserts a sale unless (user, task) exists
	GetSale(ctx context.Context, userID, taskID string) (*model.Sale, error)                                               // Retrieves a sale by owner and task
	GetSaleByOrder(ctx context.Context, userID string, orderID int64) (*model.Sale, error)                                 // Retrieves a sale by owner and numeric order id
	FindSaleByTask(ctx context.Context, taskID string) (*model.Sale, error)                                                // Retrieves a sale by task id alone
	FindSaleByInvoiceID(ctx context.Context, invoiceID string) (*model.Sale, error)                                        // Retrieves the sale owning a correlation token
	FindSaleByReceiptID(ctx context.Context, receiptID string) (*model.Sale, error)                                        // Retrieves the sale holding a receipt id
	UpdateSale(ctx context.Context, userID, taskID string, fn SaleMutator) (*model.Sale, *model.Sale, error)               // Read-modify-write under a row lock
	UpdateSaleByOrder(ctx context.Context, userID string, orderID int64, fn SaleMutator) (*model.Sale, *model.Sale, error) // Same as UpdateSale, keyed by order
	PatchSale(ctx context.Context, userID, taskID string, patch model.SalePatch) (*model.Sale, error)                      // Merge-patches a sale
	PatchSaleByOrder(ctx context.Context, userID string, orderID int64, patch model.SalePatch) (*model.Sale, error)        // Merge-patches a sale by order
	ListSales(ctx context.Context, limit, offset int) ([]model.Sale, error)                                                // Lists all sales
	ListSalesForOwner(ctx context.Context, userID string, limit, offset int) ([]model.Sale, error)                         // Lists an owner's sales
	ListSalesAwaitingReceipts(ctx context.Context, afterID int64, limit int) ([]model.Sale, int64, error)                  // Settled sales with a receipt column still open
	ListSalesWithReceipts(ctx context.Context, afterID int64, limit int) ([]model.Sale, int64, error)                      // Sales holding at least one receipt
}

// receiptJob defines methods for the deferred receipt job store.
type receiptJob interface {
	UpsertReceiptJob(ctx context.Context, job model.ReceiptJob) error                             // Inserts or replaces a job by id
	GetReceiptJob(ctx context.Context, id string) (*model.ReceiptJob, error)                      // Retrieves a job
	ListReceiptJobs(ctx context.Context, limit, offset int) ([]model.ReceiptJob, error)           // Lists all jobs
	ListDueReceiptJobs(ctx context.Context, now time.Time, limit int) ([]model.ReceiptJob, error) // Lists jobs due at now
	DeleteReceiptJob(ctx context.Context, id string) error                                        // Removes a job
	RecordReceiptJobFailure(ctx context.Context, id string, reason string) error                  // Bumps attempts and stores the last error
}

// webhookEvent defines methods for the inbound webhook log.
type webhookEvent interface {
	RecordWebhookEvent(ctx context.Context, event model.WebhookEvent) (int64, error)                              // Stores a raw inbound notification
	ListWebhookEvents(ctx context.Context, source string, afterID int64, limit int) ([]model.WebhookEvent, error) // Pages through the log by source
}
