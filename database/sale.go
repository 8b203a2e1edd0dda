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
	"errors"
	"fmt"
	"time"

	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/model"
	"go.opentelemetry.io/otel"
)

const saleColumns = `id, user_id, task_id, order_id, order_ref, amount_gross_rub, is_agent,
	retained_commission_rub, vat_rate, description, items, to_char(service_end_date, 'YYYY-MM-DD'),
	partner_inn, partner_name, buyer_email, status, root_status, settlement_path, paid_at,
	invoice_id_prepay, invoice_id_offset, invoice_id_full, ofd_url, ofd_prepay_id,
	ofd_full_url, ofd_full_id, additional_commission_ofd_url, npd_receipt_uri,
	created_at_rw, created_at, updated_at`

// Matches a numeric order id, or a legacy row whose order_ref ends with it.
const orderPredicate = `user_id = $1 AND (order_id = $2 OR (order_id IS NULL AND CAST(substring(order_ref from '(\d+)\D*$') AS BIGINT) = $2))`

const settledStatuses = `('paid', 'transferred', 'completed')`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSale(row rowScanner) (*model.Sale, error) {
	sale := &model.Sale{}
	var orderID sql.NullInt64
	var items []byte
	err := row.Scan(
		&sale.ID, &sale.UserID, &sale.TaskID, &orderID, &sale.OrderRef, &sale.AmountGrossRub, &sale.IsAgent,
		&sale.RetainedCommissionRub, &sale.VatRate, &sale.Description, &items, &sale.ServiceEndDate,
		&sale.PartnerInn, &sale.PartnerName, &sale.BuyerEmail, &sale.Status, &sale.RootStatus, &sale.SettlementPath, &sale.PaidAt,
		&sale.InvoiceIDPrepay, &sale.InvoiceIDOffset, &sale.InvoiceIDFull, &sale.OfdURL, &sale.OfdPrepayID,
		&sale.OfdFullURL, &sale.OfdFullID, &sale.AdditionalCommissionOfdURL, &sale.NpdReceiptURI,
		&sale.CreatedAtRw, &sale.CreatedAt, &sale.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if orderID.Valid {
		sale.OrderID = orderID.Int64
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &sale.Items); err != nil {
			return nil, err
		}
	}
	return sale, nil
}

func scanSales(rows *sql.Rows) ([]model.Sale, error) {
	defer rows.Close()
	sales := []model.Sale{}
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan sale", err)
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate sales", err)
	}
	return sales, nil
}

// CreateSale inserts a sale. When (user, task) already exists the stored
// sale is returned and created is false.
func (d Datasource) CreateSale(ctx context.Context, sale model.Sale) (*model.Sale, bool, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Saving sale to db")
	defer span.End()

	var items []byte
	if len(sale.Items) > 0 {
		var err error
		items, err = json.Marshal(sale.Items)
		if err != nil {
			return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal line items", err)
		}
	}
	if sale.VatRate == "" {
		sale.VatRate = "VatNo"
	}

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO sales (
			user_id, task_id, order_id, order_ref, amount_gross_rub, is_agent, retained_commission_rub,
			vat_rate, description, items, service_end_date, partner_inn, partner_name, buyer_email,
			status, root_status, created_at_rw
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (user_id, task_id) DO NOTHING
		RETURNING id, created_at, updated_at`,
		sale.UserID, sale.TaskID, sql.NullInt64{Int64: sale.OrderID, Valid: sale.OrderID > 0}, sale.OrderRef,
		sale.AmountGrossRub, sale.IsAgent, sale.RetainedCommissionRub, sale.VatRate, sale.Description, items,
		sale.ServiceEndDate, sale.PartnerInn, sale.PartnerName, sale.BuyerEmail,
		model.NormalizeStatus(sale.Status), sale.RootStatus, sale.CreatedAtRw,
	).Scan(&sale.ID, &sale.CreatedAt, &sale.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := d.GetSale(ctx, sale.UserID, sale.TaskID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create sale", err)
	}
	sale.Status = model.NormalizeStatus(sale.Status)
	return &sale, true, nil
}

func (d Datasource) getSaleWhere(ctx context.Context, where string, label string, args ...interface{}) (*model.Sale, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+where+` ORDER BY id LIMIT 1`, args...)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Sale %s not found", label), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch sale", err)
	}
	return sale, nil
}

// GetSale retrieves a sale by owner and task id.
func (d Datasource) GetSale(ctx context.Context, userID, taskID string) (*model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Fetching sale from db")
	defer span.End()

	return d.getSaleWhere(ctx, `user_id = $1 AND task_id = $2`, fmt.Sprintf("%s/%s", userID, taskID), userID, taskID)
}

// GetSaleByOrder retrieves a sale by owner and numeric order id, including
// legacy rows whose order id only survives inside order_ref.
func (d Datasource) GetSaleByOrder(ctx context.Context, userID string, orderID int64) (*model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Fetching sale by order from db")
	defer span.End()

	return d.getSaleWhere(ctx, orderPredicate, fmt.Sprintf("%s/order %d", userID, orderID), userID, orderID)
}

func (d Datasource) FindSaleByTask(ctx context.Context, taskID string) (*model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Fetching sale by task from db")
	defer span.End()

	return d.getSaleWhere(ctx, `task_id = $1`, "for task "+taskID, taskID)
}

func (d Datasource) FindSaleByInvoiceID(ctx context.Context, invoiceID string) (*model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Fetching sale by invoice id from db")
	defer span.End()

	return d.getSaleWhere(ctx, `invoice_id_prepay = $1 OR invoice_id_offset = $1 OR invoice_id_full = $1`, "for invoice "+invoiceID, invoiceID)
}

func (d Datasource) FindSaleByReceiptID(ctx context.Context, receiptID string) (*model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Fetching sale by receipt id from db")
	defer span.End()

	return d.getSaleWhere(ctx, `ofd_prepay_id = $1 OR ofd_full_id = $1`, "for receipt "+receiptID, receiptID)
}

// UpdateSale runs fn against the current sale while holding its row lock
// and writes the resulting merge-patch. Concurrent updates of the same sale
// are serialized by the lock, so disjoint patches never lose each other.
// When the patch changes nothing no write happens and updated_at is kept.
func (d Datasource) UpdateSale(ctx context.Context, userID, taskID string, fn SaleMutator) (*model.Sale, *model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Updating sale")
	defer span.End()

	return d.updateSaleWhere(ctx, `user_id = $1 AND task_id = $2`, fmt.Sprintf("%s/%s", userID, taskID), fn, userID, taskID)
}

func (d Datasource) UpdateSaleByOrder(ctx context.Context, userID string, orderID int64, fn SaleMutator) (*model.Sale, *model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Updating sale by order")
	defer span.End()

	return d.updateSaleWhere(ctx, orderPredicate, fmt.Sprintf("%s/order %d", userID, orderID), fn, userID, orderID)
}

func (d Datasource) PatchSale(ctx context.Context, userID, taskID string, patch model.SalePatch) (*model.Sale, error) {
	_, after, err := d.UpdateSale(ctx, userID, taskID, func(model.Sale) (model.SalePatch, error) {
		return patch, nil
	})
	return after, err
}

func (d Datasource) PatchSaleByOrder(ctx context.Context, userID string, orderID int64, patch model.SalePatch) (*model.Sale, error) {
	_, after, err := d.UpdateSaleByOrder(ctx, userID, orderID, func(model.Sale) (model.SalePatch, error) {
		return patch, nil
	})
	return after, err
}

func (d Datasource) updateSaleWhere(ctx context.Context, where string, label string, fn SaleMutator, args ...interface{}) (*model.Sale, *model.Sale, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+where+` ORDER BY id LIMIT 1 FOR UPDATE`, args...)
	current, err := scanSale(row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Sale %s not found", label), err)
		}
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock sale", err)
	}

	patch, err := fn(*current)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}

	before := *current
	after := *current
	if !patch.Apply(&after) {
		if err := tx.Commit(); err != nil {
			return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
		}
		return &before, &after, nil
	}
	after.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE sales SET
			amount_gross_rub = $2, is_agent = $3, retained_commission_rub = $4, vat_rate = $5,
			description = $6, service_end_date = $7, partner_inn = $8, partner_name = $9,
			buyer_email = $10, status = $11, root_status = $12, settlement_path = $13, paid_at = $14,
			invoice_id_prepay = $15, invoice_id_offset = $16, invoice_id_full = $17,
			ofd_url = $18, ofd_prepay_id = $19, ofd_full_url = $20, ofd_full_id = $21,
			additional_commission_ofd_url = $22, npd_receipt_uri = $23, created_at_rw = $24,
			updated_at = $25
		WHERE id = $1`,
		after.ID, after.AmountGrossRub, after.IsAgent, after.RetainedCommissionRub, after.VatRate,
		after.Description, after.ServiceEndDate, after.PartnerInn, after.PartnerName,
		after.BuyerEmail, after.Status, after.RootStatus, after.SettlementPath, after.PaidAt,
		after.InvoiceIDPrepay, after.InvoiceIDOffset, after.InvoiceIDFull,
		after.OfdURL, after.OfdPrepayID, after.OfdFullURL, after.OfdFullID,
		after.AdditionalCommissionOfdURL, after.NpdReceiptURI, after.CreatedAtRw,
		after.UpdatedAt,
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update sale", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return &before, &after, nil
}

// ListSales retrieves sales ordered by id.
func (d Datasource) ListSales(ctx context.Context, limit, offset int) ([]model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Listing sales")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list sales", err)
	}
	return scanSales(rows)
}

func (d Datasource) ListSalesForOwner(ctx context.Context, userID string, limit, offset int) ([]model.Sale, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Listing sales for owner")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE user_id = $1 ORDER BY id LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list sales", err)
	}
	return scanSales(rows)
}

// ListSalesAwaitingReceipts pages through settled sales that still have an
// open receipt column, or a recorded receipt id without its public link.
// The returned cursor is the id to pass as afterID for the next page.
func (d Datasource) ListSalesAwaitingReceipts(ctx context.Context, afterID int64, limit int) ([]model.Sale, int64, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Listing sales awaiting receipts")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales
		WHERE id > $1 AND status IN `+settledStatuses+` AND (
			settlement_path IS NULL
			OR (ofd_full_url IS NULL AND ofd_full_id IS NULL)
			OR (settlement_path = 'deferred' AND ofd_url IS NULL AND ofd_prepay_id IS NULL)
			OR (ofd_prepay_id IS NOT NULL AND ofd_url IS NULL)
			OR (ofd_full_id IS NOT NULL AND ofd_full_url IS NULL)
		)
		ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, afterID, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list sales awaiting receipts", err)
	}
	sales, err := scanSales(rows)
	if err != nil {
		return nil, afterID, err
	}
	return sales, nextCursor(sales, afterID), nil
}

// ListSalesWithReceipts pages through sales holding at least one receipt.
func (d Datasource) ListSalesWithReceipts(ctx context.Context, afterID int64, limit int) ([]model.Sale, int64, error) {
	ctx, span := otel.Tracer("Sale").Start(ctx, "Listing sales with receipts")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales
		WHERE id > $1 AND (ofd_url IS NOT NULL OR ofd_prepay_id IS NOT NULL OR ofd_full_url IS NOT NULL OR ofd_full_id IS NOT NULL)
		ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, afterID, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list sales with receipts", err)
	}
	sales, err := scanSales(rows)
	if err != nil {
		return nil, afterID, err
	}
	return sales, nextCursor(sales, afterID), nil
}

func nextCursor(sales []model.Sale, afterID int64) int64 {
	if len(sales) == 0 {
		return afterID
	}
	return sales[len(sales)-1].ID
}
