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
	"errors"
	"fmt"
	"time"

	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/model"
	"go.opentelemetry.io/otel"
)

const receiptJobColumns = `id, user_id, task_id, order_id, due_at, party, partner_inn, partner_name,
	description, amount_rub, vat_rate, buyer_email, invoice_id, attempts, last_error, created_at`

func scanReceiptJob(row rowScanner) (*model.ReceiptJob, error) {
	job := &model.ReceiptJob{}
	err := row.Scan(
		&job.ID, &job.UserID, &job.TaskID, &job.OrderID, &job.DueAt, &job.Party, &job.PartnerInn, &job.PartnerName,
		&job.Description, &job.AmountRub, &job.VatRate, &job.BuyerEmail, &job.InvoiceID, &job.Attempts, &job.LastError, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func scanReceiptJobs(rows *sql.Rows) ([]model.ReceiptJob, error) {
	defer rows.Close()
	jobs := []model.ReceiptJob{}
	for rows.Next() {
		job, err := scanReceiptJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan receipt job", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate receipt jobs", err)
	}
	return jobs, nil
}

// UpsertReceiptJob stores a job under its id. Re-enqueueing the same sale
// replaces the schedule and supplier details but keeps the invoice id the
// first enqueue chose, along with its failure history.
func (d Datasource) UpsertReceiptJob(ctx context.Context, job model.ReceiptJob) error {
	ctx, span := otel.Tracer("ReceiptJob").Start(ctx, "Saving receipt job to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO receipt_jobs (
			id, user_id, task_id, order_id, due_at, party, partner_inn, partner_name,
			description, amount_rub, vat_rate, buyer_email, invoice_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			due_at = EXCLUDED.due_at,
			party = EXCLUDED.party,
			partner_inn = EXCLUDED.partner_inn,
			partner_name = EXCLUDED.partner_name,
			description = EXCLUDED.description,
			amount_rub = EXCLUDED.amount_rub,
			vat_rate = EXCLUDED.vat_rate,
			buyer_email = EXCLUDED.buyer_email,
			updated_at = NOW()`,
		job.ID, job.UserID, job.TaskID, job.OrderID, job.DueAt.UTC(), job.Party, job.PartnerInn, job.PartnerName,
		job.Description, job.AmountRub, job.VatRate, job.BuyerEmail, job.InvoiceID,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save receipt job", err)
	}
	return nil
}

func (d Datasource) GetReceiptJob(ctx context.Context, id string) (*model.ReceiptJob, error) {
	ctx, span := otel.Tracer("ReceiptJob").Start(ctx, "Fetching receipt job from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+receiptJobColumns+` FROM receipt_jobs WHERE id = $1`, id)
	job, err := scanReceiptJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Receipt job '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch receipt job", err)
	}
	return job, nil
}

func (d Datasource) ListReceiptJobs(ctx context.Context, limit, offset int) ([]model.ReceiptJob, error) {
	ctx, span := otel.Tracer("ReceiptJob").Start(ctx, "Listing receipt jobs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+receiptJobColumns+` FROM receipt_jobs ORDER BY due_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list receipt jobs", err)
	}
	return scanReceiptJobs(rows)
}

// ListDueReceiptJobs returns jobs whose due time is at or before now.
func (d Datasource) ListDueReceiptJobs(ctx context.Context, now time.Time, limit int) ([]model.ReceiptJob, error) {
	ctx, span := otel.Tracer("ReceiptJob").Start(ctx, "Listing due receipt jobs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+receiptJobColumns+` FROM receipt_jobs WHERE due_at <= $1 ORDER BY due_at, id LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list due receipt jobs", err)
	}
	return scanReceiptJobs(rows)
}

func (d Datasource) DeleteReceiptJob(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("ReceiptJob").Start(ctx, "Deleting receipt job")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `DELETE FROM receipt_jobs WHERE id = $1`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete receipt job", err)
	}
	return nil
}

func (d Datasource) RecordReceiptJobFailure(ctx context.Context, id string, reason string) error {
	ctx, span := otel.Tracer("ReceiptJob").Start(ctx, "Recording receipt job failure")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE receipt_jobs SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, reason)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record receipt job failure", err)
	}
	return nil
}
