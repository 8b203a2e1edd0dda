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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kassaflow/kassaflow/model"
)

// JobOutcome is what FireJob did with a job.
type JobOutcome string

const (
	JobPending    JobOutcome = "pending"
	JobFired      JobOutcome = "fired"
	JobSuperseded JobOutcome = "superseded"
)

// ScheduleWorker fires deferred full receipts once they are due.
type ScheduleWorker struct {
	*loopWorker
	k *Kassaflow
}

func newScheduleWorker(k *Kassaflow, interval time.Duration) *ScheduleWorker {
	w := &ScheduleWorker{k: k}
	w.loopWorker = newLoopWorker("schedule", interval, func(ctx context.Context) {
		if _, err := k.RunScheduledJobs(ctx); err != nil {
			logrus.WithError(err).Error("schedule pass failed")
		}
	})
	return w
}

// ScheduleReport counts what one pass over the job store did.
type ScheduleReport struct {
	Fired      int `json:"fired"`
	Superseded int `json:"superseded"`
	Failed     int `json:"failed"`
}

// RunScheduledJobs fires every job due now. A failing job stays in the
// store for the next pass and does not stop the others.
func (k *Kassaflow) RunScheduledJobs(ctx context.Context) (ScheduleReport, error) {
	var report ScheduleReport
	jobs, err := k.datasource.ListDueReceiptJobs(ctx, k.now(), k.cnf.Workers.RepairBatch)
	if err != nil {
		return report, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		outcome, err := k.FireJob(ctx, job)
		switch {
		case err != nil:
			report.Failed++
		case outcome == JobFired:
			report.Fired++
		case outcome == JobSuperseded:
			report.Superseded++
		}
	}
	return report, nil
}

// FireJob issues the full receipt a job stands for. Jobs that are not due
// yet are left alone. A sale that already holds a full receipt supersedes
// its job, which is dropped without calling the issuer.
func (k *Kassaflow) FireJob(ctx context.Context, job model.ReceiptJob) (JobOutcome, error) {
	if !job.Due(k.now()) {
		return JobPending, nil
	}
	fields := logrus.Fields{"job_id": job.ID, "user_id": job.UserID, "task_id": job.TaskID, "order_id": job.OrderID}

	sale, err := k.datasource.GetSale(ctx, job.UserID, job.TaskID)
	if err != nil {
		k.failJob(ctx, job, err)
		return JobPending, err
	}
	if sale.HasFullReceipt() {
		if err := k.datasource.DeleteReceiptJob(ctx, job.ID); err != nil {
			return JobPending, err
		}
		logrus.WithFields(fields).Info("job superseded by an existing full receipt")
		return JobSuperseded, nil
	}

	if job.InvoiceID == "" {
		job.InvoiceID = deref(sale.InvoiceIDOffset)
	}
	if job.InvoiceID == "" {
		job.InvoiceID = model.InvoiceID(job.UserID, model.PhaseOffset, job.OrderID)
	}
	if sale.InvoiceIDOffset == nil {
		invoiceID := job.InvoiceID
		_, sale, err = k.datasource.UpdateSale(ctx, job.UserID, job.TaskID, func(cur model.Sale) (model.SalePatch, error) {
			var p model.SalePatch
			if cur.InvoiceIDOffset == nil {
				p.InvoiceIDOffset = model.Some(invoiceID)
			}
			return p, nil
		})
		if err != nil {
			k.failJob(ctx, job, err)
			return JobPending, err
		}
	}

	if _, err := k.issuePhase(ctx, sale, phaseOffset, jobRequest(job)); err != nil {
		k.failJob(ctx, job, err)
		return JobPending, err
	}
	if err := k.datasource.DeleteReceiptJob(ctx, job.ID); err != nil {
		return JobFired, err
	}
	logrus.WithFields(fields).Info("deferred full receipt fired")
	return JobFired, nil
}

func (k *Kassaflow) failJob(ctx context.Context, job model.ReceiptJob, cause error) {
	logrus.WithField("job_id", job.ID).WithError(cause).Warn("deferred receipt failed, will retry")
	if err := k.datasource.RecordReceiptJobFailure(ctx, job.ID, cause.Error()); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Error("failed to record job failure")
	}
}
