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
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/internal/classify"
	"github.com/kassaflow/kassaflow/internal/issuer"
	redlock "github.com/kassaflow/kassaflow/internal/lock"
	"github.com/kassaflow/kassaflow/internal/notification"
	"github.com/kassaflow/kassaflow/internal/tasksystem"
	"github.com/kassaflow/kassaflow/model"
)

const repairLockKey = "kassaflow:repair-sweep"

// RepairScope narrows a repair or reclassification to one owner, or to one
// order of an owner. The zero value means every sale.
type RepairScope struct {
	UserID  string `json:"user_id,omitempty"`
	OrderID int64  `json:"order_id,omitempty"`
}

func (s RepairScope) single() bool {
	return s.UserID != "" && s.OrderID > 0
}

type RepairReport struct {
	Examined int `json:"examined"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

type ReclassifyReport struct {
	Examined int `json:"examined"`
	Moved    int `json:"moved"`
	Failed   int `json:"failed"`
}

type BackfillReport struct {
	Events   int `json:"events"`
	Created  int `json:"created"`
	Receipts int `json:"receipts"`
	Skipped  int `json:"skipped"`
}

// RepairWorker periodically sweeps sales that are missing a receipt they
// are due. Only one process sweeps at a time.
type RepairWorker struct {
	*loopWorker
	k *Kassaflow
}

func newRepairWorker(k *Kassaflow, interval time.Duration) *RepairWorker {
	w := &RepairWorker{k: k}
	w.loopWorker = newLoopWorker("repair", interval, w.sweep)
	return w
}

func (w *RepairWorker) sweep(ctx context.Context) {
	run := func(ctx context.Context) error {
		report, err := w.k.RepairSales(ctx, RepairScope{})
		logrus.WithFields(logrus.Fields{
			"examined": report.Examined,
			"repaired": report.Repaired,
			"failed":   report.Failed,
		}).Info("repair sweep finished")
		return err
	}

	if w.k.redis == nil {
		if err := run(ctx); err != nil {
			notification.NotifyError(err, logrus.Fields{"worker": "repair"})
		}
		return
	}
	locker := redlock.NewLocker(w.k.redis, repairLockKey, uuid.NewString())
	ran, err := locker.TryRun(ctx, w.interval, run)
	if err != nil {
		notification.NotifyError(err, logrus.Fields{"worker": "repair"})
	}
	if !ran {
		logrus.Debug("repair sweep skipped, another process holds the lock")
	}
}

// RunRepair is the on-demand repair trigger. It waits for a running sweep
// to release the lock instead of walking the same sales next to it, and
// gives up with ErrConflict once the wait times out.
func (k *Kassaflow) RunRepair(ctx context.Context, scope RepairScope) (RepairReport, error) {
	if k.redis == nil {
		return k.RepairSales(ctx, scope)
	}
	locker := redlock.NewLocker(k.redis, repairLockKey, uuid.NewString())
	if err := locker.WaitLock(ctx, k.repair.interval, k.repairWait); err != nil {
		if errors.Is(err, redlock.ErrLockHeld) {
			return RepairReport{}, apierror.NewAPIError(apierror.ErrConflict, "a repair sweep is still running", err)
		}
		return RepairReport{}, err
	}
	defer func() {
		if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			logrus.WithError(err).Warn("failed to release repair lock")
		}
	}()
	return k.RepairSales(ctx, scope)
}

// eachSale walks the sales a scope covers. page lists candidates when the
// scope is not a single order.
func (k *Kassaflow) eachSale(ctx context.Context, scope RepairScope,
	page func(ctx context.Context, afterID int64, limit int) ([]model.Sale, int64, error),
	fn func(sale *model.Sale)) error {
	if scope.single() {
		sale, err := k.datasource.GetSaleByOrder(ctx, scope.UserID, scope.OrderID)
		if err != nil {
			return err
		}
		fn(sale)
		return nil
	}

	limit := k.cnf.Workers.RepairBatch
	if limit <= 0 {
		limit = 500
	}
	var after int64
	for {
		sales, next, err := page(ctx, after, limit)
		if err != nil {
			return err
		}
		for i := range sales {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if scope.UserID != "" && sales[i].UserID != scope.UserID {
				continue
			}
			fn(&sales[i])
		}
		if len(sales) < limit || next <= after {
			return nil
		}
		after = next
	}
}

// RepairSales looks for receipts that settled sales should have and
// records them, issuing any that the issuer has never seen. Per-sale
// failures are counted and logged; the walk continues.
func (k *Kassaflow) RepairSales(ctx context.Context, scope RepairScope) (RepairReport, error) {
	ctx, span := tracer.Start(ctx, "RepairSales")
	defer span.End()
	span.SetAttributes(attribute.String("scope.user_id", scope.UserID), attribute.Int64("scope.order_id", scope.OrderID))

	var report RepairReport
	err := k.eachSale(ctx, scope, k.datasource.ListSalesAwaitingReceipts, func(sale *model.Sale) {
		report.Examined++
		if err := k.repairSale(ctx, sale); err != nil {
			report.Failed++
			logrus.WithFields(saleFields(sale)).WithError(err).Warn("sale repair failed")
			return
		}
		report.Repaired++
	})
	return report, err
}

func (k *Kassaflow) repairSale(ctx context.Context, sale *model.Sale) error {
	if !model.IsSettled(sale.Status) {
		return nil
	}
	if sale.SettlementPath == nil {
		_, err := k.SettleSale(ctx, sale.UserID, sale.TaskID)
		return err
	}

	var errs []error
	for _, ph := range k.expectedPhases(sale) {
		updated, err := k.repairPhase(ctx, sale, ph)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sale = updated
	}
	return errors.Join(errs...)
}

// expectedPhases lists the receipts a sale should hold by now.
func (k *Kassaflow) expectedPhases(sale *model.Sale) []phase {
	if deref(sale.SettlementPath) == model.SettlementSameDay {
		return []phase{phaseFull}
	}
	phases := []phase{phasePrepay}
	if due, ok := k.fullReceiptDue(*sale); ok && !due.After(k.now()) {
		phases = append(phases, phaseOffset)
	}
	return phases
}

func receiptColumns(sale *model.Sale, role model.ReceiptRole) (id, url string) {
	if role == model.RolePrepay {
		return deref(sale.OfdPrepayID), deref(sale.OfdURL)
	}
	return deref(sale.OfdFullID), deref(sale.OfdFullURL)
}

// invoiceFor returns the correlation id of a phase, deriving it the same
// way it was derived at creation when the sale never stored it.
func invoiceFor(sale *model.Sale, ph phase) string {
	var stored *string
	switch ph.letter {
	case model.PhasePrepay:
		stored = sale.InvoiceIDPrepay
	case model.PhaseOffset:
		stored = sale.InvoiceIDOffset
	default:
		stored = sale.InvoiceIDFull
	}
	if s := deref(stored); s != "" {
		return s
	}
	order, ok := sale.OrderNumber()
	if !ok {
		return ""
	}
	return model.InvoiceID(sale.UserID, ph.letter, order)
}

func (k *Kassaflow) repairPhase(ctx context.Context, sale *model.Sale, ph phase) (*model.Sale, error) {
	id, link := receiptColumns(sale, ph.role)
	if id != "" && link != "" {
		return sale, nil
	}

	q := issuer.StatusQuery{ReceiptID: id}
	if id == "" {
		q.InvoiceID = invoiceFor(sale, ph)
		if q.InvoiceID == "" {
			return sale, ErrNoOrderNumber
		}
	}
	var ev *model.ReceiptEvidence
	err := k.withRetry(ctx, func() error {
		var err error
		ev, err = k.issuer.ReceiptStatus(ctx, q)
		return err
	})
	switch {
	case errors.Is(err, issuer.ErrNotFound) && id == "":
		return k.reissue(ctx, sale, ph)
	case err != nil:
		return sale, err
	}
	if link == "" && ev.URL == "" && id != "" {
		return sale, ErrReceiptPending
	}
	return k.recordEvidence(ctx, sale, ev)
}

// reissue requests a receipt the issuer has never seen.
func (k *Kassaflow) reissue(ctx context.Context, sale *model.Sale, ph phase) (*model.Sale, error) {
	if ph.letter != model.PhaseOffset {
		return k.SettleSale(ctx, sale.UserID, sale.TaskID)
	}
	order, ok := sale.OrderNumber()
	if !ok {
		return sale, ErrNoOrderNumber
	}
	job, err := k.datasource.GetReceiptJob(ctx, model.ReceiptJobID(sale.UserID, order))
	if apierror.IsNotFound(err) {
		if err := k.scheduleFullReceipt(ctx, sale); err != nil {
			return sale, err
		}
		job, err = k.datasource.GetReceiptJob(ctx, model.ReceiptJobID(sale.UserID, order))
	}
	if err != nil {
		return sale, err
	}
	if _, err := k.FireJob(ctx, *job); err != nil {
		return sale, err
	}
	return k.datasource.GetSale(ctx, sale.UserID, sale.TaskID)
}

// Reclassify re-checks every stored receipt against the issuer and moves
// receipts recorded under the wrong role. A column is cleared only when it
// holds exactly the receipt being moved.
func (k *Kassaflow) Reclassify(ctx context.Context, scope RepairScope) (ReclassifyReport, error) {
	ctx, span := tracer.Start(ctx, "Reclassify")
	defer span.End()

	var report ReclassifyReport
	err := k.eachSale(ctx, scope, k.datasource.ListSalesWithReceipts, func(sale *model.Sale) {
		report.Examined++
		moved, err := k.reclassifySale(ctx, sale)
		report.Moved += moved
		if err != nil {
			report.Failed++
			logrus.WithFields(saleFields(sale)).WithError(err).Warn("reclassification failed")
		}
	})
	return report, err
}

func (k *Kassaflow) reclassifySale(ctx context.Context, sale *model.Sale) (int, error) {
	moved := 0
	var errs []error
	for _, from := range []model.ReceiptRole{model.RolePrepay, model.RoleFull} {
		id, _ := receiptColumns(sale, from)
		if id == "" {
			continue
		}
		var ev *model.ReceiptEvidence
		err := k.withRetry(ctx, func() error {
			var err error
			ev, err = k.issuer.ReceiptStatus(ctx, issuer.StatusQuery{ReceiptID: id})
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res := classify.Classify(ev, sale)
		if !res.Known() || res.Role == from {
			continue
		}
		if res.ReceiptID == "" {
			res.ReceiptID = id
		}

		src := from
		before, after, err := k.datasource.UpdateSale(ctx, sale.UserID, sale.TaskID, func(cur model.Sale) (model.SalePatch, error) {
			patch, _ := classify.Reclassify(cur, src, res)
			return patch, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if receiptChanged(before, after, src) {
			moved++
			logrus.WithFields(saleFields(after)).WithFields(logrus.Fields{
				"receipt_id": res.ReceiptID,
				"from":       src,
				"role":       res.Role,
			}).Info("receipt reclassified")
			k.emit(ctx, model.EventReceiptReclassified, newReceiptEvent(after, res.Role))
		}
		sale = after
	}
	return moved, errors.Join(errs...)
}

// Backfill rebuilds sales and their receipts from the inbound webhook log.
// Task events are replayed first so receipt callbacks find their sales.
// Settlement is left to the next repair sweep.
func (k *Kassaflow) Backfill(ctx context.Context) (BackfillReport, error) {
	ctx, span := tracer.Start(ctx, "Backfill")
	defer span.End()

	var report BackfillReport
	err := k.eachEvent(ctx, model.SourceTaskSystem, func(e model.WebhookEvent) {
		report.Events++
		n, err := tasksystem.ParseNotification(e.Payload)
		if err != nil || n.Subscription != tasksystem.SubscriptionTasks {
			report.Skipped++
			return
		}
		_, created, err := k.applyTaskNotification(ctx, e.UserID, n, false)
		if err != nil {
			report.Skipped++
			return
		}
		if created {
			report.Created++
		}
	})
	if err != nil {
		return report, err
	}

	err = k.eachEvent(ctx, model.SourceIssuer, func(e model.WebhookEvent) {
		report.Events++
		ev, err := issuer.ParseCallback(e.Payload, k.cnf.Issuer.ReceiptViewBase)
		if err != nil {
			report.Skipped++
			return
		}
		if _, err := k.applyFiscalEvidence(ctx, e.UserID, ev); err != nil {
			report.Skipped++
			return
		}
		report.Receipts++
	})
	return report, err
}

func (k *Kassaflow) eachEvent(ctx context.Context, source string, fn func(e model.WebhookEvent)) error {
	limit := k.cnf.Workers.RepairBatch
	if limit <= 0 {
		limit = 500
	}
	var after int64
	for {
		events, err := k.datasource.ListWebhookEvents(ctx, source, after, limit)
		if err != nil {
			return err
		}
		for _, e := range events {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn(e)
			after = e.ID
		}
		if len(events) < limit {
			return nil
		}
	}
}
