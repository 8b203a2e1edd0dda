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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kassaflow/kassaflow/internal/classify"
	"github.com/kassaflow/kassaflow/internal/issuer"
	"github.com/kassaflow/kassaflow/internal/notification"
	"github.com/kassaflow/kassaflow/internal/receipt"
	"github.com/kassaflow/kassaflow/model"
)

var tracer = otel.Tracer("kassaflow.settlement")

// phase is one receipt a sale can need.
type phase struct {
	name              string
	role              model.ReceiptRole
	letter            string
	docType           string
	settlesPrepayment bool
}

var (
	phasePrepay = phase{name: "prepay", role: model.RolePrepay, letter: model.PhasePrepay, docType: model.DocIncomePrepayment}
	phaseOffset = phase{name: "offset", role: model.RoleFull, letter: model.PhaseOffset, docType: model.DocIncome, settlesPrepayment: true}
	phaseFull   = phase{name: "full", role: model.RoleFull, letter: model.PhaseFull, docType: model.DocIncome}
)

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func saleFields(s *model.Sale) logrus.Fields {
	return logrus.Fields{"user_id": s.UserID, "task_id": s.TaskID, "order_id": s.OrderID}
}

// settlementPath picks same-day when the service ends on or before the
// local day the sale was paid, or has no end date at all.
func (k *Kassaflow) settlementPath(sale model.Sale, paidAt time.Time) string {
	end, ok := sale.ServiceEnd(k.loc)
	if !ok {
		return model.SettlementSameDay
	}
	paid := paidAt.In(k.loc)
	paidDay := time.Date(paid.Year(), paid.Month(), paid.Day(), 0, 0, 0, 0, k.loc)
	if !end.After(paidDay) {
		return model.SettlementSameDay
	}
	return model.SettlementDeferred
}

// fullReceiptDue is when a deferred sale's full receipt may be issued.
func (k *Kassaflow) fullReceiptDue(sale model.Sale) (time.Time, bool) {
	end, ok := sale.ServiceEnd(k.loc)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(end.Year(), end.Month(), end.Day(), k.cnf.Workers.FullReceiptHour, 0, 0, 0, k.loc), true
}

// fixSettlement records paidAt, the settlement path and the correlation ids
// the path needs. Values already present are never replaced.
func (k *Kassaflow) fixSettlement(cur model.Sale) (model.SalePatch, error) {
	var p model.SalePatch
	if !model.IsSettled(cur.Status) {
		return p, ErrSaleNotSettled
	}
	order, ok := cur.OrderNumber()
	if !ok {
		return p, ErrNoOrderNumber
	}

	paidAt := k.now()
	if cur.PaidAt != nil {
		paidAt = *cur.PaidAt
	} else {
		p.PaidAt = model.Some(paidAt)
	}

	path := deref(cur.SettlementPath)
	if path == "" {
		path = k.settlementPath(cur, paidAt)
		p.SettlementPath = model.Some(path)
	}

	if path == model.SettlementSameDay {
		if cur.InvoiceIDFull == nil {
			p.InvoiceIDFull = model.Some(model.InvoiceID(cur.UserID, model.PhaseFull, order))
		}
		return p, nil
	}
	if cur.InvoiceIDPrepay == nil {
		p.InvoiceIDPrepay = model.Some(model.InvoiceID(cur.UserID, model.PhasePrepay, order))
	}
	if cur.InvoiceIDOffset == nil {
		p.InvoiceIDOffset = model.Some(model.InvoiceID(cur.UserID, model.PhaseOffset, order))
	}
	return p, nil
}

// SettleSale issues whatever receipts a settled sale is due right now and
// schedules the deferred full receipt. It is safe to call any number of
// times: receipts already recorded or already known to the issuer are not
// requested again.
func (k *Kassaflow) SettleSale(ctx context.Context, userID, taskID string) (*model.Sale, error) {
	ctx, span := tracer.Start(ctx, "SettleSale")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("task.id", taskID))

	_, sale, err := k.datasource.UpdateSale(ctx, userID, taskID, k.fixSettlement)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	switch deref(sale.SettlementPath) {
	case model.SettlementSameDay:
		if sale.HasFullReceipt() {
			return sale, nil
		}
		req := saleRequest(sale)
		req.InvoiceID = deref(sale.InvoiceIDFull)
		sale, err = k.issuePhase(ctx, sale, phaseFull, req)

	case model.SettlementDeferred:
		if !sale.HasPrepayReceipt() {
			req := saleRequest(sale)
			req.InvoiceID = deref(sale.InvoiceIDPrepay)
			sale, err = k.issuePhase(ctx, sale, phasePrepay, req)
			if err != nil {
				break
			}
		}
		if !sale.HasFullReceipt() {
			err = k.scheduleFullReceipt(ctx, sale)
		}
	}
	if err != nil {
		span.RecordError(err)
		logrus.WithFields(saleFields(sale)).WithError(err).Warn("settlement incomplete")
	}
	return sale, err
}

func saleRequest(s *model.Sale) receipt.Request {
	return receipt.Request{
		Party:       s.Party(),
		PayeeInn:    deref(s.PartnerInn),
		PayeeName:   deref(s.PartnerName),
		Description: s.Description,
		Amount:      s.AmountGrossRub,
		VatRate:     s.VatRate,
		BuyerEmail:  deref(s.BuyerEmail),
		Items:       s.Items,
	}
}

func jobRequest(j model.ReceiptJob) receipt.Request {
	return receipt.Request{
		Party:       j.Party,
		PayeeInn:    deref(j.PartnerInn),
		PayeeName:   deref(j.PartnerName),
		Description: j.Description,
		Amount:      j.AmountRub,
		VatRate:     j.VatRate,
		BuyerEmail:  deref(j.BuyerEmail),
		InvoiceID:   j.InvoiceID,
	}
}

// issuePhase gets one receipt for sale. The issuer is asked about the
// correlation id first; a receipt it already knows is recorded instead of
// being created again.
func (k *Kassaflow) issuePhase(ctx context.Context, sale *model.Sale, ph phase, req receipt.Request) (*model.Sale, error) {
	ctx, span := tracer.Start(ctx, "IssuePhase")
	defer span.End()
	span.SetAttributes(attribute.String("phase", ph.name), attribute.String("invoice.id", req.InvoiceID))

	fields := saleFields(sale)
	fields["phase"] = ph.name
	fields["invoice_id"] = req.InvoiceID

	var existing *model.ReceiptEvidence
	err := k.withRetry(ctx, func() error {
		var err error
		existing, err = k.issuer.ReceiptStatus(ctx, issuer.StatusQuery{InvoiceID: req.InvoiceID})
		return err
	})
	switch {
	case err == nil:
		logrus.WithFields(fields).Info("issuer already has this receipt, recording it")
		return k.recordEvidence(ctx, sale, existing)
	case !errors.Is(err, issuer.ErrNotFound):
		k.reportIssuerError(err, fields)
		return sale, err
	}

	if req.Party == model.PartyPartner && (req.PayeeInn == "" || req.PayeeName == "") {
		inn, name, err := k.resolvePayee(ctx, sale)
		if err != nil {
			logrus.WithFields(fields).WithError(err).Warn("payee tax id unknown, leaving sale for the next sweep")
			return sale, err
		}
		req.PayeeInn, req.PayeeName = inn, name
	}

	req.OrgInn = k.cnf.Issuer.Inn
	req.OrgName = k.cnf.Issuer.OrgName
	req.TaxationSystem = k.cnf.Issuer.TaxationSystem
	req.DocumentType = ph.docType
	req.MethodCode, _ = receipt.MethodFor(ph.docType)
	req.CallbackURL = k.callbackURL(sale.UserID)
	req.SettlesPrepayment = ph.settlesPrepayment

	payload, err := receipt.Build(req)
	if err != nil {
		span.RecordError(err)
		return sale, err
	}

	// Create is not retried here: a later attempt checks the correlation id
	// first, so a request that reached the issuer is never sent twice.
	ack, err := k.issuer.CreateReceipt(ctx, payload)
	if err != nil {
		span.RecordError(err)
		k.reportIssuerError(err, fields)
		return sale, err
	}
	if ack.ReceiptID == "" {
		logrus.WithFields(fields).Info("receipt accepted, waiting for its id")
		k.enqueueLookup(ctx, ReceiptLookup{
			UserID:    sale.UserID,
			TaskID:    sale.TaskID,
			InvoiceID: req.InvoiceID,
			Role:      ph.role,
		})
		return sale, nil
	}
	fields["receipt_id"] = ack.ReceiptID
	logrus.WithFields(fields).Info("receipt requested")

	return k.recordEvidence(ctx, sale, &model.ReceiptEvidence{ReceiptID: ack.ReceiptID, InvoiceID: req.InvoiceID})
}

func (k *Kassaflow) reportIssuerError(err error, fields logrus.Fields) {
	if errors.Is(err, issuer.ErrAuthFailed) {
		notification.NotifyError(err, fields)
	}
}

// recordEvidence classifies ev against sale and records it. A receipt that
// arrives without a link gets a background lookup.
func (k *Kassaflow) recordEvidence(ctx context.Context, sale *model.Sale, ev *model.ReceiptEvidence) (*model.Sale, error) {
	res := classify.Classify(ev, sale)
	if !res.Known() {
		logrus.WithFields(saleFields(sale)).WithField("receipt_id", ev.ReceiptID).Warn("unclassifiable receipt, not recorded")
		return sale, ErrUnclassifiableReceipt
	}
	after, err := k.recordReceipt(ctx, sale.UserID, sale.TaskID, res)
	if err != nil {
		return sale, err
	}
	if res.URL == "" {
		k.enqueueLookup(ctx, ReceiptLookup{
			UserID:    sale.UserID,
			TaskID:    sale.TaskID,
			ReceiptID: res.ReceiptID,
			InvoiceID: ev.InvoiceID,
			Role:      res.Role,
		})
	}
	return after, nil
}

// recordReceipt writes a classified receipt under the row lock. It refuses
// to write a receipt the other column already holds.
func (k *Kassaflow) recordReceipt(ctx context.Context, userID, taskID string, res classify.Result) (*model.Sale, error) {
	before, after, err := k.datasource.UpdateSale(ctx, userID, taskID, func(cur model.Sale) (model.SalePatch, error) {
		patch, err := classify.Record(cur, res)
		if errors.Is(err, classify.ErrDuplicate) {
			return patch, fmt.Errorf("%w: %s", ErrDuplicateReceiptDetected, res.ReceiptID)
		}
		return patch, err
	})
	fields := logrus.Fields{"user_id": userID, "task_id": taskID, "receipt_id": res.ReceiptID, "role": res.Role}
	if err != nil {
		logrus.WithFields(fields).WithError(err).Warn("receipt not recorded")
		return nil, err
	}
	if receiptChanged(before, after, res.Role) {
		logrus.WithFields(fields).WithField("rule", res.Rule).Info("receipt recorded")
		k.emit(ctx, model.EventReceiptRecorded, newReceiptEvent(after, res.Role))
	}
	return after, nil
}

func receiptChanged(before, after *model.Sale, role model.ReceiptRole) bool {
	if before == nil || after == nil {
		return after != nil
	}
	if role == model.RolePrepay {
		return deref(before.OfdPrepayID) != deref(after.OfdPrepayID) || deref(before.OfdURL) != deref(after.OfdURL)
	}
	return deref(before.OfdFullID) != deref(after.OfdFullID) || deref(before.OfdFullURL) != deref(after.OfdFullURL)
}

// resolvePayee returns the executor tax id and name for an agent sale,
// asking the task system when the sale lacks them.
func (k *Kassaflow) resolvePayee(ctx context.Context, sale *model.Sale) (string, string, error) {
	inn, name := deref(sale.PartnerInn), deref(sale.PartnerName)
	if inn != "" && name != "" {
		return inn, name, nil
	}
	if k.tasks == nil {
		return "", "", ErrNoPayeeTaxID
	}

	var foundInn, foundName string
	err := k.withRetry(ctx, func() error {
		var err error
		foundInn, foundName, err = k.tasks.LookupPayee(ctx, sale.TaskID)
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNoPayeeTaxID, err)
	}
	if inn == "" {
		inn = foundInn
	}
	if inn == "" {
		return "", "", ErrNoPayeeTaxID
	}
	if name == "" {
		name = foundName
	}
	if name == "" {
		name = inn
	}

	var patch model.SalePatch
	patch.PartnerInn = model.Some(inn)
	patch.PartnerName = model.Some(name)
	if _, err := k.datasource.PatchSale(ctx, sale.UserID, sale.TaskID, patch); err != nil {
		logrus.WithFields(saleFields(sale)).WithError(err).Warn("failed to store resolved payee")
	}
	return inn, name, nil
}

// scheduleFullReceipt stores the deferred full receipt job for sale.
// Storing it again replaces the previous job.
func (k *Kassaflow) scheduleFullReceipt(ctx context.Context, sale *model.Sale) error {
	due, ok := k.fullReceiptDue(*sale)
	if !ok {
		return fmt.Errorf("deferred sale %s/%s has no service end date", sale.UserID, sale.TaskID)
	}
	order, ok := sale.OrderNumber()
	if !ok {
		return ErrNoOrderNumber
	}
	job := model.ReceiptJob{
		ID:          model.ReceiptJobID(sale.UserID, order),
		UserID:      sale.UserID,
		TaskID:      sale.TaskID,
		OrderID:     order,
		DueAt:       due,
		Party:       sale.Party(),
		PartnerInn:  sale.PartnerInn,
		PartnerName: sale.PartnerName,
		Description: sale.Description,
		AmountRub:   sale.AmountGrossRub,
		VatRate:     sale.VatRate,
		BuyerEmail:  sale.BuyerEmail,
		InvoiceID:   deref(sale.InvoiceIDOffset),
		CreatedAt:   k.now(),
	}
	if err := k.datasource.UpsertReceiptJob(ctx, job); err != nil {
		return err
	}
	logrus.WithFields(saleFields(sale)).WithField("due_at", due).Info("full receipt scheduled")
	return nil
}
