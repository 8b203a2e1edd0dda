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
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/internal/classify"
	"github.com/kassaflow/kassaflow/internal/issuer"
	"github.com/kassaflow/kassaflow/internal/tasksystem"
	"github.com/kassaflow/kassaflow/model"
)

// ReceiptLookup asks a background worker to fetch the link of a receipt
// that was recorded without one.
type ReceiptLookup struct {
	UserID    string            `json:"user_id"`
	TaskID    string            `json:"task_id"`
	ReceiptID string            `json:"receipt_id,omitempty"`
	InvoiceID string            `json:"invoice_id,omitempty"`
	Role      model.ReceiptRole `json:"role,omitempty"`
}

// logEvent stores a raw inbound notification. Bodies that are not JSON are
// kept as a JSON string.
func (k *Kassaflow) logEvent(ctx context.Context, source, userID, kind string, body []byte) {
	payload := json.RawMessage(body)
	if !json.Valid(body) {
		payload, _ = json.Marshal(string(body))
	}
	_, err := k.datasource.RecordWebhookEvent(ctx, model.WebhookEvent{
		Source:     source,
		UserID:     userID,
		Kind:       kind,
		Payload:    payload,
		ReceivedAt: k.now(),
	})
	if err != nil {
		logrus.WithField("source", source).WithError(err).Error("failed to record webhook event")
	}
}

// IngestTaskNotification applies a task-system webhook to the ledger. The
// first transition of a sale into a settled status triggers settlement.
func (k *Kassaflow) IngestTaskNotification(ctx context.Context, userID string, body []byte) error {
	ctx, span := tracer.Start(ctx, "IngestTaskNotification")
	defer span.End()

	n, parseErr := tasksystem.ParseNotification(body)
	kind := ""
	if parseErr == nil {
		kind = n.Event
	}
	k.logEvent(ctx, model.SourceTaskSystem, userID, kind, body)
	if parseErr != nil {
		logrus.WithField("user_id", userID).WithError(parseErr).Warn("unreadable task notification")
		return parseErr
	}
	span.SetAttributes(attribute.String("task.id", n.TaskID), attribute.String("event", n.Event))

	if n.Subscription != tasksystem.SubscriptionTasks {
		logrus.WithFields(logrus.Fields{"user_id": userID, "event": n.Event}).Info("executor notification logged")
		return nil
	}
	_, _, err := k.applyTaskNotification(ctx, userID, n, true)
	return err
}

func (k *Kassaflow) saleForTask(ctx context.Context, userID, taskID string) (*model.Sale, error) {
	if userID != "" {
		return k.datasource.GetSale(ctx, userID, taskID)
	}
	return k.datasource.FindSaleByTask(ctx, taskID)
}

// applyTaskNotification merges a notification's status into its sale,
// creating the sale when the notification carries enough to do so.
func (k *Kassaflow) applyTaskNotification(ctx context.Context, userID string, n *tasksystem.Notification, settle bool) (*model.Sale, bool, error) {
	created := false
	sale, err := k.saleForTask(ctx, userID, n.TaskID)
	if apierror.IsNotFound(err) {
		draft, ok := saleFromNotification(userID, n)
		if !ok {
			logrus.WithFields(logrus.Fields{"user_id": userID, "task_id": n.TaskID}).Info("notification for unknown task ignored")
			return nil, false, err
		}
		sale, created, err = k.datasource.CreateSale(ctx, draft)
	}
	if err != nil {
		return nil, false, err
	}

	settledNow := false
	_, after, err := k.datasource.UpdateSale(ctx, sale.UserID, sale.TaskID, func(cur model.Sale) (model.SalePatch, error) {
		var p model.SalePatch
		if n.Status != "" {
			status := model.NormalizeStatus(n.Status)
			p.Status = model.Some(status)
			settledNow = !model.IsSettled(cur.Status) && model.IsSettled(status)
		}
		if n.RootStatus != "" {
			p.RootStatus = model.Some(model.NormalizeStatus(n.RootStatus))
		}
		if n.NpdReceiptURI != "" {
			p.NpdReceiptURI = model.Some(n.NpdReceiptURI)
		}
		if n.PayeeInn != "" && deref(cur.PartnerInn) == "" {
			p.PartnerInn = model.Some(n.PayeeInn)
		}
		if n.PayeeName != "" && deref(cur.PartnerName) == "" {
			p.PartnerName = model.Some(n.PayeeName)
		}
		return p, nil
	})
	if err != nil {
		return nil, created, err
	}

	if settledNow {
		logrus.WithFields(saleFields(after)).WithField("status", after.Status).Info("sale settled")
		if settle {
			k.emit(ctx, model.EventSaleSettled, after)
			k.triggerSettlement(ctx, after)
		}
	}
	return after, created, nil
}

// triggerSettlement queues settlement of a sale, or runs it inline when no
// dispatcher is configured. Failures are left to the repair sweep.
func (k *Kassaflow) triggerSettlement(ctx context.Context, sale *model.Sale) {
	if k.dispatcher == nil {
		if _, err := k.SettleSale(ctx, sale.UserID, sale.TaskID); err != nil {
			logrus.WithFields(saleFields(sale)).WithError(err).Warn("settlement failed")
		}
		return
	}
	if err := k.dispatcher.EnqueueSettlement(ctx, sale.UserID, sale.TaskID); err != nil {
		logrus.WithFields(saleFields(sale)).WithError(err).Error("failed to enqueue settlement")
	}
}

// saleFromNotification builds a new sale from a creation notification. ok
// is false when the owner, task or a numeric order id is missing. Status is
// left empty so that applying the notification detects settlement.
func saleFromNotification(userID string, n *tasksystem.Notification) (model.Sale, bool) {
	if userID == "" || n.TaskID == "" {
		return model.Sale{}, false
	}
	order, ok := model.ExtractOrderNumber(n.OrderRef)
	if !ok {
		return model.Sale{}, false
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(n.Amount))
	if err != nil || !amount.IsPositive() {
		return model.Sale{}, false
	}

	sale := model.Sale{
		UserID:         userID,
		TaskID:         n.TaskID,
		OrderID:        order,
		AmountGrossRub: amount,
		IsAgent:        n.PayeeInn != "",
		Description:    n.Description,
	}
	if n.OrderRef != "" {
		sale.OrderRef = ptr.String(n.OrderRef)
	}
	if len(n.ServiceEndDate) >= len(time.DateOnly) {
		if _, err := time.Parse(time.DateOnly, n.ServiceEndDate[:len(time.DateOnly)]); err == nil {
			sale.ServiceEndDate = ptr.String(n.ServiceEndDate[:len(time.DateOnly)])
		}
	}
	if n.BuyerEmail != "" {
		sale.BuyerEmail = ptr.String(n.BuyerEmail)
	}
	if n.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, n.CreatedAt); err == nil {
			sale.CreatedAtRw = &t
		}
	}
	return sale, true
}

// IngestFiscalCallback records a receipt the issuer reports through its
// callback. userID is the owner hint carried on the callback URL.
func (k *Kassaflow) IngestFiscalCallback(ctx context.Context, userID string, body []byte) error {
	ctx, span := tracer.Start(ctx, "IngestFiscalCallback")
	defer span.End()

	ev, parseErr := issuer.ParseCallback(body, k.cnf.Issuer.ReceiptViewBase)
	k.logEvent(ctx, model.SourceIssuer, userID, "receipt", body)
	if parseErr != nil {
		logrus.WithField("user_id", userID).WithError(parseErr).Warn("unreadable fiscal callback")
		return parseErr
	}
	span.SetAttributes(attribute.String("receipt.id", ev.ReceiptID), attribute.String("invoice.id", ev.InvoiceID))

	_, err := k.applyFiscalEvidence(ctx, userID, ev)
	return err
}

func (k *Kassaflow) applyFiscalEvidence(ctx context.Context, userID string, ev *model.ReceiptEvidence) (*model.Sale, error) {
	sale, err := k.saleForEvidence(ctx, userID, ev)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id":    userID,
			"receipt_id": ev.ReceiptID,
			"invoice_id": ev.InvoiceID,
		}).WithError(err).Warn("no sale for receipt")
		return nil, err
	}
	return k.recordEvidence(ctx, sale, ev)
}

// saleForEvidence finds the sale a receipt belongs to: by correlation
// token, by receipt id, by the owner and order encoded in the token, and
// finally by the owner hint and the order digits of the token.
func (k *Kassaflow) saleForEvidence(ctx context.Context, userID string, ev *model.ReceiptEvidence) (*model.Sale, error) {
	lookups := []func() (*model.Sale, error){}
	if ev.InvoiceID != "" {
		lookups = append(lookups, func() (*model.Sale, error) {
			return k.datasource.FindSaleByInvoiceID(ctx, ev.InvoiceID)
		})
	}
	if ev.ReceiptID != "" {
		lookups = append(lookups, func() (*model.Sale, error) {
			return k.datasource.FindSaleByReceiptID(ctx, ev.ReceiptID)
		})
	}
	if uid, _, order, ok := model.ParseInvoiceID(ev.InvoiceID); ok {
		lookups = append(lookups, func() (*model.Sale, error) {
			return k.datasource.GetSaleByOrder(ctx, uid, order)
		})
	}
	if userID != "" {
		if order, ok := model.ExtractOrderNumber(ev.InvoiceID); ok {
			lookups = append(lookups, func() (*model.Sale, error) {
				return k.datasource.GetSaleByOrder(ctx, userID, order)
			})
		}
	}

	for _, lookup := range lookups {
		sale, err := lookup()
		if err == nil {
			return sale, nil
		}
		if !apierror.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "no sale matches the receipt", nil)
}

func (k *Kassaflow) enqueueLookup(ctx context.Context, l ReceiptLookup) {
	if k.dispatcher == nil {
		return
	}
	if err := k.dispatcher.EnqueueReceiptLookup(ctx, l); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id":    l.UserID,
			"task_id":    l.TaskID,
			"receipt_id": l.ReceiptID,
		}).WithError(err).Error("failed to enqueue receipt lookup")
	}
}

// LookupReceipt polls the issuer until a receipt reports its link, then
// records it. It gives up with ErrReceiptPending after the configured
// number of attempts.
func (k *Kassaflow) LookupReceipt(ctx context.Context, l ReceiptLookup) error {
	ctx, span := tracer.Start(ctx, "LookupReceipt")
	defer span.End()

	sale, err := k.datasource.GetSale(ctx, l.UserID, l.TaskID)
	if err != nil {
		return err
	}
	q := issuer.StatusQuery{ReceiptID: l.ReceiptID}
	if q.ReceiptID == "" {
		q.InvoiceID = l.InvoiceID
	}

	interval := time.Duration(k.cnf.Workers.LookupIntervalMs) * time.Millisecond
	var ev *model.ReceiptEvidence
	err = poll(ctx, interval, k.cnf.Workers.LookupAttempts, func() error {
		var err error
		ev, err = k.issuer.ReceiptStatus(ctx, q)
		if errors.Is(err, issuer.ErrNotFound) {
			return ErrReceiptPending
		}
		if err != nil {
			return err
		}
		if ev.URL == "" {
			return ErrReceiptPending
		}
		return nil
	})
	if err != nil {
		return err
	}

	res := classifyWithHint(ev, sale, l.Role)
	if !res.Known() {
		return ErrUnclassifiableReceipt
	}
	_, err = k.recordReceipt(ctx, sale.UserID, sale.TaskID, res)
	return err
}

// classifyWithHint falls back to the role the lookup was queued for when
// the issuer's answer matches no rule.
func classifyWithHint(ev *model.ReceiptEvidence, sale *model.Sale, hint model.ReceiptRole) classify.Result {
	res := classify.Classify(ev, sale)
	if res.Known() || hint == model.RoleUnknown {
		return res
	}
	res.Role = hint
	res.Rule = "lookup_hint"
	return res
}
