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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kassaflow/kassaflow/internal/issuer"
	"github.com/kassaflow/kassaflow/model"
)

// settledDeferred returns a deferred sale whose prepayment receipt is
// recorded and whose full receipt is still pending.
func settledDeferred(t *testing.T, h *harness, taskID string, order int64) *model.Sale {
	t.Helper()
	h.sale(t, directSale("u1", taskID, order, "2024-05-20"))
	require.NoError(t, h.k.IngestTaskNotification(context.Background(), "u1", paidBody(taskID)))
	sale, err := h.k.SettleSale(context.Background(), "u1", taskID)
	require.NoError(t, err)
	return sale
}

func TestDuplicateCallbacksConverge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T1", 7, ""))
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T1")))
	before := len(h.disp.events())

	body := []byte(`{"ReceiptId":"r-77","InvoiceId":"u1-C-7","Fn":"1","Fd":"2","Fp":"3","Request":{"Type":"Income"}}`)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.k.IngestFiscalCallback(ctx, "u1", body))
	}

	sale := h.get(t, "u1", "T1")
	assert.Equal(t, "r-77", deref(sale.OfdFullID))
	assert.Equal(t, "https://check.test/rec/1/2/3", deref(sale.OfdFullURL))
	assert.Nil(t, sale.OfdPrepayID)
	assert.Len(t, h.disp.events(), before+1)
	assert.Empty(t, h.disp.lookups)

	events, err := h.ds.ListWebhookEvents(ctx, model.SourceIssuer, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestPrepayCallbackNeverLandsInFullColumn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T2", 8, "2024-05-20"))
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T2")))

	// The callback races ahead of settlement's own bookkeeping: it is
	// matched by the owner and order encoded in the invoice id.
	body := []byte(`{"ReceiptId":"r-1","InvoiceId":"u1-A-8","Url":"https://check.test/rec/r-1"}`)
	require.NoError(t, h.k.IngestFiscalCallback(ctx, "", body))

	sale := h.get(t, "u1", "T2")
	assert.Equal(t, "r-1", deref(sale.OfdPrepayID))
	assert.False(t, sale.HasFullReceipt())

	// Settlement then finds the receipt instead of creating another.
	sale, err := h.k.SettleSale(ctx, "u1", "T2")
	require.NoError(t, err)
	assert.Equal(t, "r-1", deref(sale.OfdPrepayID))
	assert.Equal(t, 0, h.iss.createdCount())
}

func TestCallbackForReceiptRecordedUnderOtherRole(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	sale := settledDeferred(t, h, "T3", 9)
	require.Equal(t, "rcpt-1", deref(sale.OfdPrepayID))

	body := []byte(`{"ReceiptId":"rcpt-1","Request":{"Type":"Income"}}`)
	err := h.k.IngestFiscalCallback(ctx, "u1", body)
	assert.ErrorIs(t, err, ErrDuplicateReceiptDetected)
	assert.False(t, h.get(t, "u1", "T3").HasFullReceipt())
}

func TestUnclassifiableCallbackIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T4", 10, ""))

	err := h.k.IngestFiscalCallback(ctx, "u1", []byte(`{"ReceiptId":"r-5","InvoiceId":"order-10"}`))
	assert.ErrorIs(t, err, ErrUnclassifiableReceipt)
	sale := h.get(t, "u1", "T4")
	assert.False(t, sale.HasPrepayReceipt())
	assert.False(t, sale.HasFullReceipt())
}

func TestMalformedCallbackIsLogged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))

	err := h.k.IngestFiscalCallback(ctx, "u1", []byte(`garbage`))
	assert.ErrorIs(t, err, issuer.ErrMalformed)

	events, err := h.ds.ListWebhookEvents(ctx, model.SourceIssuer, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `"garbage"`, string(events[0].Payload))
}

func TestTaskNotificationCreatesSale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))

	created := []byte(`{"subscription":"tasks","event":"task.created","object":{
		"id":"t-5","order_id":"ORD-000123","amount":"1500.50","title":"Logo design",
		"end_date":"2024-05-12","customer":{"email":"buyer@example.com"},
		"executor":{"inn":"500100732259","full_name":"Petrov P."}}}`)
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u2", created))

	sale := h.get(t, "u2", "t-5")
	assert.Equal(t, int64(123), sale.OrderID)
	assert.Equal(t, "1500.5", sale.AmountGrossRub.String())
	assert.True(t, sale.IsAgent)
	assert.Equal(t, "2024-05-12", deref(sale.ServiceEndDate))
	assert.Equal(t, "buyer@example.com", deref(sale.BuyerEmail))
	assert.Equal(t, "500100732259", deref(sale.PartnerInn))
	assert.Empty(t, h.disp.settlements)

	require.NoError(t, h.k.IngestTaskNotification(ctx, "u2", paidBody("t-5")))
	require.Len(t, h.disp.settlements, 1)
	assert.Equal(t, model.StatusPaid, h.get(t, "u2", "t-5").Status)

	// A repeated paid notification is not a new transition.
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u2", paidBody("t-5")))
	assert.Len(t, h.disp.settlements, 1)
}

func TestNotificationForUnknownTask(t *testing.T) {
	h := newHarness(t, at("2024-05-10", "09:00"))
	err := h.k.IngestTaskNotification(context.Background(), "u1", paidBody("nope"))
	assert.Error(t, err)
	assert.Empty(t, h.disp.settlements)
}

func TestExecutorNotificationIsOnlyLogged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	body := []byte(`{"subscription":"executors","event":"executor.updated","object":{"inn":"500100732259"}}`)
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", body))

	events, err := h.ds.ListWebhookEvents(ctx, model.SourceTaskSystem, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "executor.updated", events[0].Kind)
	assert.Equal(t, "u1", events[0].UserID)
}

func TestSettlementRunsInlineWithoutDispatcher(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.k.dispatcher = nil
	h.sale(t, directSale("u1", "T6", 12, ""))

	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T6")))
	assert.Equal(t, "rcpt-1", deref(h.get(t, "u1", "T6").OfdFullID))
}

func TestLookupReceiptGivesUpWhilePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T7", 13, ""))
	h.iss.withURL = false
	h.iss.seed(model.ReceiptEvidence{ReceiptID: "r-9", InvoiceID: "u1-C-13"})

	err := h.k.LookupReceipt(ctx, ReceiptLookup{UserID: "u1", TaskID: "T7", ReceiptID: "r-9", Role: model.RoleFull})
	assert.ErrorIs(t, err, ErrReceiptPending)
	assert.Equal(t, 3, h.iss.statusHits)

	h.iss.withURL = true
	require.NoError(t, h.k.LookupReceipt(ctx, ReceiptLookup{UserID: "u1", TaskID: "T7", ReceiptID: "r-9", Role: model.RoleFull}))
	sale := h.get(t, "u1", "T7")
	assert.Equal(t, "r-9", deref(sale.OfdFullID))
	assert.Equal(t, "https://check.test/rec/r-9", deref(sale.OfdFullURL))
}
