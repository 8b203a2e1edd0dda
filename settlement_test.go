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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/kassaflow/kassaflow/internal/classify"
	"github.com/kassaflow/kassaflow/internal/issuer"
	"github.com/kassaflow/kassaflow/internal/receipt"
	"github.com/kassaflow/kassaflow/model"
)

func paidBody(taskID string) []byte {
	return []byte(`{"subscription":"tasks","event":"task.paid","object":{"id":"` + taskID + `","acquiring_order":{"status":"paid"}}}`)
}

func TestSameDaySettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T1", 7, "2024-05-10"))

	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T1")))
	require.Len(t, h.disp.settlements, 1)
	assert.Equal(t, SettlementPayload{UserID: "u1", TaskID: "T1"}, h.disp.settlements[0])

	sale, err := h.k.SettleSale(ctx, "u1", "T1")
	require.NoError(t, err)

	assert.Equal(t, model.SettlementSameDay, deref(sale.SettlementPath))
	assert.Equal(t, "u1-C-7", deref(sale.InvoiceIDFull))
	assert.Nil(t, sale.InvoiceIDPrepay)
	assert.Equal(t, "rcpt-1", deref(sale.OfdFullID))
	assert.Nil(t, sale.OfdPrepayID)
	require.NotNil(t, sale.PaidAt)

	require.Equal(t, 1, h.iss.createdCount())
	req := h.iss.lastCreated().Request
	assert.Equal(t, model.DocIncome, req.Type)
	assert.Equal(t, "u1-C-7", req.InvoiceID)
	assert.Equal(t, model.MethodFull, req.CustomerReceipt.Items[0].PaymentMethod)
	assert.Equal(t, receipt.PaymentElectronic, req.CustomerReceipt.PaymentItems[0].PaymentType)
	assert.Contains(t, req.CallbackURL, "uid=u1")

	// The ack has no link yet, so a lookup is queued for it.
	require.Len(t, h.disp.lookups, 1)
	lookup := h.disp.lookups[0]
	assert.Equal(t, model.RoleFull, lookup.Role)
	require.NoError(t, h.k.LookupReceipt(ctx, lookup))
	assert.Equal(t, "https://check.test/rec/rcpt-1", deref(h.get(t, "u1", "T1").OfdFullURL))

	assert.Equal(t, []string{model.EventSaleSettled, model.EventReceiptRecorded, model.EventReceiptRecorded}, h.disp.events())

	// Settling again issues nothing new.
	_, err = h.k.SettleSale(ctx, "u1", "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.iss.createdCount())
}

func TestDeferredSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T2", 8, "2024-05-11"))
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T2")))

	sale, err := h.k.SettleSale(ctx, "u1", "T2")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementDeferred, deref(sale.SettlementPath))
	assert.Equal(t, "u1-A-8", deref(sale.InvoiceIDPrepay))
	assert.Equal(t, "u1-B-8", deref(sale.InvoiceIDOffset))
	assert.Equal(t, "rcpt-1", deref(sale.OfdPrepayID))
	assert.False(t, sale.HasFullReceipt())

	prepay := h.iss.lastCreated().Request
	assert.Equal(t, model.DocIncomePrepayment, prepay.Type)
	assert.Equal(t, "u1-A-8", prepay.InvoiceID)
	assert.Equal(t, model.MethodPrepayment, prepay.CustomerReceipt.Items[0].PaymentMethod)

	job, err := h.ds.GetReceiptJob(ctx, model.ReceiptJobID("u1", 8))
	require.NoError(t, err)
	assert.True(t, job.DueAt.Equal(at("2024-05-11", "12:00")))
	assert.Equal(t, "u1-B-8", job.InvoiceID)

	// Nothing fires before the due time.
	report, err := h.k.RunScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScheduleReport{}, report)
	outcome, err := h.k.FireJob(ctx, *job)
	require.NoError(t, err)
	assert.Equal(t, JobPending, outcome)
	assert.Equal(t, 1, h.iss.createdCount())

	h.clock = at("2024-05-11", "12:00")
	report, err = h.k.RunScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	sale = h.get(t, "u1", "T2")
	assert.Equal(t, "rcpt-2", deref(sale.OfdFullID))
	assert.Equal(t, "rcpt-1", deref(sale.OfdPrepayID))

	full := h.iss.lastCreated().Request
	assert.Equal(t, model.DocIncome, full.Type)
	assert.Equal(t, "u1-B-8", full.InvoiceID)
	assert.Equal(t, receipt.PaymentAdvanceOffset, full.CustomerReceipt.PaymentItems[0].PaymentType)

	_, err = h.ds.GetReceiptJob(ctx, job.ID)
	assert.Error(t, err)

	// A stale copy of the job is superseded without calling the issuer.
	outcome, err = h.k.FireJob(ctx, *job)
	require.NoError(t, err)
	assert.Equal(t, JobSuperseded, outcome)
	assert.Equal(t, 2, h.iss.createdCount())
}

func TestDeferredSettlementWithAcceptedOnlyReply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.iss.acceptOnly = true
	h.sale(t, directSale("u1", "T12", 77, "2024-05-11"))
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T12")))

	sale, err := h.k.SettleSale(ctx, "u1", "T12")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementDeferred, deref(sale.SettlementPath))
	assert.Nil(t, sale.OfdPrepayID)
	assert.Equal(t, 1, h.iss.createdCount())

	job, err := h.ds.GetReceiptJob(ctx, model.ReceiptJobID("u1", 77))
	require.NoError(t, err)
	assert.True(t, job.DueAt.Equal(at("2024-05-11", "12:00")))

	require.Len(t, h.disp.lookups, 1)
	lookup := h.disp.lookups[0]
	assert.Empty(t, lookup.ReceiptID)
	assert.Equal(t, "u1-A-77", lookup.InvoiceID)
	assert.Equal(t, model.RolePrepay, lookup.Role)

	require.NoError(t, h.k.LookupReceipt(ctx, lookup))
	sale = h.get(t, "u1", "T12")
	assert.Equal(t, "rcpt-1", deref(sale.OfdPrepayID))
	assert.Equal(t, "https://check.test/rec/rcpt-1", deref(sale.OfdURL))
}

func TestFireJobRecordsReceiptTheIssuerAlreadyHas(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T3", 9, "2024-05-11"))
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T3")))
	_, err := h.k.SettleSale(ctx, "u1", "T3")
	require.NoError(t, err)

	// A previous run reached the issuer but crashed before recording.
	h.iss.seed(model.ReceiptEvidence{ReceiptID: "earlier", InvoiceID: "u1-B-9", DocumentType: model.DocIncome})

	h.clock = at("2024-05-12", "08:00")
	job, err := h.ds.GetReceiptJob(ctx, model.ReceiptJobID("u1", 9))
	require.NoError(t, err)
	outcome, err := h.k.FireJob(ctx, *job)
	require.NoError(t, err)
	assert.Equal(t, JobFired, outcome)
	assert.Equal(t, 1, h.iss.createdCount())
	assert.Equal(t, "earlier", deref(h.get(t, "u1", "T3").OfdFullID))
}

func TestSettlementPathIsStableAcrossEndDateEdits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T4", 10, "2024-05-20"))
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T4")))
	_, err := h.k.SettleSale(ctx, "u1", "T4")
	require.NoError(t, err)

	var patch model.SalePatch
	patch.ServiceEndDate = model.Some("2024-05-10")
	sale, err := h.k.PatchSale(ctx, "u1", "T4", patch)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementDeferred, deref(sale.SettlementPath))

	sale, err = h.k.SettleSale(ctx, "u1", "T4")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementDeferred, deref(sale.SettlementPath))
	assert.Nil(t, sale.InvoiceIDFull)

	job, err := h.ds.GetReceiptJob(ctx, model.ReceiptJobID("u1", 10))
	require.NoError(t, err)
	assert.True(t, job.DueAt.Equal(at("2024-05-10", "12:00")))
	assert.Equal(t, "u1-B-10", job.InvoiceID)
}

func TestSettlementWithoutEndDateIsSameDay(t *testing.T) {
	h := newHarness(t, at("2024-05-10", "23:30"))
	sale := directSale("u1", "T5", 11, "")
	assert.Equal(t, model.SettlementSameDay, h.k.settlementPath(sale, h.clock))

	sale.ServiceEndDate = ptr.String("2024-05-11")
	assert.Equal(t, model.SettlementDeferred, h.k.settlementPath(sale, h.clock))
	assert.Equal(t, model.SettlementSameDay, h.k.settlementPath(sale, at("2024-05-11", "02:30")))
	// 22:00 UTC on the 10th is already the 11th in Moscow.
	assert.Equal(t, model.SettlementSameDay, h.k.settlementPath(sale, time.Date(2024, 5, 10, 22, 0, 0, 0, time.UTC)))
}

func TestAgentSaleWithoutPayeeTaxID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	s := directSale("u1", "T6", 12, "2024-05-10")
	s.IsAgent = true
	h.sale(t, s)
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T6")))

	_, err := h.k.SettleSale(ctx, "u1", "T6")
	assert.ErrorIs(t, err, ErrNoPayeeTaxID)
	assert.Equal(t, 0, h.iss.createdCount())
	assert.False(t, h.get(t, "u1", "T6").HasFullReceipt())

	h.tasks.payees["T6"] = [2]string{"500100732259", "Petrov P."}
	sale, err := h.k.SettleSale(ctx, "u1", "T6")
	require.NoError(t, err)
	assert.Equal(t, "500100732259", deref(sale.PartnerInn))
	line := h.iss.lastCreated().Request.CustomerReceipt.Items[0]
	require.NotNil(t, line.SupplierInfo)
	assert.Equal(t, "500100732259", line.SupplierInfo.SupplierInn)
	assert.Equal(t, "AGENT", line.AgentInfo.AgentType)
}

func TestSettleSaleRequiresSettledStatus(t *testing.T) {
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T7", 13, ""))
	_, err := h.k.SettleSale(context.Background(), "u1", "T7")
	assert.ErrorIs(t, err, ErrSaleNotSettled)
	assert.Nil(t, h.get(t, "u1", "T7").SettlementPath)
}

func TestIssuerOutageLeavesSaleForRepair(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T8", 14, ""))
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T8")))

	h.iss.statusErr = issuer.ErrUnreachable
	_, err := h.k.SettleSale(ctx, "u1", "T8")
	assert.True(t, errors.Is(err, issuer.ErrUnreachable))
	assert.Equal(t, 3, h.iss.statusHits)
	assert.Equal(t, 0, h.iss.createdCount())

	h.iss.statusErr = nil
	report, err := h.k.RepairSales(ctx, RepairScope{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, "rcpt-1", deref(h.get(t, "u1", "T8").OfdFullID))
}

func TestConcurrentPatchesDoNotLoseFields(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T9", 15, ""))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		var p model.SalePatch
		p.RootStatus = model.Some("in_progress")
		_, err := h.k.PatchSale(ctx, "u1", "T9", p)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := h.k.recordReceipt(ctx, "u1", "T9", classify.Result{Role: model.RoleFull, ReceiptID: "r-1", URL: "https://check.test/rec/r-1"})
		assert.NoError(t, err)
	}()
	wg.Wait()

	sale := h.get(t, "u1", "T9")
	assert.Equal(t, "in_progress", sale.RootStatus)
	assert.Equal(t, "r-1", deref(sale.OfdFullID))
	assert.Equal(t, "https://check.test/rec/r-1", deref(sale.OfdFullURL))
}
