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
	"github.com/wacul/ptr"

	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/model"
)

func TestStatusOnlyPatchKeepsReceipts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	s := directSale("u1", "T1", 7, "2024-05-20")
	s.OfdPrepayID = ptr.String("r-1")
	s.OfdURL = ptr.String("https://check.test/rec/r-1")
	s.BuyerEmail = ptr.String("buyer@example.com")
	h.sale(t, s)

	var p model.SalePatch
	p.RootStatus = model.Some("In Progress")
	sale, err := h.k.PatchSale(ctx, "u1", "T1", p)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", sale.RootStatus)
	assert.Equal(t, "r-1", deref(sale.OfdPrepayID))
	assert.Equal(t, "https://check.test/rec/r-1", deref(sale.OfdURL))
	assert.Equal(t, "buyer@example.com", deref(sale.BuyerEmail))
	assert.Equal(t, "2024-05-20", deref(sale.ServiceEndDate))

	// An empty patch writes nothing.
	updates := h.ds.Updates
	_, err = h.k.PatchSale(ctx, "u1", "T1", model.SalePatch{})
	require.NoError(t, err)
	assert.Equal(t, updates, h.ds.Updates)
}

func TestPatchRefusesSettlementOwnedFields(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T1", 77, "2024-05-11"))
	require.NoError(t, h.k.IngestTaskNotification(ctx, "u1", paidBody("T1")))
	_, err := h.k.SettleSale(ctx, "u1", "T1")
	require.NoError(t, err)

	var p model.SalePatch
	p.SettlementPath = model.Some(model.SettlementSameDay)
	p.InvoiceIDPrepay = model.Some("other-token")
	_, err = h.k.PatchSale(ctx, "u1", "T1", p)
	var apiErr apierror.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)

	_, err = h.k.PatchSaleByOrder(ctx, "u1", 77, p)
	require.ErrorAs(t, err, &apiErr)

	sale := h.get(t, "u1", "T1")
	assert.Equal(t, model.SettlementDeferred, deref(sale.SettlementPath))
	assert.Equal(t, "u1-A-77", deref(sale.InvoiceIDPrepay))
}

func TestPatchByOrderIntoSettledStatusTriggersSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))
	h.sale(t, directSale("u1", "T1", 7, ""))

	var p model.SalePatch
	p.Status = model.Some("Succeeded")
	sale, err := h.k.PatchSaleByOrder(ctx, "u1", 7, p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, sale.Status)
	require.Len(t, h.disp.settlements, 1)
	assert.Equal(t, []string{model.EventSaleSettled}, h.disp.events())

	_, err = h.k.PatchSaleByOrder(ctx, "u1", 7, p)
	require.NoError(t, err)
	assert.Len(t, h.disp.settlements, 1)
}

func TestCreateSale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at("2024-05-10", "09:00"))

	s := directSale("u1", "T1", 7, "")
	s.Status = "Confirmed"
	saved, created, err := h.k.CreateSale(ctx, s)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusPaid, saved.Status)
	assert.Equal(t, "VatNo", saved.VatRate)
	require.Len(t, h.disp.settlements, 1)

	again, created, err := h.k.CreateSale(ctx, s)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, saved.ID, again.ID)
	assert.Len(t, h.disp.settlements, 1)

	sales, err := h.k.ListSalesForOwner(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, sales, 1)
	_, err = h.k.GetSaleByOrder(ctx, "u1", 8)
	assert.Error(t, err)
}
