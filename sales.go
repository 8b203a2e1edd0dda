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
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kassaflow/kassaflow/database"
	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/model"
)

// CreateSale inserts a sale unless its (owner, task) pair exists. created is
// false when the existing sale is returned. A sale created already settled
// goes straight to settlement.
func (k *Kassaflow) CreateSale(ctx context.Context, sale model.Sale) (*model.Sale, bool, error) {
	ctx, span := tracer.Start(ctx, "CreateSale")
	defer span.End()

	sale.Status = model.NormalizeStatus(sale.Status)
	sale.RootStatus = model.NormalizeStatus(sale.RootStatus)
	saved, created, err := k.datasource.CreateSale(ctx, sale)
	if err != nil {
		return nil, false, err
	}
	if created && model.IsSettled(saved.Status) {
		k.emit(ctx, model.EventSaleSettled, saved)
		k.triggerSettlement(ctx, saved)
	}
	return saved, created, nil
}

func (k *Kassaflow) GetSale(ctx context.Context, userID, taskID string) (*model.Sale, error) {
	return k.datasource.GetSale(ctx, userID, taskID)
}

func (k *Kassaflow) GetSaleByOrder(ctx context.Context, userID string, orderID int64) (*model.Sale, error) {
	return k.datasource.GetSaleByOrder(ctx, userID, orderID)
}

func (k *Kassaflow) ListSales(ctx context.Context, limit, offset int) ([]model.Sale, error) {
	return k.datasource.ListSales(ctx, limit, offset)
}

func (k *Kassaflow) ListSalesForOwner(ctx context.Context, userID string, limit, offset int) ([]model.Sale, error) {
	return k.datasource.ListSalesForOwner(ctx, userID, limit, offset)
}

func (k *Kassaflow) ListReceiptJobs(ctx context.Context, limit, offset int) ([]model.ReceiptJob, error) {
	return k.datasource.ListReceiptJobs(ctx, limit, offset)
}

// PatchSale merge-patches a sale. Fields absent from the patch are kept.
// Fields the engine owns are refused with ErrInvalidInput.
func (k *Kassaflow) PatchSale(ctx context.Context, userID, taskID string, patch model.SalePatch) (*model.Sale, error) {
	return k.patchSale(ctx, patch, func(fn database.SaleMutator) (*model.Sale, *model.Sale, error) {
		return k.datasource.UpdateSale(ctx, userID, taskID, fn)
	})
}

// PatchSaleByOrder is PatchSale keyed by the numeric order id.
func (k *Kassaflow) PatchSaleByOrder(ctx context.Context, userID string, orderID int64, patch model.SalePatch) (*model.Sale, error) {
	return k.patchSale(ctx, patch, func(fn database.SaleMutator) (*model.Sale, *model.Sale, error) {
		return k.datasource.UpdateSaleByOrder(ctx, userID, orderID, fn)
	})
}

func (k *Kassaflow) patchSale(ctx context.Context, patch model.SalePatch,
	update func(fn database.SaleMutator) (*model.Sale, *model.Sale, error)) (*model.Sale, error) {
	ctx, span := tracer.Start(ctx, "PatchSale")
	defer span.End()

	if owned := patch.EngineOwned(); len(owned) > 0 {
		err := apierror.NewAPIError(apierror.ErrInvalidInput,
			"fields are managed by settlement and cannot be patched: "+strings.Join(owned, ", "), owned)
		span.RecordError(err)
		return nil, err
	}
	if patch.Status.Set && !patch.Status.Null {
		patch.Status.Value = model.NormalizeStatus(patch.Status.Value)
	}
	if patch.RootStatus.Set && !patch.RootStatus.Null {
		patch.RootStatus.Value = model.NormalizeStatus(patch.RootStatus.Value)
	}

	before, after, err := update(func(model.Sale) (model.SalePatch, error) {
		return patch, nil
	})
	if err != nil {
		return nil, err
	}

	if !model.IsSettled(before.Status) && model.IsSettled(after.Status) {
		logrus.WithFields(saleFields(after)).WithField("status", after.Status).Info("sale settled")
		k.emit(ctx, model.EventSaleSettled, after)
		k.triggerSettlement(ctx, after)
		return after, nil
	}

	// A deferred sale keeps its path, but its pending full receipt follows
	// the new service end date.
	if deref(before.ServiceEndDate) != deref(after.ServiceEndDate) &&
		deref(after.SettlementPath) == model.SettlementDeferred && !after.HasFullReceipt() {
		if err := k.scheduleFullReceipt(ctx, after); err != nil {
			logrus.WithFields(saleFields(after)).WithError(err).Warn("failed to reschedule full receipt")
		}
	}
	return after, nil
}
