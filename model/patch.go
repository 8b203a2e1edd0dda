package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Opt is a merge-patch field. The zero value leaves the target untouched,
// Null clears it and Some replaces it.
type Opt[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func Some[T any](v T) Opt[T] {
	return Opt[T]{Set: true, Value: v}
}

func Null[T any]() Opt[T] {
	return Opt[T]{Set: true, Null: true}
}

func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Null = true
		var zero T
		o.Value = zero
		return nil
	}
	o.Null = false
	return json.Unmarshal(data, &o.Value)
}

// SalePatch is a partial update of a Sale. Identity columns and creation
// timestamps are not patchable.
type SalePatch struct {
	AmountGrossRub             Opt[decimal.Decimal] `json:"amount_gross_rub"`
	IsAgent                    Opt[bool]            `json:"is_agent"`
	RetainedCommissionRub      Opt[decimal.Decimal] `json:"retained_commission_rub"`
	VatRate                    Opt[string]          `json:"vat_rate"`
	Description                Opt[string]          `json:"description"`
	ServiceEndDate             Opt[string]          `json:"service_end_date"`
	PartnerInn                 Opt[string]          `json:"partner_inn"`
	PartnerName                Opt[string]          `json:"partner_name"`
	BuyerEmail                 Opt[string]          `json:"buyer_email"`
	Status                     Opt[string]          `json:"status"`
	RootStatus                 Opt[string]          `json:"root_status"`
	SettlementPath             Opt[string]          `json:"settlement_path"`
	PaidAt                     Opt[time.Time]       `json:"paid_at"`
	InvoiceIDPrepay            Opt[string]          `json:"invoice_id_prepay"`
	InvoiceIDOffset            Opt[string]          `json:"invoice_id_offset"`
	InvoiceIDFull              Opt[string]          `json:"invoice_id_full"`
	OfdURL                     Opt[string]          `json:"ofd_url"`
	OfdPrepayID                Opt[string]          `json:"ofd_prepay_id"`
	OfdFullURL                 Opt[string]          `json:"ofd_full_url"`
	OfdFullID                  Opt[string]          `json:"ofd_full_id"`
	AdditionalCommissionOfdURL Opt[string]          `json:"additional_commission_ofd_url"`
	NpdReceiptURI              Opt[string]          `json:"npd_receipt_uri"`
	CreatedAtRw                Opt[time.Time]       `json:"created_at_rw"`
}

// Apply merges p into sale and reports whether any field actually changed.
// UpdatedAt is left to the caller.
func (p SalePatch) Apply(sale *Sale) bool {
	changed := false
	changed = applyDecimal(&sale.AmountGrossRub, p.AmountGrossRub) || changed
	changed = applyValue(&sale.IsAgent, p.IsAgent) || changed
	changed = applyDecimal(&sale.RetainedCommissionRub, p.RetainedCommissionRub) || changed
	changed = applyValue(&sale.VatRate, p.VatRate) || changed
	changed = applyValue(&sale.Description, p.Description) || changed
	changed = applyPtr(&sale.ServiceEndDate, p.ServiceEndDate) || changed
	changed = applyPtr(&sale.PartnerInn, p.PartnerInn) || changed
	changed = applyPtr(&sale.PartnerName, p.PartnerName) || changed
	changed = applyPtr(&sale.BuyerEmail, p.BuyerEmail) || changed
	changed = applyValue(&sale.Status, p.Status) || changed
	changed = applyValue(&sale.RootStatus, p.RootStatus) || changed
	changed = applyPtr(&sale.SettlementPath, p.SettlementPath) || changed
	changed = applyTime(&sale.PaidAt, p.PaidAt) || changed
	changed = applyPtr(&sale.InvoiceIDPrepay, p.InvoiceIDPrepay) || changed
	changed = applyPtr(&sale.InvoiceIDOffset, p.InvoiceIDOffset) || changed
	changed = applyPtr(&sale.InvoiceIDFull, p.InvoiceIDFull) || changed
	changed = applyPtr(&sale.OfdURL, p.OfdURL) || changed
	changed = applyPtr(&sale.OfdPrepayID, p.OfdPrepayID) || changed
	changed = applyPtr(&sale.OfdFullURL, p.OfdFullURL) || changed
	changed = applyPtr(&sale.OfdFullID, p.OfdFullID) || changed
	changed = applyPtr(&sale.AdditionalCommissionOfdURL, p.AdditionalCommissionOfdURL) || changed
	changed = applyPtr(&sale.NpdReceiptURI, p.NpdReceiptURI) || changed
	changed = applyTime(&sale.CreatedAtRw, p.CreatedAtRw) || changed
	return changed
}

// EngineOwned lists the set fields that only settlement and receipt
// recording may write: the settlement path, the payment time, the per-phase
// invoice ids and the recorded receipt columns.
func (p SalePatch) EngineOwned() []string {
	var owned []string
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"settlement_path", p.SettlementPath.Set},
		{"paid_at", p.PaidAt.Set},
		{"invoice_id_prepay", p.InvoiceIDPrepay.Set},
		{"invoice_id_offset", p.InvoiceIDOffset.Set},
		{"invoice_id_full", p.InvoiceIDFull.Set},
		{"ofd_url", p.OfdURL.Set},
		{"ofd_prepay_id", p.OfdPrepayID.Set},
		{"ofd_full_url", p.OfdFullURL.Set},
		{"ofd_full_id", p.OfdFullID.Set},
	} {
		if f.set {
			owned = append(owned, f.name)
		}
	}
	return owned
}

// IsEmpty reports whether the patch touches no field at all.
func (p SalePatch) IsEmpty() bool {
	for _, set := range []bool{
		p.AmountGrossRub.Set, p.IsAgent.Set, p.RetainedCommissionRub.Set,
		p.VatRate.Set, p.Description.Set, p.ServiceEndDate.Set,
		p.PartnerInn.Set, p.PartnerName.Set, p.BuyerEmail.Set,
		p.Status.Set, p.RootStatus.Set, p.SettlementPath.Set, p.PaidAt.Set,
		p.InvoiceIDPrepay.Set, p.InvoiceIDOffset.Set, p.InvoiceIDFull.Set,
		p.OfdURL.Set, p.OfdPrepayID.Set, p.OfdFullURL.Set, p.OfdFullID.Set,
		p.AdditionalCommissionOfdURL.Set, p.NpdReceiptURI.Set, p.CreatedAtRw.Set,
	} {
		if set {
			return false
		}
	}
	return true
}

func applyValue[T comparable](dst *T, o Opt[T]) bool {
	if !o.Set {
		return false
	}
	var next T
	if !o.Null {
		next = o.Value
	}
	if *dst == next {
		return false
	}
	*dst = next
	return true
}

func applyPtr[T comparable](dst **T, o Opt[T]) bool {
	if !o.Set {
		return false
	}
	if o.Null {
		if *dst == nil {
			return false
		}
		*dst = nil
		return true
	}
	if *dst != nil && **dst == o.Value {
		return false
	}
	v := o.Value
	*dst = &v
	return true
}

func applyTime(dst **time.Time, o Opt[time.Time]) bool {
	if !o.Set {
		return false
	}
	if o.Null {
		if *dst == nil {
			return false
		}
		*dst = nil
		return true
	}
	if *dst != nil && (*dst).Equal(o.Value) {
		return false
	}
	v := o.Value
	*dst = &v
	return true
}

func applyDecimal(dst *decimal.Decimal, o Opt[decimal.Decimal]) bool {
	if !o.Set {
		return false
	}
	next := decimal.Zero
	if !o.Null {
		next = o.Value
	}
	if dst.Equal(next) {
		return false
	}
	*dst = next
	return true
}
