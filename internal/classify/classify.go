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

// Package classify decides which ledger column a fiscal receipt belongs to
// and plans the patches that record or move it.
package classify

import (
	"errors"
	"strings"

	"github.com/kassaflow/kassaflow/internal/receipt"
	"github.com/kassaflow/kassaflow/model"
)

var (
	// ErrDuplicate means the other column already holds this receipt.
	ErrDuplicate = errors.New("receipt already recorded under the other role")
	// ErrOccupied means the target column holds a different receipt.
	ErrOccupied = errors.New("receipt column holds a different receipt")
)

// Rules, in the order they are tried.
const (
	RuleInvoicePrepay = "invoice_prepay"
	RuleInvoiceFull   = "invoice_full"
	RuleMethod        = "payment_method"
	RulePaymentType   = "payment_type"
	RuleDocumentType  = "document_type"
	RuleInvoiceSuffix = "invoice_suffix"
)

// Result is the outcome of Classify. Role is RoleUnknown when no rule
// applied.
type Result struct {
	Role      model.ReceiptRole
	Rule      string
	ReceiptID string
	URL       string
}

func (r Result) Known() bool {
	return r.Role != model.RoleUnknown
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Classify applies the decision table to ev for sale. sale may be nil when
// the receipt could not be matched to a sale yet.
func Classify(ev *model.ReceiptEvidence, sale *model.Sale) Result {
	if ev == nil {
		return Result{}
	}
	res := Result{ReceiptID: ev.ReceiptID, URL: ev.URL}
	role, rule := decide(ev, sale)
	res.Role, res.Rule = role, rule
	return res
}

func decide(ev *model.ReceiptEvidence, sale *model.Sale) (model.ReceiptRole, string) {
	invoice := strings.TrimSpace(ev.InvoiceID)
	doc := strings.ToLower(strings.TrimSpace(ev.DocumentType))

	// Refund documents never fill either column.
	if strings.Contains(doc, "return") {
		return model.RoleUnknown, ""
	}

	if sale != nil && invoice != "" {
		if invoice == deref(sale.InvoiceIDPrepay) {
			return model.RolePrepay, RuleInvoicePrepay
		}
		if invoice == deref(sale.InvoiceIDOffset) || invoice == deref(sale.InvoiceIDFull) {
			return model.RoleFull, RuleInvoiceFull
		}
	}

	switch ev.PaymentMethod {
	case model.MethodPrepayment:
		return model.RolePrepay, RuleMethod
	case model.MethodFull:
		return model.RoleFull, RuleMethod
	}
	// Only an advance offset payment says which receipt this is; an
	// electronic payment appears on both.
	if ev.PaymentType == receipt.PaymentAdvanceOffset {
		return model.RoleFull, RulePaymentType
	}

	switch {
	case strings.Contains(doc, "prepayment"):
		return model.RolePrepay, RuleDocumentType
	case doc == "income":
		return model.RoleFull, RuleDocumentType
	}

	if _, phase, _, ok := model.ParseInvoiceID(invoice); ok {
		if phase == model.PhasePrepay {
			return model.RolePrepay, RuleInvoiceSuffix
		}
		return model.RoleFull, RuleInvoiceSuffix
	}
	return model.RoleUnknown, ""
}

// holds reports whether a column's id/url pair is the receipt in res.
func holds(id, url *string, res Result) bool {
	if res.ReceiptID != "" && deref(id) == res.ReceiptID {
		return true
	}
	return res.URL != "" && deref(url) == res.URL
}

func columns(sale model.Sale, role model.ReceiptRole) (id, url *string) {
	if role == model.RolePrepay {
		return sale.OfdPrepayID, sale.OfdURL
	}
	return sale.OfdFullID, sale.OfdFullURL
}

func other(role model.ReceiptRole) model.ReceiptRole {
	if role == model.RolePrepay {
		return model.RoleFull
	}
	return model.RolePrepay
}

func setColumn(p *model.SalePatch, role model.ReceiptRole, id, url string) {
	if role == model.RolePrepay {
		if id != "" {
			p.OfdPrepayID = model.Some(id)
		}
		if url != "" {
			p.OfdURL = model.Some(url)
		}
		return
	}
	if id != "" {
		p.OfdFullID = model.Some(id)
	}
	if url != "" {
		p.OfdFullURL = model.Some(url)
	}
}

func clearColumn(p *model.SalePatch, role model.ReceiptRole) {
	if role == model.RolePrepay {
		p.OfdPrepayID = model.Null[string]()
		p.OfdURL = model.Null[string]()
		return
	}
	p.OfdFullID = model.Null[string]()
	p.OfdFullURL = model.Null[string]()
}

// Record plans writing a classified receipt into its column of current.
// It refuses when the other column already holds the receipt, or when the
// target column holds a different receipt id. Filling a missing URL for a
// receipt already recorded by id is allowed.
func Record(current model.Sale, res Result) (model.SalePatch, error) {
	var patch model.SalePatch
	if !res.Known() {
		return patch, nil
	}
	otherID, otherURL := columns(current, other(res.Role))
	if holds(otherID, otherURL, res) {
		return patch, ErrDuplicate
	}
	id, _ := columns(current, res.Role)
	if res.ReceiptID != "" && deref(id) != "" && deref(id) != res.ReceiptID {
		return patch, ErrOccupied
	}
	setColumn(&patch, res.Role, res.ReceiptID, res.URL)
	return patch, nil
}

// Reclassify plans moving a receipt currently stored under from to the
// column res names. The target is written only when it is empty or already
// holds the same receipt. The source is cleared only when it holds exactly
// this receipt. ok is false when nothing needs to change.
func Reclassify(current model.Sale, from model.ReceiptRole, res Result) (patch model.SalePatch, ok bool) {
	if !res.Known() || res.Role == from {
		return patch, false
	}
	srcID, srcURL := columns(current, from)
	if !holds(srcID, srcURL, res) {
		return patch, false
	}

	dstID, dstURL := columns(current, res.Role)
	targetFree := deref(dstID) == "" && deref(dstURL) == ""
	if targetFree || holds(dstID, dstURL, res) {
		setColumn(&patch, res.Role, res.ReceiptID, res.URL)
	}
	clearColumn(&patch, from)
	return patch, true
}
