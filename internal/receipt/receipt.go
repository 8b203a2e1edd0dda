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

// Package receipt builds fiscal issuer request documents. Nothing here
// performs I/O.
package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kassaflow/kassaflow/model"
	"github.com/shopspring/decimal"
)

const (
	maxLabelLength = 128

	// subjectService marks every line as a service.
	subjectService = 4

	PaymentElectronic    = 1
	PaymentAdvanceOffset = 2
)

var (
	ErrMissingInvoiceID = errors.New("receipt: invoice id must be supplied by the caller")
	ErrMethodMismatch   = errors.New("receipt: payment method does not match document type")
	ErrMissingPayee     = errors.New("receipt: partner receipts need the payee tax id and name")
	ErrMissingOrg       = errors.New("receipt: organization tax id is not configured")
	ErrInvalidAmount    = errors.New("receipt: amount must be positive")
	ErrItemsExceedTotal = errors.New("receipt: line items exceed the declared total")
)

// Request carries everything one receipt document is built from.
type Request struct {
	Party          string
	PayeeInn       string
	PayeeName      string
	OrgInn         string
	OrgName        string
	TaxationSystem string
	Description    string
	Amount         decimal.Decimal
	VatRate        string
	DocumentType   string
	MethodCode     int
	InvoiceID      string
	BuyerEmail     string
	CallbackURL    string

	// SettlesPrepayment pays the document from a previously received advance.
	SettlesPrepayment bool
	Items             []model.LineItem
}

// MethodFor returns the payment-method code a document type requires.
func MethodFor(documentType string) (int, bool) {
	switch documentType {
	case model.DocIncomePrepayment:
		return model.MethodPrepayment, true
	case model.DocIncome:
		return model.MethodFull, true
	}
	return 0, false
}

// RoundTotal rounds to kopecks, half away from zero.
func RoundTotal(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// Build turns req into the issuer's create-receipt document.
func Build(req Request) (model.FiscalReceiptPayload, error) {
	if strings.TrimSpace(req.InvoiceID) == "" {
		return model.FiscalReceiptPayload{}, ErrMissingInvoiceID
	}
	want, ok := MethodFor(req.DocumentType)
	if !ok || want != req.MethodCode {
		return model.FiscalReceiptPayload{}, fmt.Errorf("%w: %s with method %d", ErrMethodMismatch, req.DocumentType, req.MethodCode)
	}
	if req.OrgInn == "" {
		return model.FiscalReceiptPayload{}, ErrMissingOrg
	}
	if req.Party == model.PartyPartner && (req.PayeeInn == "" || req.PayeeName == "") {
		return model.FiscalReceiptPayload{}, ErrMissingPayee
	}

	total := RoundTotal(req.Amount)
	if !total.IsPositive() {
		return model.FiscalReceiptPayload{}, ErrInvalidAmount
	}

	lines, err := buildLines(req, total)
	if err != nil {
		return model.FiscalReceiptPayload{}, err
	}

	paymentType := PaymentElectronic
	if req.SettlesPrepayment {
		paymentType = PaymentAdvanceOffset
	}

	return model.FiscalReceiptPayload{
		Request: model.FiscalRequest{
			Inn:         req.OrgInn,
			Type:        req.DocumentType,
			InvoiceID:   req.InvoiceID,
			CallbackURL: req.CallbackURL,
			CustomerReceipt: model.CustomerReceipt{
				TaxationSystem: req.TaxationSystem,
				Email:          req.BuyerEmail,
				Items:          lines,
				PaymentItems: []model.PaymentItem{
					{PaymentType: paymentType, Sum: money(total)},
				},
				Total: money(total),
			},
		},
	}, nil
}

// buildLines rounds each line and lets the last one absorb the rounding
// drift, so the lines always add up to total exactly.
func buildLines(req Request, total decimal.Decimal) ([]model.ReceiptItem, error) {
	items := req.Items
	if len(items) == 0 {
		items = []model.LineItem{{
			Label:    req.Description,
			Price:    total,
			Quantity: decimal.NewFromInt(1),
			Amount:   total,
		}}
	}

	lines := make([]model.ReceiptItem, 0, len(items))
	sum := decimal.Zero
	for i, item := range items {
		qty := item.Quantity
		if !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
		amount := item.Amount
		if amount.IsZero() {
			amount = item.Price.Mul(qty)
		}
		amount = amount.Round(2)
		if i == len(items)-1 {
			amount = total.Sub(sum)
			if !amount.IsPositive() {
				return nil, ErrItemsExceedTotal
			}
		}
		sum = sum.Add(amount)

		vat := item.Vat
		if vat == "" {
			vat = req.VatRate
		}
		if vat == "" {
			vat = "VatNo"
		}

		label := item.Label
		if label == "" {
			label = req.Description
		}

		line := model.ReceiptItem{
			Label:         truncate(label, maxLabelLength),
			Price:         money(amount.Div(qty).Round(2)),
			Quantity:      json.Number(qty.String()),
			Amount:        money(amount),
			Vat:           vat,
			PaymentMethod: req.MethodCode,
			PaymentType:   subjectService,
		}
		if req.Party == model.PartyPartner {
			line.AgentInfo = &model.AgentInfo{AgentType: "AGENT"}
			line.SupplierInfo = &model.SupplierInfo{SupplierInn: req.PayeeInn, SupplierName: req.PayeeName}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
