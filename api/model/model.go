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

package model

import (
	"errors"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/kassaflow/kassaflow/model"
)

var (
	innPattern   = regexp.MustCompile(`^\d{10}(\d{2})?$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

var vatRates = []interface{}{"VatNo", "Vat0", "Vat10", "Vat20", "Vat110", "Vat120"}

type CreateSale struct {
	UserID                string           `json:"user_id"`
	TaskID                string           `json:"task_id"`
	OrderID               int64            `json:"order_id"`
	OrderRef              string           `json:"order_ref"`
	AmountGrossRub        decimal.Decimal  `json:"amount_gross_rub"`
	IsAgent               bool             `json:"is_agent"`
	RetainedCommissionRub decimal.Decimal  `json:"retained_commission_rub"`
	VatRate               string           `json:"vat_rate"`
	Description           string           `json:"description"`
	Items                 []model.LineItem `json:"items"`
	ServiceEndDate        string           `json:"service_end_date"`
	PartnerInn            string           `json:"partner_inn"`
	PartnerName           string           `json:"partner_name"`
	BuyerEmail            string           `json:"buyer_email"`
	Status                string           `json:"status"`
	RootStatus            string           `json:"root_status"`
}

// RepairRequest narrows a repair or reclassification run. An empty body
// means every sale.
type RepairRequest struct {
	UserID  string `json:"user_id"`
	OrderID int64  `json:"order_id"`
}

func positiveAmount(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if !ok || !d.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

func notNegative(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if ok && d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

func dateOnly(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return errors.New("please format the date as 'YYYY-MM-DD' (e.g., 2024-04-22)")
	}
	return nil
}

func (s *CreateSale) ValidateCreateSale() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.UserID, validation.Required),
		validation.Field(&s.TaskID, validation.Required),
		validation.Field(&s.OrderID, validation.When(s.OrderRef == "", validation.Required), validation.Min(int64(0))),
		validation.Field(&s.AmountGrossRub, validation.By(positiveAmount)),
		validation.Field(&s.RetainedCommissionRub, validation.By(notNegative)),
		validation.Field(&s.VatRate, validation.In(vatRates...)),
		validation.Field(&s.ServiceEndDate, validation.By(dateOnly)),
		validation.Field(&s.PartnerInn, validation.Match(innPattern)),
		validation.Field(&s.BuyerEmail, validation.Match(emailPattern)),
	)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *CreateSale) ToSale() model.Sale {
	vat := s.VatRate
	if vat == "" {
		vat = "VatNo"
	}
	return model.Sale{
		UserID:                s.UserID,
		TaskID:                s.TaskID,
		OrderID:               s.OrderID,
		OrderRef:              optional(s.OrderRef),
		AmountGrossRub:        s.AmountGrossRub,
		IsAgent:               s.IsAgent,
		RetainedCommissionRub: s.RetainedCommissionRub,
		VatRate:               vat,
		Description:           s.Description,
		Items:                 s.Items,
		ServiceEndDate:        optional(s.ServiceEndDate),
		PartnerInn:            optional(s.PartnerInn),
		PartnerName:           optional(s.PartnerName),
		BuyerEmail:            optional(s.BuyerEmail),
		Status:                s.Status,
		RootStatus:            s.RootStatus,
	}
}

// ValidateRepairRequest requires a user whenever an order is given, since
// order ids are only unique per user.
func (r *RepairRequest) ValidateRepairRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.UserID, validation.When(r.OrderID != 0, validation.Required)),
		validation.Field(&r.OrderID, validation.Min(int64(0))),
	)
}
