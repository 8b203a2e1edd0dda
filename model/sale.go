package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SettlementSameDay  = "same_day"
	SettlementDeferred = "deferred"
)

// Sale is one commercial transaction collected through a payment task.
type Sale struct {
	ID                         int64           `json:"-"`
	UserID                     string          `json:"user_id"`
	TaskID                     string          `json:"task_id"`
	OrderID                    int64           `json:"order_id"`
	OrderRef                   *string         `json:"order_ref,omitempty"`
	AmountGrossRub             decimal.Decimal `json:"amount_gross_rub"`
	IsAgent                    bool            `json:"is_agent"`
	RetainedCommissionRub      decimal.Decimal `json:"retained_commission_rub"`
	VatRate                    string          `json:"vat_rate"`
	Description                string          `json:"description"`
	Items                      []LineItem      `json:"items,omitempty"`
	ServiceEndDate             *string         `json:"service_end_date"`
	PartnerInn                 *string         `json:"partner_inn"`
	PartnerName                *string         `json:"partner_name"`
	BuyerEmail                 *string         `json:"buyer_email"`
	Status                     string          `json:"status"`
	RootStatus                 string          `json:"root_status"`
	SettlementPath             *string         `json:"settlement_path"`
	PaidAt                     *time.Time      `json:"paid_at"`
	InvoiceIDPrepay            *string         `json:"invoice_id_prepay"`
	InvoiceIDOffset            *string         `json:"invoice_id_offset"`
	InvoiceIDFull              *string         `json:"invoice_id_full"`
	OfdURL                     *string         `json:"ofd_url"`
	OfdPrepayID                *string         `json:"ofd_prepay_id"`
	OfdFullURL                 *string         `json:"ofd_full_url"`
	OfdFullID                  *string         `json:"ofd_full_id"`
	AdditionalCommissionOfdURL *string         `json:"additional_commission_ofd_url"`
	NpdReceiptURI              *string         `json:"npd_receipt_uri"`
	CreatedAtRw                *time.Time      `json:"created_at_rw"`
	CreatedAt                  time.Time       `json:"created_at"`
	UpdatedAt                  time.Time       `json:"updated_at"`
}

// LineItem is a commercial position of a sale. Vat falls back to the sale's
// rate when empty.
type LineItem struct {
	Label    string          `json:"label"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
	Vat      string          `json:"vat,omitempty"`
}

func (s *Sale) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// HasPrepayReceipt reports whether the prepayment column holds anything.
func (s *Sale) HasPrepayReceipt() bool {
	return nonEmpty(s.OfdURL) || nonEmpty(s.OfdPrepayID)
}

// HasFullReceipt reports whether the full/offset column holds anything.
func (s *Sale) HasFullReceipt() bool {
	return nonEmpty(s.OfdFullURL) || nonEmpty(s.OfdFullID)
}

// Party is the supplier printed on the sale's receipts.
func (s *Sale) Party() string {
	if s.IsAgent {
		return PartyPartner
	}
	return PartyOrg
}

// ServiceEnd parses ServiceEndDate in loc. ok is false when the date is
// missing or unparsable.
func (s *Sale) ServiceEnd(loc *time.Location) (time.Time, bool) {
	if !nonEmpty(s.ServiceEndDate) {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(time.DateOnly, *s.ServiceEndDate, loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// OrderNumber returns the numeric order id, falling back to the last digit
// run of a legacy order reference.
func (s *Sale) OrderNumber() (int64, bool) {
	if s.OrderID > 0 {
		return s.OrderID, true
	}
	if s.OrderRef != nil {
		return ExtractOrderNumber(*s.OrderRef)
	}
	return 0, false
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
