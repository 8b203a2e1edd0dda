package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PartyPartner = "partner"
	PartyOrg     = "org"
)

// Document types understood by the fiscal issuer.
const (
	DocIncomePrepayment = "IncomePrepayment"
	DocIncome           = "Income"
)

// Payment-method codes carried by every receipt line.
const (
	MethodPrepayment = 1
	MethodFull       = 4
)

// ReceiptRole is the ledger column a receipt belongs to.
type ReceiptRole string

const (
	RolePrepay  ReceiptRole = "prepay"
	RoleFull    ReceiptRole = "full"
	RoleUnknown ReceiptRole = ""
)

// ReceiptJob is a deferred full receipt waiting for its due time. ID is
// "userId:orderId" so enqueueing the same sale twice replaces the job.
type ReceiptJob struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	TaskID      string          `json:"task_id"`
	OrderID     int64           `json:"order_id"`
	DueAt       time.Time       `json:"due_at"`
	Party       string          `json:"party"`
	PartnerInn  *string         `json:"partner_inn,omitempty"`
	PartnerName *string         `json:"partner_name,omitempty"`
	Description string          `json:"description"`
	AmountRub   decimal.Decimal `json:"amount_rub"`
	VatRate     string          `json:"vat_rate"`
	BuyerEmail  *string         `json:"buyer_email,omitempty"`
	InvoiceID   string          `json:"invoice_id"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func ReceiptJobID(userID string, orderID int64) string {
	return fmt.Sprintf("%s:%d", userID, orderID)
}

// Due reports whether the job may fire at now.
func (j *ReceiptJob) Due(now time.Time) bool {
	return !j.DueAt.After(now)
}

// ReceiptEvidence is what the issuer tells us about one receipt, either in
// a status response or a callback. Zero fields were absent.
type ReceiptEvidence struct {
	ReceiptID     string `json:"receipt_id,omitempty"`
	InvoiceID     string `json:"invoice_id,omitempty"`
	URL           string `json:"url,omitempty"`
	Fn            string `json:"fn,omitempty"`
	Fd            string `json:"fd,omitempty"`
	Fp            string `json:"fp,omitempty"`
	PaymentMethod int    `json:"payment_method,omitempty"`
	PaymentType   int    `json:"payment_type,omitempty"`
	DocumentType  string `json:"document_type,omitempty"`
	StatusName    string `json:"status_name,omitempty"`
	Shape         string `json:"shape,omitempty"`
}

// Found reports whether the evidence identifies a receipt at all.
func (e *ReceiptEvidence) Found() bool {
	return e != nil && (e.ReceiptID != "" || e.URL != "")
}

// FiscalReceiptPayload is the create-receipt request document.
type FiscalReceiptPayload struct {
	Request FiscalRequest `json:"Request"`
}

type FiscalRequest struct {
	Inn             string          `json:"Inn"`
	Type            string          `json:"Type"`
	InvoiceID       string          `json:"InvoiceId"`
	CallbackURL     string          `json:"CallbackUrl,omitempty"`
	CustomerReceipt CustomerReceipt `json:"CustomerReceipt"`
}

type CustomerReceipt struct {
	TaxationSystem string        `json:"TaxationSystem,omitempty"`
	Email          string        `json:"Email,omitempty"`
	Items          []ReceiptItem `json:"Items"`
	PaymentItems   []PaymentItem `json:"PaymentItems"`
	Total          json.Number   `json:"Total"`
}

type ReceiptItem struct {
	Label         string        `json:"Label"`
	Price         json.Number   `json:"Price"`
	Quantity      json.Number   `json:"Quantity"`
	Amount        json.Number   `json:"Amount"`
	Vat           string        `json:"Vat"`
	PaymentMethod int           `json:"PaymentMethod"`
	PaymentType   int           `json:"PaymentType"`
	AgentInfo     *AgentInfo    `json:"AgentInfo,omitempty"`
	SupplierInfo  *SupplierInfo `json:"SupplierInfo,omitempty"`
}

type AgentInfo struct {
	AgentType string `json:"AgentType"`
}

type SupplierInfo struct {
	SupplierInn  string `json:"SupplierInn"`
	SupplierName string `json:"SupplierName"`
}

type PaymentItem struct {
	PaymentType int         `json:"PaymentType"`
	Sum         json.Number `json:"Sum"`
}
