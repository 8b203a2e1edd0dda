package model

import (
	"encoding/json"
	"time"
)

// Webhook sources recorded in the inbound event log.
const (
	SourceTaskSystem = "task_system"
	SourceIssuer     = "issuer"
)

// WebhookEvent is a raw inbound notification kept for audits and backfill.
type WebhookEvent struct {
	ID         int64           `json:"id"`
	Source     string          `json:"source"`
	UserID     string          `json:"user_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Event names emitted to the outgoing notification webhook.
const (
	EventReceiptRecorded     = "receipt.recorded"
	EventReceiptReclassified = "receipt.reclassified"
	EventSaleSettled         = "sale.settled"
)
