package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

var lastDigitRun = regexp.MustCompile(`(\d+)\D*$`)

// ExtractOrderNumber returns the last contiguous run of digits in ref.
// Legacy sales stored the order id inside longer strings such as
// "INV-2024-000123".
func ExtractOrderNumber(ref string) (int64, bool) {
	m := lastDigitRun.FindStringSubmatch(ref)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Correlation phases. The letter is embedded in the invoice id sent to the
// fiscal issuer.
const (
	PhasePrepay = "A"
	PhaseOffset = "B"
	PhaseFull   = "C"
)

func InvoiceID(userID string, phase string, orderID int64) string {
	return fmt.Sprintf("%s-%s-%d", userID, phase, orderID)
}

var invoiceIDPattern = regexp.MustCompile(`^(.+)-([ABC])-(\d+)$`)

// ParseInvoiceID splits an invoice id produced by InvoiceID.
func ParseInvoiceID(invoiceID string) (userID string, phase string, orderID int64, ok bool) {
	m := invoiceIDPattern.FindStringSubmatch(strings.TrimSpace(invoiceID))
	if m == nil {
		return "", "", 0, false
	}
	n, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return m[1], m[2], n, true
}

const (
	StatusPaid        = "paid"
	StatusTransferred = "transferred"
	StatusCompleted   = "completed"
)

var statusAliases = map[string]string{
	"success":      StatusPaid,
	"succeeded":    StatusPaid,
	"confirmed":    StatusPaid,
	"captured":     StatusPaid,
	"transfered":   StatusTransferred,
	"transferring": StatusTransferred,
	"done":         StatusCompleted,
	"finished":     StatusCompleted,
	"complete":     StatusCompleted,
}

// NormalizeStatus lower-cases a provider status and folds known aliases.
func NormalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, " ", "_")
	if alias, ok := statusAliases[s]; ok {
		return alias
	}
	return s
}

// IsSettled reports whether a normalized status means the money arrived.
func IsSettled(status string) bool {
	switch NormalizeStatus(status) {
	case StatusPaid, StatusTransferred, StatusCompleted:
		return true
	}
	return false
}
