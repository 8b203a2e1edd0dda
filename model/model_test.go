package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	module := "evt"
	id := GenerateUUIDWithSuffix(module)
	assert.Contains(t, id, module+"_")
}

func TestExtractOrderNumber(t *testing.T) {
	tests := []struct {
		ref    string
		want   int64
		wantOK bool
	}{
		{"123", 123, true},
		{"INV-2024-000123", 123, true},
		{"order 77 (legacy)", 77, true},
		{"no digits", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := ExtractOrderNumber(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvoiceIDRoundTrip(t *testing.T) {
	id := InvoiceID("2f6d-user", PhaseOffset, 42)
	assert.Equal(t, "2f6d-user-B-42", id)

	uid, phase, order, ok := ParseInvoiceID(id)
	require.True(t, ok)
	assert.Equal(t, "2f6d-user", uid)
	assert.Equal(t, PhaseOffset, phase)
	assert.Equal(t, int64(42), order)

	_, _, _, ok = ParseInvoiceID("random-token")
	assert.False(t, ok)
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, StatusPaid, NormalizeStatus(" PAID "))
	assert.Equal(t, StatusPaid, NormalizeStatus("Succeeded"))
	assert.Equal(t, StatusTransferred, NormalizeStatus("transfered"))
	assert.Equal(t, "awaiting_payment", NormalizeStatus("Awaiting Payment"))
	assert.True(t, IsSettled("completed"))
	assert.False(t, IsSettled("pending"))
}

func TestSalePatchStatusOnlyLeavesOtherFields(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sale := Sale{
		UserID:         "u1",
		TaskID:         "t1",
		OrderID:        9,
		AmountGrossRub: decimal.RequireFromString("1000.00"),
		VatRate:        "VatNo",
		Description:    "Design work",
		ServiceEndDate: ptr.String("2024-05-10"),
		OfdURL:         ptr.String("https://check.ofd.ru/rec/1/2/3"),
		Status:         "pending",
		CreatedAt:      created,
	}
	before, err := json.Marshal(sale)
	require.NoError(t, err)

	changed := SalePatch{Status: Some("paid")}.Apply(&sale)
	assert.True(t, changed)
	assert.Equal(t, "paid", sale.Status)

	sale.Status = "pending"
	after, err := json.Marshal(sale)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestSalePatchNullClears(t *testing.T) {
	sale := Sale{OfdFullURL: ptr.String("https://x"), OfdFullID: ptr.String("r1")}
	changed := SalePatch{OfdFullURL: Null[string]()}.Apply(&sale)
	assert.True(t, changed)
	assert.Nil(t, sale.OfdFullURL)
	assert.Equal(t, "r1", *sale.OfdFullID)
}

func TestSalePatchNoChange(t *testing.T) {
	paid := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sale := Sale{Status: "paid", OfdPrepayID: ptr.String("r1"), PaidAt: &paid}
	p := SalePatch{
		Status:      Some("paid"),
		OfdPrepayID: Some("r1"),
		PaidAt:      Some(paid.In(time.FixedZone("MSK", 3*3600))),
		OfdFullURL:  Null[string](),
	}
	assert.False(t, p.Apply(&sale))
	assert.False(t, p.IsEmpty())
	assert.True(t, SalePatch{}.IsEmpty())
}

func TestSalePatchEngineOwned(t *testing.T) {
	var p SalePatch
	p.Description = Some("Consulting")
	p.AdditionalCommissionOfdURL = Some("https://check.test/rec/c-1")
	assert.Empty(t, p.EngineOwned())

	p.SettlementPath = Some(SettlementSameDay)
	p.OfdURL = Null[string]()
	assert.Equal(t, []string{"settlement_path", "ofd_url"}, p.EngineOwned())
}

func TestSalePatchUnmarshalDistinguishesNullFromAbsent(t *testing.T) {
	var p SalePatch
	err := json.Unmarshal([]byte(`{"status":"paid","ofd_url":null}`), &p)
	require.NoError(t, err)

	assert.True(t, p.Status.Set)
	assert.Equal(t, "paid", p.Status.Value)
	assert.True(t, p.OfdURL.Set)
	assert.True(t, p.OfdURL.Null)
	assert.False(t, p.OfdFullURL.Set)
}

func TestSaleHelpers(t *testing.T) {
	loc, _ := time.LoadLocation("Europe/Moscow")
	sale := Sale{OrderRef: ptr.String("legacy-0042"), ServiceEndDate: ptr.String("2024-06-01")}

	n, ok := sale.OrderNumber()
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	d, ok := sale.ServiceEnd(loc)
	assert.True(t, ok)
	assert.Equal(t, 2024, d.Year())
	assert.Equal(t, loc, d.Location())

	sale.ServiceEndDate = ptr.String("june")
	_, ok = sale.ServiceEnd(loc)
	assert.False(t, ok)

	assert.Equal(t, PartyOrg, sale.Party())
	sale.IsAgent = true
	assert.Equal(t, PartyPartner, sale.Party())

	assert.False(t, sale.HasFullReceipt())
	sale.OfdFullID = ptr.String("r2")
	assert.True(t, sale.HasFullReceipt())
}

func TestReceiptJob(t *testing.T) {
	due := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	job := ReceiptJob{ID: ReceiptJobID("u1", 7), DueAt: due}
	assert.Equal(t, "u1:7", job.ID)
	assert.False(t, job.Due(due.Add(-time.Second)))
	assert.True(t, job.Due(due))
}
