package invoice

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicos/ledger/types"
)

func newInvoice(lines ...LineItem) *Invoice {
	return &Invoice{
		Entity:    types.NewEntity(time.Now()),
		Status:    StatusPending,
		Currency:  "thb",
		LineItems: lines,
	}
}

func TestComputeTotals(t *testing.T) {
	inv := newInvoice(
		LineItem{TreatmentID: "tx_crown", Quantity: 1, UnitPrice: types.THB(1200000), Discount: types.THB(200000)},
		LineItem{TreatmentID: "tx_xray", Quantity: 3, UnitPrice: types.THB(15000)},
	)
	inv.TaxTotal = types.THB(70000)

	require.NoError(t, inv.ComputeTotals())

	assert.Equal(t, int64(1000000), inv.LineItems[0].LineTotal.Amount)
	assert.Equal(t, int64(45000), inv.LineItems[1].LineTotal.Amount)
	assert.Equal(t, int64(1245000), inv.Subtotal.Amount)
	assert.Equal(t, int64(200000), inv.DiscountTotal.Amount)
	assert.Equal(t, int64(1115000), inv.GrandTotal.Amount)
	assert.Equal(t, "thb", inv.LineItems[1].Discount.Currency)
	assert.True(t, inv.PaidTotal.IsZero())
	assert.Empty(t, inv.CheckInvariants())
}

func TestComputeTotals_Rejects(t *testing.T) {
	tests := []struct {
		name string
		inv  *Invoice
	}{
		{"no lines", newInvoice()},
		{"no currency", &Invoice{LineItems: []LineItem{{Quantity: 1}}}},
		{"zero quantity", newInvoice(LineItem{UnitPrice: types.THB(100)})},
		{"negative price", newInvoice(LineItem{Quantity: 1, UnitPrice: types.THB(-1)})},
		{"discount above gross", newInvoice(LineItem{Quantity: 2, UnitPrice: types.THB(100), Discount: types.THB(201)})},
		{"overflow", newInvoice(LineItem{Quantity: 3, UnitPrice: types.THB(1 << 62)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.inv.ComputeTotals())
		})
	}
}

func TestRemainingAndOutstanding(t *testing.T) {
	inv := newInvoice()
	inv.GrandTotal = types.THB(100000)
	inv.PaidTotal = types.THB(100000)
	inv.RefundedTotal = types.THB(40000)

	assert.Equal(t, int64(40000), inv.Remaining().Amount)
	assert.True(t, inv.Outstanding().IsZero())

	inv.PaidTotal = types.THB(30000)
	assert.Equal(t, int64(70000), inv.Outstanding().Amount)
}

func TestCheckInvariants(t *testing.T) {
	base := func() *Invoice {
		inv := newInvoice()
		inv.Subtotal = types.THB(1000)
		inv.GrandTotal = types.THB(1000)
		inv.PaidTotal = types.THB(0)
		inv.RefundedTotal = types.THB(0)
		inv.OverpaymentTotal = types.THB(0)
		return inv
	}

	tests := []struct {
		name   string
		mutate func(*Invoice)
		rule   string
	}{
		{"negative overpayment", func(i *Invoice) { i.OverpaymentTotal = types.THB(-1) }, RuleNonNegative},
		{"paid beyond grand", func(i *Invoice) { i.PaidTotal = types.THB(1001) }, RulePaidWithinBounds},
		{"refund beyond paid", func(i *Invoice) { i.PaidTotal = types.THB(10); i.RefundedTotal = types.THB(11) }, RuleRefundWithinPaid},
		{"paid status short", func(i *Invoice) { i.Status = StatusPaid; i.PaidTotal = types.THB(999) }, RulePaidStatusCovered},
		{"grand formula", func(i *Invoice) { i.TaxTotal = types.THB(5) }, RuleGrandTotalFormula},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := base()
			tt.mutate(inv)
			rules := make([]string, 0)
			for _, v := range inv.CheckInvariants() {
				rules = append(rules, v.Rule)
			}
			assert.Contains(t, rules, tt.rule)
		})
	}

	assert.Empty(t, base().CheckInvariants())
}

func TestCheckInvariants_TotalsNearInt64Limit(t *testing.T) {
	inv := newInvoice()
	inv.Status = StatusPaid
	inv.Subtotal = types.THB(100000)
	inv.GrandTotal = types.THB(100000)
	inv.PaidTotal = types.THB(100000)
	inv.OverpaymentTotal = types.THB(math.MaxInt64 - 100000 + 10)
	inv.RefundedTotal = types.THB(0)

	assert.Empty(t, inv.CheckInvariants())

	inv.PaidTotal = types.THB(math.MaxInt64)
	inv.OverpaymentTotal = types.THB(math.MaxInt64)
	inv.Subtotal = types.THB(math.MaxInt64)
	inv.GrandTotal = types.THB(math.MaxInt64)
	assert.Empty(t, inv.CheckInvariants())

	inv.RefundedTotal = types.THB(math.MaxInt64)
	inv.OverpaymentTotal = types.THB(0)
	inv.GrandTotal = types.THB(0)
	inv.Subtotal = types.THB(0)
	inv.Status = StatusPending
	var rules []string
	for _, v := range inv.CheckInvariants() {
		rules = append(rules, v.Rule)
	}
	assert.Contains(t, rules, RulePaidWithinBounds)
	assert.NotContains(t, rules, RuleRemainingNonNeg)
}
