// Package storetest drives a store.Store through the ledger with concurrent
// writers. Store packages call RunConcurrency from their integration tests
// so the row lock or write-conflict guard of each backend is exercised.
package storetest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledger "github.com/clinicos/ledger"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/store"
)

// RunConcurrency runs the concurrent payment and refund scenarios against s.
// s must already be migrated. Each run uses a fresh organisation, so a
// shared database does not need to be emptied between runs.
func RunConcurrency(t *testing.T, s store.Store) {
	t.Helper()

	h := &harness{
		l: ledger.New(s,
			ledger.WithoutMigrate(),
			ledger.WithRetryPolicy(20, 5*time.Millisecond, 100*time.Millisecond),
		),
		actor: ledger.Actor{ID: "usr_concurrency", OrgID: "org_" + id.NewAuditID().String(), Role: ledger.RoleOwner},
	}

	t.Run("DistinctKeysSplitAppliedAndOverpayment", h.distinctKeys)
	t.Run("SameKeyAppliesOnce", h.sameKey)
	t.Run("RefundsOnSamePaymentAreSerialized", h.refundsOnSamePayment)
}

type harness struct {
	l     *ledger.Ledger
	actor ledger.Actor
}

func (h *harness) createInvoice(t *testing.T, grand int64) *invoice.Invoice {
	t.Helper()
	inv, err := h.l.CreateInvoice(context.Background(), h.actor, ledger.CreateInvoiceInput{
		Currency:  "THB",
		LineItems: []ledger.LineItemInput{{TreatmentID: "tx_crown", Quantity: 1, UnitPrice: grand}},
	})
	require.NoError(t, err)
	return inv
}

func (h *harness) pay(ctx context.Context, invID id.InvoiceID, amount int64, key string) (*ledger.PaymentResult, error) {
	return h.l.ConfirmPayment(ctx, h.actor, ledger.ConfirmPaymentInput{
		InvoiceID: invID, Amount: amount, Method: payment.MethodTransfer, IdempotencyKey: key,
	})
}

func (h *harness) invoice(t *testing.T, invID id.InvoiceID) *invoice.Invoice {
	t.Helper()
	inv, err := h.l.GetInvoice(context.Background(), h.actor, invID)
	require.NoError(t, err)
	return inv
}

// Two 60000 payments race on a 100000 invoice; exactly one of them spills
// 20000 into overpayment.
func (h *harness) distinctKeys(t *testing.T) {
	inv := h.createInvoice(t, 100000)

	var wg sync.WaitGroup
	results := make([]*ledger.PaymentResult, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.pay(context.Background(), inv.ID, 60000, "split-"+strconv.Itoa(i))
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.ElementsMatch(t, []int64{60000, 40000},
		[]int64{results[0].Payment.Applied.Amount, results[1].Payment.Applied.Amount})
	assert.ElementsMatch(t, []int64{0, 20000},
		[]int64{results[0].Payment.Overpayment.Amount, results[1].Payment.Overpayment.Amount})

	got := h.invoice(t, inv.ID)
	assert.Equal(t, invoice.StatusPaid, got.Status)
	assert.Equal(t, int64(100000), got.PaidTotal.Amount)
	assert.Equal(t, int64(20000), got.OverpaymentTotal.Amount)
	assert.Empty(t, got.CheckInvariants())
}

func (h *harness) sameKey(t *testing.T) {
	inv := h.createInvoice(t, 100000)

	const n = 6
	var wg sync.WaitGroup
	ids := make([]id.PaymentID, n)
	var replays atomic.Int32
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.pay(context.Background(), inv.ID, 40000, "double-submit")
			if assert.NoError(t, err) {
				ids[i] = res.PaymentID
				if res.IsReplay {
					replays.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	for _, pid := range ids[1:] {
		assert.Equal(t, ids[0], pid)
	}
	assert.Equal(t, int32(n-1), replays.Load())

	pays, err := h.l.ListPayments(context.Background(), h.actor, inv.ID)
	require.NoError(t, err)
	assert.Len(t, pays, 1)
	assert.Equal(t, int64(40000), h.invoice(t, inv.ID).PaidTotal.Amount)
}

// Five 30000 refunds race against one 100000 payment; only three fit.
func (h *harness) refundsOnSamePayment(t *testing.T) {
	inv := h.createInvoice(t, 100000)
	p, err := h.pay(context.Background(), inv.ID, 100000, "full")
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	var ok, exceeded atomic.Int32
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.l.CreateRefund(context.Background(), h.actor, ledger.CreateRefundInput{
				InvoiceID: inv.ID, PaymentID: p.PaymentID, Amount: 30000, Reason: "partial refund " + strconv.Itoa(i),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrRefundExceedsPayment):
				exceeded.Add(1)
			default:
				t.Errorf("unexpected refund error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(2), exceeded.Load())

	got := h.invoice(t, inv.ID)
	assert.Equal(t, int64(90000), got.RefundedTotal.Amount)
	assert.Empty(t, got.CheckInvariants())

	rfds, err := h.l.ListRefunds(context.Background(), h.actor, inv.ID)
	require.NoError(t, err)
	assert.Len(t, rfds, 3)
}
