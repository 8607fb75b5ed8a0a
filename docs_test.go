package ledger_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/clinicos/ledger"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/store/memory"
	"github.com/clinicos/ledger/types"
)

// TestDocumentationExamples verifies that the package documentation examples compile and run.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Memory store for demo, use postgres.Open or mongo.Open in production.
		s := memory.New()

		l := ledger.New(s,
			ledger.WithLogger(zap.NewNop()),
			ledger.WithHookQueue(256, 2, 0),
		)

		ctx := context.Background()
		if err := l.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer func() { _ = l.Stop(ctx) }()

		cashier := ledger.Actor{ID: "usr_1", OrgID: "org_1", Role: ledger.RoleCashier, BranchIDs: []string{"br_1"}}

		inv, err := l.CreateInvoice(ctx, cashier, ledger.CreateInvoiceInput{
			BranchID: "br_1",
			Currency: "THB",
			LineItems: []ledger.LineItemInput{
				{TreatmentID: "tx_cleaning", Quantity: 1, UnitPrice: 150000},
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		res, err := l.ConfirmPayment(ctx, cashier, ledger.ConfirmPaymentInput{
			InvoiceID:      inv.ID,
			Amount:         150000,
			Method:         payment.MethodTransfer,
			IdempotencyKey: "pos-7f3a",
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := l.CreateRefund(ctx, cashier, ledger.CreateRefundInput{
			InvoiceID: inv.ID,
			PaymentID: res.PaymentID,
			Amount:    50000,
			Reason:    "partial treatment",
		}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		m := types.THB(150000) // ฿1500.00

		sum, err := m.Add(types.THB(2500))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.Add(types.USD(1)); err == nil {
			t.Fatal("expected currency mismatch")
		}

		_ = sum.String()      // "฿1525.00"
		_ = sum.FormatMajor() // "1525.00"
	})
}
