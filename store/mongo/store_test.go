package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	ledgerstore "github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/store/storetest"
	"github.com/clinicos/ledger/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no documents", mongo.ErrNoDocuments, ledgerstore.ErrNotFound},
		{"duplicate key", mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000}}}, ledgerstore.ErrConflict},
		{"write conflict", mongo.CommandError{Code: codeWriteConflict}, ledgerstore.ErrConflict},
		{"transient label", mongo.CommandError{Code: 251, Labels: []string{labelTransientTransaction}}, ledgerstore.ErrConflict},
		{"wrapped conflict", errors.Wrap(mongo.CommandError{Code: codeWriteConflict}, "update"), ledgerstore.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	other := mongo.CommandError{Code: 2, Message: "bad value"}
	assert.Equal(t, error(other), classify(other))
	assert.NoError(t, classify(nil))
}

func TestHasLabel(t *testing.T) {
	err := mongo.CommandError{Labels: []string{labelUnknownCommitResult}}
	assert.True(t, hasLabel(err, labelUnknownCommitResult))
	assert.True(t, hasLabel(errors.Wrap(err, "commit"), labelUnknownCommitResult))
	assert.False(t, hasLabel(err, labelTransientTransaction))
	assert.False(t, hasLabel(assert.AnError, labelUnknownCommitResult))
}

func TestOrgFilter(t *testing.T) {
	assert.Equal(t, "org_1", orgFilter("org_1", map[string]any{})["org_id"])
	_, ok := orgFilter("", map[string]any{})["org_id"]
	assert.False(t, ok)
}

func TestModelsRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inv := &invoice.Invoice{
		Entity:   types.NewEntity(now),
		ID:       id.NewInvoiceID(),
		OrgID:    "org_1",
		BranchID: "br_1",
		Status:   invoice.StatusPending,
		Currency: "thb",
		LineItems: []invoice.LineItem{{
			ID: id.NewLineItemID(), TreatmentID: "tx_1", Quantity: 2,
			UnitPrice: types.THB(50000), Discount: types.THB(0), LineTotal: types.THB(100000),
		}},
		Subtotal:         types.THB(100000),
		DiscountTotal:    types.THB(0),
		TaxTotal:         types.THB(0),
		GrandTotal:       types.THB(100000),
		PaidTotal:        types.THB(0),
		RefundedTotal:    types.THB(0),
		OverpaymentTotal: types.THB(0),
		CreatedBy:        "usr_1",
	}
	back, err := fromInvoiceModel(toInvoiceModel(inv))
	require.NoError(t, err)
	assert.Equal(t, inv, back)

	e, err := audit.NewEntry("org_1", audit.EntityInvoice, inv.ID.String(), audit.ActionInvoiceCreated, "usr_1", now, map[string]int{"grand_total": 100000})
	require.NoError(t, err)
	eb, err := fromAuditModel(toAuditModel(e))
	require.NoError(t, err)
	assert.Equal(t, e, eb)
}

// TestIntegration runs against a replica set when LEDGER_TEST_MONGO_URI is
// set.
func TestIntegration(t *testing.T) {
	uri := os.Getenv("LEDGER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("LEDGER_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, uri, "ledger_test_"+id.NewAuditID().String())
	require.NoError(t, err)
	defer func() {
		_ = s.DB().Drop(ctx)
		_ = s.Close()
	}()
	require.NoError(t, s.Migrate(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	inv := &invoice.Invoice{
		Entity: types.NewEntity(now), ID: id.NewInvoiceID(), OrgID: "org_it", Status: invoice.StatusPending,
		Currency: "thb", Subtotal: types.THB(1000), GrandTotal: types.THB(1000),
	}
	p := &payment.Payment{
		Entity: types.NewEntity(now), ID: id.NewPaymentID(), OrgID: "org_it", InvoiceID: inv.ID,
		IdempotencyKey: "k1", Seq: 1, Amount: types.THB(400), Applied: types.THB(400), Overpayment: types.THB(0),
		Method: payment.MethodCard,
	}

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		return tx.CreateInvoice(ctx, inv)
	}))
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		locked, err := tx.GetInvoiceForUpdate(ctx, "org_it", inv.ID)
		if err != nil {
			return err
		}
		locked.PaidTotal = types.THB(400)
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		return tx.UpdateInvoice(ctx, locked)
	}))

	got, err := s.GetInvoice(ctx, "org_it", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.PaidTotal.Amount)

	_, err = s.GetInvoice(ctx, "org_other", inv.ID)
	assert.ErrorIs(t, err, ledgerstore.ErrNotFound)

	err = s.RunInTx(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		dup := *p
		dup.ID = id.NewPaymentID()
		dup.Seq = 2
		return tx.InsertPayment(ctx, &dup)
	})
	assert.ErrorIs(t, err, ledgerstore.ErrConflict)

	err = s.RunInTx(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		locked, err := tx.GetInvoiceForUpdate(ctx, "org_it", inv.ID)
		if err != nil {
			return err
		}
		locked.PaidTotal = types.THB(1000)
		if err := tx.UpdateInvoice(ctx, locked); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err = s.GetInvoice(ctx, "org_it", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.PaidTotal.Amount)

	pays, err := s.ListPayments(ctx, "org_it", inv.ID)
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, p.ID, pays[0].ID)
}

// TestIntegration_Concurrency races payments and refunds through the ledger
// so lock_version write conflicts are retried under real contention.
func TestIntegration_Concurrency(t *testing.T) {
	uri := os.Getenv("LEDGER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("LEDGER_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, uri, "ledger_test_"+id.NewAuditID().String())
	require.NoError(t, err)
	defer func() {
		_ = s.DB().Drop(ctx)
		_ = s.Close()
	}()
	require.NoError(t, s.Migrate(ctx))

	storetest.RunConcurrency(t, s)
}
