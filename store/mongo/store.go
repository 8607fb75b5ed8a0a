// Package mongo implements store.Store on MongoDB.
//
// Ledger transactions run as multi-document transactions with snapshot
// read concern and majority write concern. GetInvoiceForUpdate bumps the
// invoice's lock_version, so two transactions touching the same invoice
// collide on a write conflict and the loser surfaces store.ErrConflict.
// Transactions require a replica set or sharded cluster.
package mongo

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
	ledgerstore "github.com/clinicos/ledger/store"
)

// Collection name constants.
const (
	colInvoices = "ledger_invoices"
	colPayments = "ledger_payments"
	colRefunds  = "ledger_refunds"
	colAudit    = "ledger_audit_log"
)

// Server error labels and codes the ledger reacts to.
const (
	labelTransientTransaction = "TransientTransactionError"
	labelUnknownCommitResult  = "UnknownTransactionCommitResult"
	codeWriteConflict         = 112
)

// compile-time interface check
var _ ledgerstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	db *mongo.Database
}

// New creates a store over an existing database handle.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Open connects to uri, verifies the connection and uses database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "ledger/mongo: connect")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx)) //nolint:errcheck // already failing
		return nil, errors.WithSecondaryError(ledgerstore.ErrUnavailable, err)
	}
	return New(client.Database(database)), nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for all ledger collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "ledger/mongo: migrate %s indexes", col)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, readpref.Primary()); err != nil {
		return errors.WithSecondaryError(ledgerstore.ErrUnavailable, err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.db.Client().Disconnect(context.Background())
}

// ==================== Transactions ====================

// RunInTx implements store.Store. The session's automatic retry loop is not
// used; retrying is the ledger's decision. A commit answered with the
// UnknownTransactionCommitResult label is reported as store.ErrCommitUnknown.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledgerstore.Tx) error) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return classify(err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		return classify(err)
	}

	sctx := mongo.NewSessionContext(ctx, sess)
	if err := fn(sctx, &mongoTx{db: s.db}); err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(sctx)) //nolint:errcheck // the tx is already failed
		return classify(err)
	}

	if err := sess.CommitTransaction(sctx); err != nil {
		if hasLabel(err, labelUnknownCommitResult) {
			return errors.WithSecondaryError(ledgerstore.ErrCommitUnknown, err)
		}
		return classify(err)
	}
	return nil
}

// mongoTx relies on the session carried by ctx; every collection call made
// with that context joins the transaction.
type mongoTx struct {
	db *mongo.Database
}

func (t *mongoTx) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	_, err := t.db.Collection(colInvoices).InsertOne(ctx, toInvoiceModel(inv))
	return classify(err)
}

func (t *mongoTx) GetInvoiceForUpdate(ctx context.Context, orgID string, invID id.InvoiceID) (*invoice.Invoice, error) {
	var m invoiceModel
	err := t.db.Collection(colInvoices).FindOneAndUpdate(ctx,
		bson.M{"_id": invID.String(), "org_id": orgID},
		bson.M{"$inc": bson.M{"lock_version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		return nil, classify(err)
	}
	return fromInvoiceModel(&m)
}

func (t *mongoTx) UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	m := toInvoiceModel(inv)
	res, err := t.db.Collection(colInvoices).UpdateOne(ctx,
		bson.M{"_id": m.ID, "org_id": m.OrgID},
		bson.M{"$set": bson.M{
			"status":            m.Status,
			"paid_total":        m.PaidTotal,
			"refunded_total":    m.RefundedTotal,
			"overpayment_total": m.OverpaymentTotal,
			"paid_at":           m.PaidAt,
			"cancelled_at":      m.CancelledAt,
			"cancel_reason":     m.CancelReason,
			"metadata":          m.Metadata,
			"updated_at":        m.UpdatedAt,
		}},
	)
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return ledgerstore.ErrNotFound
	}
	return nil
}

func (t *mongoTx) FindPaymentByKey(ctx context.Context, invID id.InvoiceID, key string) (*payment.Payment, error) {
	return findPayment(ctx, t.db, bson.M{"invoice_id": invID.String(), "idempotency_key": key})
}

func (t *mongoTx) GetPayment(ctx context.Context, invID id.InvoiceID, payID id.PaymentID) (*payment.Payment, error) {
	return findPayment(ctx, t.db, bson.M{"_id": payID.String(), "invoice_id": invID.String()})
}

func (t *mongoTx) ListPaymentsByInvoice(ctx context.Context, invID id.InvoiceID) ([]*payment.Payment, error) {
	return listPayments(ctx, t.db, invID)
}

func (t *mongoTx) InsertPayment(ctx context.Context, p *payment.Payment) error {
	_, err := t.db.Collection(colPayments).InsertOne(ctx, toPaymentModel(p))
	return classify(err)
}

func (t *mongoTx) ListRefundsByPayment(ctx context.Context, payID id.PaymentID) ([]*refund.Refund, error) {
	return listRefunds(ctx, t.db, bson.M{"payment_id": payID.String()})
}

func (t *mongoTx) InsertRefund(ctx context.Context, r *refund.Refund) error {
	_, err := t.db.Collection(colRefunds).InsertOne(ctx, toRefundModel(r))
	return classify(err)
}

func (t *mongoTx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	_, err := t.db.Collection(colAudit).InsertOne(ctx, toAuditModel(e))
	return classify(err)
}

// ==================== Committed reads ====================

func (s *Store) GetInvoice(ctx context.Context, orgID string, invID id.InvoiceID) (*invoice.Invoice, error) {
	var m invoiceModel
	if err := s.db.Collection(colInvoices).FindOne(ctx, orgFilter(orgID, bson.M{"_id": invID.String()})).Decode(&m); err != nil {
		return nil, classify(err)
	}
	return fromInvoiceModel(&m)
}

func (s *Store) ListInvoices(ctx context.Context, orgID string, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	filter := orgFilter(orgID, bson.M{})
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.BranchID != "" {
		filter["branch_id"] = opts.BranchID
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.db.Collection(colInvoices).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, classify(err)
	}
	var models []invoiceModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, classify(err)
	}

	out := make([]*invoice.Invoice, 0, len(models))
	for i := range models {
		inv, err := fromInvoiceModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s *Store) ListPayments(ctx context.Context, orgID string, invID id.InvoiceID) ([]*payment.Payment, error) {
	if err := s.ownsInvoice(ctx, orgID, invID); err != nil {
		return nil, err
	}
	return listPayments(ctx, s.db, invID)
}

func (s *Store) GetPayment(ctx context.Context, orgID string, payID id.PaymentID) (*payment.Payment, error) {
	return findPayment(ctx, s.db, orgFilter(orgID, bson.M{"_id": payID.String()}))
}

func (s *Store) ListRefunds(ctx context.Context, orgID string, invID id.InvoiceID) ([]*refund.Refund, error) {
	if err := s.ownsInvoice(ctx, orgID, invID); err != nil {
		return nil, err
	}
	return listRefunds(ctx, s.db, bson.M{"invoice_id": invID.String()})
}

// AppendAudit writes an entry outside any ledger transaction.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	_, err := s.db.Collection(colAudit).InsertOne(ctx, toAuditModel(e))
	return classify(err)
}

func (s *Store) ListAuditEntries(ctx context.Context, orgID string, opts audit.ListOpts) ([]*audit.Entry, error) {
	filter := orgFilter(orgID, bson.M{})
	if opts.EntityType != "" {
		filter["entity_type"] = string(opts.EntityType)
	}
	if opts.EntityID != "" {
		filter["entity_id"] = opts.EntityID
	}
	if opts.Action != "" {
		filter["action"] = opts.Action
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.db.Collection(colAudit).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, classify(err)
	}
	var models []auditModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, classify(err)
	}

	out := make([]*audit.Entry, 0, len(models))
	for i := range models {
		e, err := fromAuditModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ownsInvoice(ctx context.Context, orgID string, invID id.InvoiceID) error {
	n, err := s.db.Collection(colInvoices).CountDocuments(ctx,
		orgFilter(orgID, bson.M{"_id": invID.String()}),
		options.Count().SetLimit(1),
	)
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ledgerstore.ErrNotFound
	}
	return nil
}

// ==================== Shared queries ====================

func findPayment(ctx context.Context, db *mongo.Database, filter bson.M) (*payment.Payment, error) {
	var m paymentModel
	if err := db.Collection(colPayments).FindOne(ctx, filter).Decode(&m); err != nil {
		return nil, classify(err)
	}
	return fromPaymentModel(&m)
}

func listPayments(ctx context.Context, db *mongo.Database, invID id.InvoiceID) ([]*payment.Payment, error) {
	cur, err := db.Collection(colPayments).Find(ctx,
		bson.M{"invoice_id": invID.String()},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, classify(err)
	}
	var models []paymentModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, classify(err)
	}

	out := make([]*payment.Payment, 0, len(models))
	for i := range models {
		p, err := fromPaymentModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func listRefunds(ctx context.Context, db *mongo.Database, filter bson.M) ([]*refund.Refund, error) {
	cur, err := db.Collection(colRefunds).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, classify(err)
	}
	var models []refundModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, classify(err)
	}

	out := make([]*refund.Refund, 0, len(models))
	for i := range models {
		r, err := fromRefundModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ==================== Helpers ====================

// orgFilter adds the org_id condition unless orgID is empty, which only the
// consistency auditor passes.
func orgFilter(orgID string, filter bson.M) bson.M {
	if orgID != "" {
		filter["org_id"] = orgID
	}
	return filter
}

func hasLabel(err error, label string) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel(label)
}

// classify maps driver errors onto store sentinels. Anything else is
// returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ledgerstore.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return errors.WithSecondaryError(ledgerstore.ErrConflict, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel(labelTransientTransaction) || se.HasErrorCode(codeWriteConflict) {
			return errors.WithSecondaryError(ledgerstore.ErrConflict, err)
		}
		return err
	}

	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return errors.WithSecondaryError(ledgerstore.ErrUnavailable, err)
	}
	return err
}

// migrationIndexes returns the index definitions for all ledger collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colInvoices: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "branch_id", Value: 1}}},
		},
		colPayments: {
			{
				Keys:    bson.D{{Key: "invoice_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "invoice_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "org_id", Value: 1}}},
		},
		colRefunds: {
			{Keys: bson.D{{Key: "invoice_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "payment_id", Value: 1}}},
		},
		colAudit: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "ts", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}
}
