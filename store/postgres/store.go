// Package postgres implements store.Store on PostgreSQL through pgx.
//
// Ledger transactions run at READ COMMITTED and take a row lock on the
// invoice (SELECT ... FOR UPDATE) before reading its payments or refunds,
// so every mutation of one invoice is serialized while different invoices
// proceed in parallel. Unique indexes back idempotency keys and payment
// sequence numbers; a violation surfaces as store.ErrConflict and the
// ledger reruns the transaction.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
	ledgerstore "github.com/clinicos/ledger/store"
)

// compile-time interface check
var _ ledgerstore.Store = (*Store)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "ledger/postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WithSecondaryError(ledgerstore.ErrUnavailable, err)
	}
	return New(pool), nil
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WithSecondaryError(ledgerstore.ErrUnavailable, err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Transactions ====================

// RunInTx implements store.Store. A failure while committing that is not a
// definite server-side rejection is reported as store.ErrCommitUnknown:
// the commit may or may not have been applied.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledgerstore.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // the tx is already failed
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return classify(err)
		}
		return errors.WithSecondaryError(ledgerstore.ErrCommitUnknown, err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	m, err := toInvoiceModel(inv)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `INSERT INTO ledger_invoices (`+invoiceColumns+`) VALUES (`+placeholders(20)+`)`, m.args()...)
	return classify(err)
}

func (t *pgTx) GetInvoiceForUpdate(ctx context.Context, orgID string, invID id.InvoiceID) (*invoice.Invoice, error) {
	return getInvoice(ctx, t.q, `SELECT `+invoiceColumns+` FROM ledger_invoices WHERE id = $1 AND org_id = $2 FOR UPDATE`,
		invID.String(), orgID)
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	m, err := toInvoiceModel(inv)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
UPDATE ledger_invoices SET
    status = $3, paid_total = $4, refunded_total = $5, overpayment_total = $6,
    paid_at = $7, cancelled_at = $8, cancel_reason = $9, metadata = $10, updated_at = $11
WHERE id = $1 AND org_id = $2`,
		m.ID, m.OrgID,
		m.Status, m.PaidTotal, m.RefundedTotal, m.OverpaymentTotal,
		m.PaidAt, m.CancelledAt, m.CancelReason, m.Metadata, m.UpdatedAt,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ledgerstore.ErrNotFound
	}
	return nil
}

func (t *pgTx) FindPaymentByKey(ctx context.Context, invID id.InvoiceID, key string) (*payment.Payment, error) {
	return getPayment(ctx, t.q, `SELECT `+paymentColumns+` FROM ledger_payments WHERE invoice_id = $1 AND idempotency_key = $2`,
		invID.String(), key)
}

func (t *pgTx) GetPayment(ctx context.Context, invID id.InvoiceID, payID id.PaymentID) (*payment.Payment, error) {
	return getPayment(ctx, t.q, `SELECT `+paymentColumns+` FROM ledger_payments WHERE id = $1 AND invoice_id = $2`,
		payID.String(), invID.String())
}

func (t *pgTx) ListPaymentsByInvoice(ctx context.Context, invID id.InvoiceID) ([]*payment.Payment, error) {
	return listPayments(ctx, t.q, invID)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *payment.Payment) error {
	_, err := t.q.Exec(ctx, `INSERT INTO ledger_payments (`+paymentColumns+`) VALUES (`+placeholders(14)+`)`,
		toPaymentModel(p).args()...)
	return classify(err)
}

func (t *pgTx) ListRefundsByPayment(ctx context.Context, payID id.PaymentID) ([]*refund.Refund, error) {
	return listRefunds(ctx, t.q, `SELECT `+refundColumns+` FROM ledger_refunds WHERE payment_id = $1 ORDER BY created_at, id`,
		payID.String())
}

func (t *pgTx) InsertRefund(ctx context.Context, r *refund.Refund) error {
	_, err := t.q.Exec(ctx, `INSERT INTO ledger_refunds (`+refundColumns+`) VALUES (`+placeholders(10)+`)`,
		toRefundModel(r).args()...)
	return classify(err)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return appendAudit(ctx, t.q, e)
}

// ==================== Committed reads ====================

func (s *Store) GetInvoice(ctx context.Context, orgID string, invID id.InvoiceID) (*invoice.Invoice, error) {
	w := where{}
	w.add("id = ?", invID.String())
	if orgID != "" {
		w.add("org_id = ?", orgID)
	}
	inv, err := getInvoice(ctx, s.pool, `SELECT `+invoiceColumns+` FROM ledger_invoices`+w.sql(), w.args...)
	return inv, classify(err)
}

func (s *Store) ListInvoices(ctx context.Context, orgID string, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	w := where{}
	if orgID != "" {
		w.add("org_id = ?", orgID)
	}
	if opts.Status != "" {
		w.add("status = ?", string(opts.Status))
	}
	if opts.BranchID != "" {
		w.add("branch_id = ?", opts.BranchID)
	}
	q := `SELECT ` + invoiceColumns + ` FROM ledger_invoices` + w.sql() + ` ORDER BY created_at, id` + w.page(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	models, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[invoiceModel])
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*invoice.Invoice, 0, len(models))
	for _, m := range models {
		inv, err := fromInvoiceModel(m)
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
	out, err := listPayments(ctx, s.pool, invID)
	return out, classify(err)
}

func (s *Store) GetPayment(ctx context.Context, orgID string, payID id.PaymentID) (*payment.Payment, error) {
	w := where{}
	w.add("id = ?", payID.String())
	if orgID != "" {
		w.add("org_id = ?", orgID)
	}
	p, err := getPayment(ctx, s.pool, `SELECT `+paymentColumns+` FROM ledger_payments`+w.sql(), w.args...)
	return p, classify(err)
}

func (s *Store) ListRefunds(ctx context.Context, orgID string, invID id.InvoiceID) ([]*refund.Refund, error) {
	if err := s.ownsInvoice(ctx, orgID, invID); err != nil {
		return nil, err
	}
	out, err := listRefunds(ctx, s.pool, `SELECT `+refundColumns+` FROM ledger_refunds WHERE invoice_id = $1 ORDER BY created_at, id`,
		invID.String())
	return out, classify(err)
}

// AppendAudit writes an entry outside any ledger transaction.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return classify(appendAudit(ctx, s.pool, e))
}

func (s *Store) ListAuditEntries(ctx context.Context, orgID string, opts audit.ListOpts) ([]*audit.Entry, error) {
	w := where{}
	if orgID != "" {
		w.add("org_id = ?", orgID)
	}
	if opts.EntityType != "" {
		w.add("entity_type = ?", string(opts.EntityType))
	}
	if opts.EntityID != "" {
		w.add("entity_id = ?", opts.EntityID)
	}
	if opts.Action != "" {
		w.add("action = ?", opts.Action)
	}
	q := `SELECT ` + auditColumns + ` FROM ledger_audit_log` + w.sql() + ` ORDER BY ts, id` + w.page(opts.Limit, 0)

	rows, err := s.pool.Query(ctx, q, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	models, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[auditModel])
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*audit.Entry, 0, len(models))
	for _, m := range models {
		e, err := fromAuditModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ownsInvoice(ctx context.Context, orgID string, invID id.InvoiceID) error {
	w := where{}
	w.add("id = ?", invID.String())
	if orgID != "" {
		w.add("org_id = ?", orgID)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_invoices`+w.sql()+`)`, w.args...).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return ledgerstore.ErrNotFound
	}
	return nil
}

// ==================== Shared queries ====================

func getInvoice(ctx context.Context, q querier, sql string, args ...any) (*invoice.Invoice, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[invoiceModel])
	if err != nil {
		return nil, classify(err)
	}
	return fromInvoiceModel(m)
}

func getPayment(ctx context.Context, q querier, sql string, args ...any) (*payment.Payment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[paymentModel])
	if err != nil {
		return nil, classify(err)
	}
	return fromPaymentModel(m)
}

func listPayments(ctx context.Context, q querier, invID id.InvoiceID) ([]*payment.Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM ledger_payments WHERE invoice_id = $1 ORDER BY seq`, invID.String())
	if err != nil {
		return nil, classify(err)
	}
	models, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[paymentModel])
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*payment.Payment, 0, len(models))
	for _, m := range models {
		p, err := fromPaymentModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func listRefunds(ctx context.Context, q querier, sql string, args ...any) ([]*refund.Refund, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	models, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[refundModel])
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*refund.Refund, 0, len(models))
	for _, m := range models {
		r, err := fromRefundModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func appendAudit(ctx context.Context, q querier, e *audit.Entry) error {
	_, err := q.Exec(ctx, `INSERT INTO ledger_audit_log (`+auditColumns+`) VALUES (`+placeholders(8)+`)`,
		toAuditModel(e).args()...)
	return classify(err)
}

// ==================== Helpers ====================

// where accumulates AND-ed conditions written with ? placeholders and
// renumbers them as $n.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ", ")
}

// SQLSTATE codes the ledger reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeLockNotAvailable     = "55P03"
)

// classify maps driver errors onto store sentinels. Anything else is
// returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledgerstore.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation, codeLockNotAvailable:
			return errors.WithSecondaryError(ledgerstore.ErrConflict, err)
		}
		return err
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return errors.WithSecondaryError(ledgerstore.ErrUnavailable, err)
	}
	return err
}
