package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
)

// Migration is one forward-only schema change.
type Migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations is the ordered schema history of the ledger store.
var Migrations = []Migration{
	{
		Name:    "create_ledger_invoices",
		Version: "20260101000001",
		Up: `
CREATE TABLE IF NOT EXISTS ledger_invoices (
    id                TEXT PRIMARY KEY,
    org_id            TEXT NOT NULL,
    branch_id         TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'PENDING',
    currency          TEXT NOT NULL,
    line_items        JSONB NOT NULL DEFAULT '[]',
    subtotal          BIGINT NOT NULL DEFAULT 0,
    discount_total    BIGINT NOT NULL DEFAULT 0,
    tax_total         BIGINT NOT NULL DEFAULT 0,
    grand_total       BIGINT NOT NULL DEFAULT 0,
    paid_total        BIGINT NOT NULL DEFAULT 0,
    refunded_total    BIGINT NOT NULL DEFAULT 0,
    overpayment_total BIGINT NOT NULL DEFAULT 0,
    paid_at           TIMESTAMPTZ,
    cancelled_at      TIMESTAMPTZ,
    cancel_reason     TEXT NOT NULL DEFAULT '',
    created_by        TEXT NOT NULL DEFAULT '',
    metadata          JSONB NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CONSTRAINT ledger_invoices_status_chk CHECK (status IN ('PENDING', 'PAID', 'CANCELLED')),
    CONSTRAINT ledger_invoices_non_negative_chk CHECK (paid_total >= 0 AND refunded_total >= 0 AND overpayment_total >= 0),
    CONSTRAINT ledger_invoices_refund_bound_chk CHECK (refunded_total <= paid_total),
    CONSTRAINT ledger_invoices_paid_bound_chk CHECK (paid_total <= grand_total + overpayment_total),
    CONSTRAINT ledger_invoices_paid_status_chk CHECK (status <> 'PAID' OR paid_total >= grand_total)
);

CREATE INDEX IF NOT EXISTS idx_ledger_invoices_org ON ledger_invoices (org_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_ledger_invoices_org_status ON ledger_invoices (org_id, status);
CREATE INDEX IF NOT EXISTS idx_ledger_invoices_org_branch ON ledger_invoices (org_id, branch_id);
`,
	},
	{
		Name:    "create_ledger_payments",
		Version: "20260101000002",
		Up: `
CREATE TABLE IF NOT EXISTS ledger_payments (
    id              TEXT PRIMARY KEY,
    org_id          TEXT NOT NULL,
    invoice_id      TEXT NOT NULL REFERENCES ledger_invoices (id),
    idempotency_key TEXT NOT NULL,
    seq             BIGINT NOT NULL,
    currency        TEXT NOT NULL,
    amount          BIGINT NOT NULL,
    applied         BIGINT NOT NULL,
    overpayment     BIGINT NOT NULL,
    method          TEXT NOT NULL,
    reference       TEXT NOT NULL DEFAULT '',
    created_by      TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CONSTRAINT ledger_payments_split_chk CHECK (amount > 0 AND applied >= 0 AND overpayment >= 0 AND applied + overpayment = amount)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_payments_idempotency ON ledger_payments (invoice_id, idempotency_key);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_payments_seq ON ledger_payments (invoice_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_payments_org ON ledger_payments (org_id);
`,
	},
	{
		Name:    "create_ledger_refunds",
		Version: "20260101000003",
		Up: `
CREATE TABLE IF NOT EXISTS ledger_refunds (
    id         TEXT PRIMARY KEY,
    org_id     TEXT NOT NULL,
    invoice_id TEXT NOT NULL REFERENCES ledger_invoices (id),
    payment_id TEXT NOT NULL REFERENCES ledger_payments (id),
    currency   TEXT NOT NULL,
    amount     BIGINT NOT NULL,
    reason     TEXT NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CONSTRAINT ledger_refunds_amount_chk CHECK (amount > 0),
    CONSTRAINT ledger_refunds_reason_chk CHECK (reason <> '')
);

CREATE INDEX IF NOT EXISTS idx_ledger_refunds_invoice ON ledger_refunds (invoice_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_refunds_payment ON ledger_refunds (payment_id);
`,
	},
	{
		Name:    "create_ledger_audit_log",
		Version: "20260101000004",
		Up: `
CREATE TABLE IF NOT EXISTS ledger_audit_log (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL DEFAULT '',
    action      TEXT NOT NULL,
    actor_id    TEXT NOT NULL DEFAULT '',
    ts          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    payload     JSONB
);

CREATE INDEX IF NOT EXISTS idx_ledger_audit_entity ON ledger_audit_log (org_id, entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_ledger_audit_org_ts ON ledger_audit_log (org_id, ts, id);
`,
	},
}

// migrationLockID is the advisory lock key serializing concurrent Migrate calls.
const migrationLockID = 727_001

// Migrate applies every migration not yet recorded in ledger_migrations.
// Each migration runs in its own transaction together with its record.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS ledger_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return errors.Wrap(err, "ledger/postgres: create migrations table")
	}

	for _, m := range Migrations {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
				return err
			}
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM ledger_migrations WHERE version = $1)`, m.Version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO ledger_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "ledger/postgres: migration %s failed", m.Name)
		}
	}
	return nil
}
