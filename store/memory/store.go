// Package memory implements store.Store in process memory. Transactions are
// serialized by a single writer lock and staged until commit, so it is a
// faithful stand-in for the SQL backends in tests and local development.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
	"github.com/clinicos/ledger/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is an in-memory ledger store.
type Store struct {
	// txMu serializes transactions; mu guards the committed maps.
	txMu sync.Mutex
	mu   sync.RWMutex

	invoices     map[string]*invoice.Invoice
	invoiceOrder []string

	payments          map[string]*payment.Payment
	paymentsByInvoice map[string][]string

	refunds          map[string]*refund.Refund
	refundsByInvoice map[string][]string
	refundsByPayment map[string][]string

	auditLog []*audit.Entry

	beforeCommit func(ctx context.Context) error
	closed       bool
}

// Option configures a memory store.
type Option func(*Store)

// WithBeforeCommit installs a hook that runs after a transaction function
// succeeds and before its writes are applied. A non-nil error aborts the
// commit and is returned from RunInTx. Tests use it to inject conflicts
// and unknown commit outcomes.
func WithBeforeCommit(fn func(ctx context.Context) error) Option {
	return func(s *Store) { s.beforeCommit = fn }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		invoices:          make(map[string]*invoice.Invoice),
		payments:          make(map[string]*payment.Payment),
		paymentsByInvoice: make(map[string][]string),
		refunds:           make(map[string]*refund.Refund),
		refundsByInvoice:  make(map[string][]string),
		refundsByPayment:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &memTx{
		s:        s,
		invoices: make(map[string]*invoice.Invoice),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		if err := s.beforeCommit(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t.apply()
	return nil
}

type memTx struct {
	s *Store

	invoices    map[string]*invoice.Invoice
	newInvoices []string
	payments    []*payment.Payment
	refunds     []*refund.Refund
	auditLog    []*audit.Entry
}

func (t *memTx) apply() {
	s := t.s
	for _, k := range t.newInvoices {
		s.invoiceOrder = append(s.invoiceOrder, k)
	}
	for k, inv := range t.invoices {
		s.invoices[k] = inv
	}
	for _, p := range t.payments {
		k := p.ID.String()
		s.payments[k] = p
		s.paymentsByInvoice[p.InvoiceID.String()] = append(s.paymentsByInvoice[p.InvoiceID.String()], k)
	}
	for _, r := range t.refunds {
		k := r.ID.String()
		s.refunds[k] = r
		s.refundsByInvoice[r.InvoiceID.String()] = append(s.refundsByInvoice[r.InvoiceID.String()], k)
		s.refundsByPayment[r.PaymentID.String()] = append(s.refundsByPayment[r.PaymentID.String()], k)
	}
	s.auditLog = append(s.auditLog, t.auditLog...)
}

func (t *memTx) CreateInvoice(_ context.Context, inv *invoice.Invoice) error {
	k := inv.ID.String()
	if _, ok := t.invoices[k]; ok {
		return store.ErrConflict
	}
	t.s.mu.RLock()
	_, exists := t.s.invoices[k]
	t.s.mu.RUnlock()
	if exists {
		return store.ErrConflict
	}
	t.invoices[k] = cloneInvoice(inv)
	t.newInvoices = append(t.newInvoices, k)
	return nil
}

func (t *memTx) GetInvoiceForUpdate(_ context.Context, orgID string, invID id.InvoiceID) (*invoice.Invoice, error) {
	k := invID.String()
	if inv, ok := t.invoices[k]; ok {
		if inv.OrgID != orgID {
			return nil, store.ErrNotFound
		}
		return cloneInvoice(inv), nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	inv, ok := t.s.invoices[k]
	if !ok || inv.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (t *memTx) UpdateInvoice(_ context.Context, inv *invoice.Invoice) error {
	k := inv.ID.String()
	if _, ok := t.invoices[k]; !ok {
		t.s.mu.RLock()
		_, exists := t.s.invoices[k]
		t.s.mu.RUnlock()
		if !exists {
			return store.ErrNotFound
		}
	}
	t.invoices[k] = cloneInvoice(inv)
	return nil
}

func (t *memTx) FindPaymentByKey(ctx context.Context, invID id.InvoiceID, key string) (*payment.Payment, error) {
	all, err := t.ListPaymentsByInvoice(ctx, invID)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.IdempotencyKey == key {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) GetPayment(_ context.Context, invID id.InvoiceID, payID id.PaymentID) (*payment.Payment, error) {
	for _, p := range t.payments {
		if p.ID == payID && p.InvoiceID == invID {
			return clonePayment(p), nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.payments[payID.String()]
	if !ok || p.InvoiceID != invID {
		return nil, store.ErrNotFound
	}
	return clonePayment(p), nil
}

func (t *memTx) ListPaymentsByInvoice(_ context.Context, invID id.InvoiceID) ([]*payment.Payment, error) {
	t.s.mu.RLock()
	out := t.s.paymentsOf(invID)
	t.s.mu.RUnlock()
	for _, p := range t.payments {
		if p.InvoiceID == invID {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *payment.Payment) error {
	for _, staged := range t.payments {
		if staged.InvoiceID == p.InvoiceID && (staged.IdempotencyKey == p.IdempotencyKey || staged.Seq == p.Seq) {
			return store.ErrConflict
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, k := range t.s.paymentsByInvoice[p.InvoiceID.String()] {
		existing := t.s.payments[k]
		if existing.IdempotencyKey == p.IdempotencyKey || existing.Seq == p.Seq {
			return store.ErrConflict
		}
	}
	t.payments = append(t.payments, clonePayment(p))
	return nil
}

func (t *memTx) ListRefundsByPayment(_ context.Context, payID id.PaymentID) ([]*refund.Refund, error) {
	t.s.mu.RLock()
	var out []*refund.Refund
	for _, k := range t.s.refundsByPayment[payID.String()] {
		out = append(out, cloneRefund(t.s.refunds[k]))
	}
	t.s.mu.RUnlock()
	for _, r := range t.refunds {
		if r.PaymentID == payID {
			out = append(out, cloneRefund(r))
		}
	}
	return out, nil
}

func (t *memTx) InsertRefund(_ context.Context, r *refund.Refund) error {
	t.refunds = append(t.refunds, cloneRefund(r))
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e *audit.Entry) error {
	t.auditLog = append(t.auditLog, cloneEntry(e))
	return nil
}

// ──────────────────────────────────────────────────
// Committed reads
// ──────────────────────────────────────────────────

func (s *Store) GetInvoice(_ context.Context, orgID string, invID id.InvoiceID) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invID.String()]
	if !ok || (orgID != "" && inv.OrgID != orgID) {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (s *Store) ListInvoices(_ context.Context, orgID string, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*invoice.Invoice, 0)
	for _, k := range s.invoiceOrder {
		inv := s.invoices[k]
		if orgID != "" && inv.OrgID != orgID {
			continue
		}
		if opts.Status != "" && inv.Status != opts.Status {
			continue
		}
		if opts.BranchID != "" && inv.BranchID != opts.BranchID {
			continue
		}
		result = append(result, cloneInvoice(inv))
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListPayments(_ context.Context, orgID string, invID id.InvoiceID) ([]*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inv, ok := s.invoices[invID.String()]; !ok || (orgID != "" && inv.OrgID != orgID) {
		return nil, store.ErrNotFound
	}
	return s.paymentsOf(invID), nil
}

func (s *Store) GetPayment(_ context.Context, orgID string, payID id.PaymentID) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[payID.String()]
	if !ok || (orgID != "" && p.OrgID != orgID) {
		return nil, store.ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *Store) ListRefunds(_ context.Context, orgID string, invID id.InvoiceID) ([]*refund.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inv, ok := s.invoices[invID.String()]; !ok || (orgID != "" && inv.OrgID != orgID) {
		return nil, store.ErrNotFound
	}
	out := make([]*refund.Refund, 0, len(s.refundsByInvoice[invID.String()]))
	for _, k := range s.refundsByInvoice[invID.String()] {
		out = append(out, cloneRefund(s.refunds[k]))
	}
	return out, nil
}

// AppendAudit writes an entry outside any transaction.
func (s *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLog = append(s.auditLog, cloneEntry(e))
	return nil
}

func (s *Store) ListAuditEntries(_ context.Context, orgID string, opts audit.ListOpts) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*audit.Entry, 0)
	for _, e := range s.auditLog {
		if orgID != "" && e.OrgID != orgID {
			continue
		}
		if opts.EntityType != "" && e.EntityType != opts.EntityType {
			continue
		}
		if opts.EntityID != "" && e.EntityID != opts.EntityID {
			continue
		}
		if opts.Action != "" && e.Action != opts.Action {
			continue
		}
		result = append(result, cloneEntry(e))
	}
	return paginate(result, 0, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Core
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// paymentsOf must be called with mu held.
func (s *Store) paymentsOf(invID id.InvoiceID) []*payment.Payment {
	keys := s.paymentsByInvoice[invID.String()]
	out := make([]*payment.Payment, 0, len(keys))
	for _, k := range keys {
		out = append(out, clonePayment(s.payments[k]))
	}
	return out
}

func paginate[T any](items []T, offset, limit int) []T {
	start := min(offset, len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}

func cloneInvoice(inv *invoice.Invoice) *invoice.Invoice {
	c := *inv
	c.LineItems = slices.Clone(inv.LineItems)
	c.Metadata = maps.Clone(inv.Metadata)
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		c.PaidAt = &t
	}
	if inv.CancelledAt != nil {
		t := *inv.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

func clonePayment(p *payment.Payment) *payment.Payment {
	c := *p
	return &c
}

func cloneRefund(r *refund.Refund) *refund.Refund {
	c := *r
	return &c
}

func cloneEntry(e *audit.Entry) *audit.Entry {
	c := *e
	c.Payload = slices.Clone(e.Payload)
	return &c
}
