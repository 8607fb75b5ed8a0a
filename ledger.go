package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/plugin"
	"github.com/clinicos/ledger/refund"
	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/types"
)

// Ledger is the financial ledger engine.
type Ledger struct {
	store    store.Store
	plugins  *plugin.Registry
	authz    Authorizer
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time

	skipMigrate bool

	// Transaction retry policy
	maxRetries   uint64
	retryInitial time.Duration
	retryMax     time.Duration
}

// New creates a new Ledger instance.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        s,
		plugins:      plugin.NewRegistry(),
		authz:        DefaultAuthorizer(),
		logger:       zap.NewNop(),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		now:          time.Now,
		maxRetries:   5,
		retryInitial: 20 * time.Millisecond,
		retryMax:     500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger.Named("ledger")
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		if err := l.plugins.Register(p); err != nil {
			l.logger.Warn("plugin registration failed", zap.String("plugin", p.Name()), zap.Error(err))
		}
	}
}

// WithAuthorizer replaces the default role table.
func WithAuthorizer(a Authorizer) Option {
	return func(l *Ledger) { l.authz = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetryPolicy configures how many times a conflicting transaction is
// rerun and the exponential backoff between attempts.
func WithRetryPolicy(maxRetries int, initial, maxInterval time.Duration) Option {
	return func(l *Ledger) {
		if maxRetries >= 0 {
			l.maxRetries = uint64(maxRetries)
		}
		if initial > 0 {
			l.retryInitial = initial
		}
		if maxInterval > 0 {
			l.retryMax = maxInterval
		}
	}
}

// WithHookQueue sets the post-commit hook queue size, worker count and
// per-hook timeout.
func WithHookQueue(size, workers int, timeout time.Duration) Option {
	return func(l *Ledger) {
		l.plugins.WithQueue(size, workers).WithHookTimeout(timeout)
	}
}

// WithoutMigrate makes Start skip schema migration. Use it when migrations
// are applied out of band, e.g. by `ledgerd migrate`.
func WithoutMigrate() Option {
	return func(l *Ledger) { l.skipMigrate = true }
}

// Plugins returns the hook registry.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Start migrates the store, initializes plugins and starts async hook dispatch.
func (l *Ledger) Start(ctx context.Context) error {
	if !l.skipMigrate {
		if err := l.store.Migrate(ctx); err != nil {
			return errors.Wrap(err, "ledger: migrate")
		}
	}

	l.plugins.EmitInit(ctx, l)
	l.plugins.Start()

	l.logger.Info("ledger started",
		zap.Uint64("max_retries", l.maxRetries),
		zap.Int("plugins", len(l.plugins.List())),
	)

	return nil
}

// Stop drains pending hooks and closes the store.
func (l *Ledger) Stop(ctx context.Context) error {
	l.plugins.Stop()
	l.plugins.EmitShutdown(ctx)

	return l.store.Close()
}

// ──────────────────────────────────────────────────
// Invoice Management
// ──────────────────────────────────────────────────

// LineItemInput is one line of a new invoice.
type LineItemInput struct {
	TreatmentID string `json:"treatment_id" validate:"required,max=128"`
	Description string `json:"description" validate:"max=512"`
	Quantity    int64  `json:"quantity" validate:"gt=0,lte=1000000"`
	UnitPrice   int64  `json:"unit_price" validate:"gte=0,lte=1000000000000000"`
	Discount    int64  `json:"discount" validate:"gte=0,lte=1000000000000000"`
}

// CreateInvoiceInput is the request to issue a new invoice.
type CreateInvoiceInput struct {
	BranchID  string            `json:"branch_id" validate:"max=128"`
	Currency  string            `json:"currency" validate:"required,len=3,alpha"`
	LineItems []LineItemInput   `json:"line_items" validate:"required,min=1,dive"`
	TaxTotal  int64             `json:"tax_total" validate:"gte=0,lte=1000000000000000"`
	Metadata  map[string]string `json:"metadata"`
}

// CreateInvoice issues a PENDING invoice in the actor's organisation.
func (l *Ledger) CreateInvoice(ctx context.Context, actor Actor, in CreateInvoiceInput) (*invoice.Invoice, error) {
	if err := l.validateStruct(in, nil); err != nil {
		return nil, err
	}
	if err := l.authorizeWrite(ctx, actor, "invoice.create", in.BranchID); err != nil {
		return nil, err
	}

	now := l.now()
	inv := &invoice.Invoice{
		Entity:    types.NewEntity(now),
		ID:        id.NewInvoiceID(),
		OrgID:     actor.OrgID,
		BranchID:  in.BranchID,
		Status:    invoice.StatusPending,
		Currency:  types.New(0, in.Currency).Currency,
		TaxTotal:  types.New(in.TaxTotal, in.Currency),
		CreatedBy: actor.ID,
		Metadata:  in.Metadata,
	}
	for _, li := range in.LineItems {
		inv.LineItems = append(inv.LineItems, invoice.LineItem{
			ID:          id.NewLineItemID(),
			TreatmentID: li.TreatmentID,
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   types.New(li.UnitPrice, in.Currency),
			Discount:    types.New(li.Discount, in.Currency),
		})
	}
	if err := inv.ComputeTotals(); err != nil {
		return nil, errors.Wrap(ErrInvalidInvoice, err.Error())
	}

	err := l.runTx(ctx, "invoice.create", func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		entry, err := audit.NewEntry(inv.OrgID, audit.EntityInvoice, inv.ID.String(), audit.ActionInvoiceCreated, actor.ID, now, map[string]any{
			"grand_total": inv.GrandTotal.Amount,
			"currency":    inv.Currency,
			"branch_id":   inv.BranchID,
		})
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		l.logger.Error("create invoice failed", zap.String("org_id", actor.OrgID), zap.Error(err))
		return nil, err
	}

	l.logger.Info("invoice created",
		zap.String("org_id", inv.OrgID),
		zap.String("invoice_id", inv.ID.String()),
		zap.Int64("grand_total", inv.GrandTotal.Amount),
	)
	l.plugins.EmitInvoiceCreated(ctx, inv)
	return inv, nil
}

// CancelInvoice moves a PENDING invoice to CANCELLED. Invoices with any
// payment are PAID or partially paid and must be refunded instead.
func (l *Ledger) CancelInvoice(ctx context.Context, actor Actor, invID id.InvoiceID, reason string) (*invoice.Invoice, error) {
	if err := l.authorizeWrite(ctx, actor, "invoice.cancel", ""); err != nil {
		return nil, err
	}

	var cancelled *invoice.Invoice
	err := l.runTx(ctx, "invoice.cancel", func(ctx context.Context, tx store.Tx) error {
		inv, err := l.lockInvoice(ctx, tx, actor, invID, "invoice.cancel")
		if err != nil {
			return err
		}
		if inv.Status != invoice.StatusPending || inv.PaidTotal.IsPositive() {
			return invariant(ErrInvoiceNotPending, "cancel_requires_unpaid_pending",
				"invoice %s is %s with paid_total %d", inv.ID, inv.Status, inv.PaidTotal.Amount)
		}

		now := l.now().UTC().Truncate(time.Millisecond)
		inv.Status = invoice.StatusCancelled
		inv.CancelledAt = &now
		inv.CancelReason = reason
		inv.Touch(now)
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}

		entry, err := audit.NewEntry(inv.OrgID, audit.EntityInvoice, inv.ID.String(), audit.ActionInvoiceCancelled, actor.ID, now, map[string]any{
			"reason": reason,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		cancelled = inv
		return nil
	})
	if err != nil {
		l.logFailure("cancel invoice failed", actor, invID, err)
		return nil, err
	}

	l.logger.Info("invoice cancelled", zap.String("org_id", actor.OrgID), zap.String("invoice_id", invID.String()))
	l.plugins.EmitInvoiceCancelled(ctx, cancelled)
	return cancelled, nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// GetInvoice returns committed invoice state.
func (l *Ledger) GetInvoice(ctx context.Context, actor Actor, invID id.InvoiceID) (*invoice.Invoice, error) {
	return l.readableInvoice(ctx, actor, invID, "invoice.read")
}

// ListPayments returns an invoice's payments in the order they were applied.
func (l *Ledger) ListPayments(ctx context.Context, actor Actor, invID id.InvoiceID) ([]*payment.Payment, error) {
	if _, err := l.readableInvoice(ctx, actor, invID, "payment.list"); err != nil {
		return nil, err
	}
	ps, err := l.store.ListPayments(ctx, actor.OrgID, invID)
	return ps, classifyStoreError(err, 1)
}

// ListRefunds returns an invoice's refunds oldest first.
func (l *Ledger) ListRefunds(ctx context.Context, actor Actor, invID id.InvoiceID) ([]*refund.Refund, error) {
	if _, err := l.readableInvoice(ctx, actor, invID, "refund.list"); err != nil {
		return nil, err
	}
	rs, err := l.store.ListRefunds(ctx, actor.OrgID, invID)
	return rs, classifyStoreError(err, 1)
}

// ListAuditEntries returns the actor's organisation audit trail.
func (l *Ledger) ListAuditEntries(ctx context.Context, actor Actor, opts audit.ListOpts) ([]*audit.Entry, error) {
	if actor.OrgID == "" || !l.authz.CanReadFinancial(ctx, actor) {
		return nil, l.deny(ctx, actor, "audit.list", "", ErrFinancialReadDenied)
	}
	entries, err := l.store.ListAuditEntries(ctx, actor.OrgID, opts)
	return entries, classifyStoreError(err, 1)
}

func (l *Ledger) readableInvoice(ctx context.Context, actor Actor, invID id.InvoiceID, action string) (*invoice.Invoice, error) {
	if actor.OrgID == "" || !l.authz.CanReadFinancial(ctx, actor) {
		return nil, l.deny(ctx, actor, action, invID.String(), ErrFinancialReadDenied)
	}
	inv, err := l.store.GetInvoice(ctx, actor.OrgID, invID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrInvoiceNotFound, "%s", invID)
	}
	if err != nil {
		return nil, classifyStoreError(err, 1)
	}
	if !l.authz.CanAccessBranch(ctx, actor, inv.BranchID) {
		return nil, l.deny(ctx, actor, action, invID.String(), ErrBranchDenied)
	}
	return inv, nil
}

// ──────────────────────────────────────────────────
// Shared helpers
// ──────────────────────────────────────────────────

// runTx runs fn in a store transaction, rerunning it with exponential
// backoff while the store reports a write conflict. An unknown commit
// outcome is never rerun here; the caller retries with its idempotency key.
func (l *Ledger) runTx(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	attempts := 0
	operation := func() error {
		attempts++
		err := l.store.RunInTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			l.logger.Debug("transaction conflict, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempts),
			)
			return err
		}
		return backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.retryInitial
	eb.MaxInterval = l.retryMax
	eb.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(eb, l.maxRetries), ctx))
	return classifyStoreError(err, attempts)
}

// lockInvoice loads an invoice for update inside a transaction and checks
// tenant and branch access against it.
func (l *Ledger) lockInvoice(ctx context.Context, tx store.Tx, actor Actor, invID id.InvoiceID, action string) (*invoice.Invoice, error) {
	inv, err := tx.GetInvoiceForUpdate(ctx, actor.OrgID, invID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrInvoiceNotFound, "%s", invID)
	}
	if err != nil {
		return nil, err
	}
	if !l.authz.CanAccessBranch(ctx, actor, inv.BranchID) {
		return nil, l.deny(ctx, actor, action, invID.String(), ErrBranchDenied)
	}
	return inv, nil
}

func (l *Ledger) authorizeWrite(ctx context.Context, actor Actor, action, branchID string) error {
	if actor.OrgID == "" || !l.authz.CanWriteFinancial(ctx, actor) {
		return l.deny(ctx, actor, action, "", ErrFinancialWriteDenied)
	}
	if !l.authz.CanAccessBranch(ctx, actor, branchID) {
		return l.deny(ctx, actor, action, branchID, ErrBranchDenied)
	}
	return nil
}

// deny records the refusal in the audit log outside any ledger transaction
// and returns reason. A failure to record is logged and otherwise ignored.
func (l *Ledger) deny(ctx context.Context, actor Actor, action, resource string, reason error) error {
	d := plugin.AccessDenial{
		OrgID:    actor.OrgID,
		ActorID:  actor.ID,
		Role:     actor.Role,
		Action:   action,
		Resource: resource,
		Reason:   reason.Error(),
	}

	l.logger.Warn("access denied",
		zap.String("org_id", actor.OrgID),
		zap.String("actor_id", actor.ID),
		zap.String("action", action),
		zap.String("resource", resource),
	)

	if actor.OrgID != "" {
		entry, err := audit.NewEntry(actor.OrgID, audit.EntityAuth, resource, audit.ActionAuthDenied, actor.ID, l.now(), d)
		if err == nil {
			err = l.store.AppendAudit(context.WithoutCancel(ctx), entry)
		}
		if err != nil {
			l.logger.Warn("audit of access denial failed", zap.String("action", action), zap.Error(err))
		}
	}

	l.plugins.EmitAccessDenied(ctx, d)
	return reason
}

// validateStruct runs struct tag validation. fieldErrs maps a struct field
// name to the sentinel returned when that field fails.
func (l *Ledger) validateStruct(v any, fieldErrs map[string]error) error {
	err := l.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return newValidationError("input", err.Error())
	}

	fe := verrs[0]
	if sentinel, ok := fieldErrs[fe.StructField()]; ok {
		return sentinel
	}
	return newValidationError(fe.Namespace(), "failed "+fe.Tag()+" check")
}

func (l *Ledger) logFailure(msg string, actor Actor, invID id.InvoiceID, err error) {
	fields := []zap.Field{
		zap.String("org_id", actor.OrgID),
		zap.String("actor_id", actor.ID),
		zap.String("invoice_id", invID.String()),
		zap.Error(err),
	}
	switch {
	case IsValidation(err), IsNotFound(err), IsAccessDenied(err), IsInvariantViolation(err):
		l.logger.Info(msg, fields...)
	default:
		l.logger.Error(msg, fields...)
	}
}
