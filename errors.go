package ledger

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/types"
)

// Error kinds. Every error the ledger returns is marked with exactly one of
// these; use the Is* predicates below rather than comparing directly.
var (
	ErrValidation         = errors.New("ledger: validation failed")
	ErrNotFound           = errors.New("ledger: not found")
	ErrAccessDenied       = errors.New("ledger: access denied")
	ErrInvariantViolation = errors.New("ledger: invariant violation")
	ErrTransient          = errors.New("ledger: transient store failure")
)

// Sentinel errors for specific failures.
var (
	// Validation
	ErrInvalidAmount          = kind(ErrValidation, "ledger: amount must be a positive integer in minor units", "Send the amount in the smallest currency unit, e.g. 150000 for 1,500.00 THB. Amounts above 10^15 are rejected.")
	ErrIdempotencyKeyRequired = kind(ErrValidation, "ledger: idempotency key is required", "Generate one key per logical payment and reuse it when retrying.")
	ErrInvalidMethod          = kind(ErrValidation, "ledger: unsupported payment method", "Use one of cash, transfer, card, other.")
	ErrReasonRequired         = kind(ErrValidation, "ledger: refund reason is required", "")
	ErrInvalidInvoice         = kind(ErrValidation, "ledger: invalid invoice", "")

	// Not found
	ErrInvoiceNotFound = kind(ErrNotFound, "ledger: invoice not found", "")
	ErrPaymentNotFound = kind(ErrNotFound, "ledger: payment not found", "")

	// Access
	ErrFinancialWriteDenied = kind(ErrAccessDenied, "ledger: actor may not write financial records", "")
	ErrFinancialReadDenied  = kind(ErrAccessDenied, "ledger: actor may not read financial records", "")
	ErrBranchDenied         = kind(ErrAccessDenied, "ledger: actor may not access this branch", "")

	// Invariants
	ErrInvoiceClosed        = kind(ErrInvariantViolation, "ledger: invoice is cancelled", "")
	ErrInvoiceNotPaid       = kind(ErrInvariantViolation, "ledger: refunds require a PAID invoice", "")
	ErrInvoiceNotPending    = kind(ErrInvariantViolation, "ledger: only PENDING invoices can be cancelled", "")
	ErrRefundExceedsPayment = kind(ErrInvariantViolation, "ledger: refund exceeds refundable amount of payment", "")
	ErrCurrencyMismatch     = kind(ErrInvariantViolation, "ledger: currency does not match invoice", "")
	ErrAmountOverflow       = kind(ErrInvariantViolation, "ledger: running total would overflow", "")

	// Transient
	ErrRetriesExhausted     = kind(ErrTransient, "ledger: transaction conflicted on every attempt", "Retry the request with the same idempotency key.")
	ErrCommitOutcomeUnknown = kind(ErrTransient, "ledger: commit outcome unknown", "Retry the request with the same idempotency key; the ledger will return the original result if it was applied.")
	ErrStoreUnavailable     = kind(ErrTransient, "ledger: store unavailable", "")
	ErrRequestAborted       = kind(ErrTransient, "ledger: request cancelled before the outcome was known", "Retry the request with the same idempotency key.")
)

func kind(k error, msg, hint string) error {
	err := errors.Mark(errors.New(msg), k)
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return err
}

// ValidationError reports a single rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

func newValidationError(field, message string) error {
	return errors.Mark(&ValidationError{Field: field, Message: message}, ErrValidation)
}

// InvariantError names the ledger rule a rejected mutation would have broken.
// It unwraps to the specific sentinel, e.g. ErrRefundExceedsPayment.
type InvariantError struct {
	Rule   string
	Detail string
	cause  error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v: %s", e.cause, e.Detail)
}

func (e *InvariantError) Unwrap() error { return e.cause }

// Rule returns the violated rule carried by err, if any.
func Rule(err error) string {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return ie.Rule
	}
	return ""
}

func invariant(sentinel error, rule, format string, args ...any) error {
	return &InvariantError{Rule: rule, Detail: fmt.Sprintf(format, args...), cause: sentinel}
}

// ──────────────────────────────────────────────────
// Predicates
// ──────────────────────────────────────────────────

// IsValidation reports malformed or out-of-range input. Never retry.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports a missing invoice or payment.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAccessDenied reports a tenant, branch or role refusal.
func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

// IsInvariantViolation reports a mutation rejected because it would break a ledger rule.
func IsInvariantViolation(err error) bool { return errors.Is(err, ErrInvariantViolation) }

// IsRetryable reports a failure the caller may resubmit with the same
// idempotency key.
func IsRetryable(err error) bool { return errors.Is(err, ErrTransient) }

// classifyStoreError maps a store error that escaped a transaction to a
// ledger error kind. Errors already carrying a kind pass through.
func classifyStoreError(err error, attempts int) error {
	switch {
	case err == nil:
		return nil
	case IsValidation(err), IsNotFound(err), IsAccessDenied(err), IsInvariantViolation(err), IsRetryable(err):
		return err
	case errors.Is(err, store.ErrCommitUnknown):
		return errors.WithSecondaryError(ErrCommitOutcomeUnknown, err)
	case errors.Is(err, store.ErrConflict):
		return errors.WithSecondaryError(errors.Wrapf(ErrRetriesExhausted, "%d attempts", attempts), err)
	case errors.Is(err, store.ErrUnavailable):
		return errors.WithSecondaryError(ErrStoreUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.WithSecondaryError(ErrRequestAborted, err)
	case errors.Is(err, types.ErrCurrencyMismatch):
		return errors.WithSecondaryError(ErrCurrencyMismatch, err)
	case errors.Is(err, types.ErrOverflow):
		return errors.WithSecondaryError(ErrAmountOverflow, err)
	}
	return err
}
