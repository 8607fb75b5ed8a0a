package ledger

import (
	"context"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/types"
)

func TestClassifyStoreError(t *testing.T) {
	_, mismatch := types.THB(100).Add(types.USD(100))
	_, overflow := types.THB(1).Add(types.THB(math.MaxInt64))

	tests := []struct {
		name  string
		err   error
		want  error
		check func(error) bool
	}{
		{"commit unknown", errors.Wrap(store.ErrCommitUnknown, "commit"), ErrCommitOutcomeUnknown, IsRetryable},
		{"conflict", store.ErrConflict, ErrRetriesExhausted, IsRetryable},
		{"unavailable", store.ErrUnavailable, ErrStoreUnavailable, IsRetryable},
		{"cancelled", context.Canceled, ErrRequestAborted, IsRetryable},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "find payment"), ErrRequestAborted, IsRetryable},
		{"currency mismatch", mismatch, ErrCurrencyMismatch, IsInvariantViolation},
		{"overflow", overflow, ErrAmountOverflow, IsInvariantViolation},
		{"already classified", ErrInvoiceClosed, ErrInvoiceClosed, IsInvariantViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStoreError(tt.err, 2)
			assert.ErrorIs(t, got, tt.want)
			assert.True(t, tt.check(got))
		})
	}

	assert.NoError(t, classifyStoreError(nil, 1))

	plain := errors.New("disk on fire")
	assert.Equal(t, plain, classifyStoreError(plain, 1))
}

func TestClassifyStoreError_CommitUnknownWinsOverCancellation(t *testing.T) {
	err := errors.WithSecondaryError(store.ErrCommitUnknown, context.Canceled)
	got := classifyStoreError(errors.Wrap(err, "commit"), 1)
	assert.ErrorIs(t, got, ErrCommitOutcomeUnknown)
}
