package plugin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clinicos/ledger/auditor"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
)

type stubPlugin struct {
	name string

	mu       sync.Mutex
	created  []string
	payments int
	findings []auditor.Finding
	block    chan struct{}
	panics   bool
}

func (p *stubPlugin) Name() string { return p.name }

func (p *stubPlugin) OnInvoiceCreated(_ context.Context, inv *invoice.Invoice) error {
	if p.panics {
		panic("boom")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, inv.OrgID)
	return nil
}

func (p *stubPlugin) OnPaymentConfirmed(ctx context.Context, _ *invoice.Invoice, _ *payment.Payment) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments++
	return nil
}

func (p *stubPlugin) OnReconciliationMismatch(_ context.Context, f auditor.Finding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.findings = append(p.findings, f)
	return nil
}

func (p *stubPlugin) snapshot() (created []string, payments int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created...), p.payments
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubPlugin{name: "a"}))
	err := r.Register(&stubPlugin{name: "a"})
	assert.True(t, errors.Is(err, ErrDuplicatePlugin))
	assert.Contains(t, err.Error(), "a")
	assert.Len(t, r.List(), 1)
	assert.NotNil(t, r.Get("a"))
	assert.Nil(t, r.Get("missing"))
}

func TestEmit_InlineBeforeStart(t *testing.T) {
	r := NewRegistry()
	p := &stubPlugin{name: "p"}
	require.NoError(t, r.Register(p))

	r.EmitInvoiceCreated(context.Background(), &invoice.Invoice{OrgID: "org_1"})
	r.EmitReconciliationMismatch(context.Background(), auditor.Finding{InvoiceID: "inv_1", Check: "paid_total"})

	created, _ := p.snapshot()
	assert.Equal(t, []string{"org_1"}, created)
	assert.Len(t, p.findings, 1)
}

func TestEmit_AsyncAfterStart(t *testing.T) {
	r := NewRegistry().WithQueue(16, 2)
	p := &stubPlugin{name: "p"}
	require.NoError(t, r.Register(p))
	r.Start()

	for range 10 {
		r.EmitPaymentConfirmed(context.Background(), &invoice.Invoice{}, &payment.Payment{})
	}
	r.Stop()

	_, payments := p.snapshot()
	assert.Equal(t, 10, payments, "Stop drains the queue")
}

func TestEmit_QueueFullDrops(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewRegistry().WithLogger(zap.New(core)).WithQueue(1, 1).WithHookTimeout(time.Second)
	p := &stubPlugin{name: "p", block: make(chan struct{})}
	require.NoError(t, r.Register(p))
	r.Start()

	// One event blocks the worker, one fills the queue, the rest drop.
	for range 5 {
		r.EmitPaymentConfirmed(context.Background(), &invoice.Invoice{}, &payment.Payment{})
	}
	close(p.block)
	r.Stop()

	_, payments := p.snapshot()
	assert.Less(t, payments, 5)
	assert.NotZero(t, logs.FilterMessage("plugin queue full, event dropped").Len())
}

func TestCall_TimeoutAndPanic(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewRegistry().WithLogger(zap.New(core)).WithHookTimeout(20 * time.Millisecond)
	slow := &stubPlugin{name: "slow", block: make(chan struct{})}
	bad := &stubPlugin{name: "bad", panics: true}
	require.NoError(t, r.Register(slow))
	require.NoError(t, r.Register(bad))
	defer close(slow.block)

	start := time.Now()
	r.EmitPaymentConfirmed(context.Background(), &invoice.Invoice{}, &payment.Payment{})
	assert.Less(t, time.Since(start), time.Second)

	assert.NotPanics(t, func() {
		r.EmitInvoiceCreated(context.Background(), &invoice.Invoice{})
	})

	failed := logs.FilterMessage("plugin hook failed").All()
	require.Len(t, failed, 2)
	assert.Equal(t, "slow", failed[0].ContextMap()["plugin"])
	assert.Equal(t, "bad", failed[1].ContextMap()["plugin"])
}

func TestCallWithTimeout_Errors(t *testing.T) {
	r := NewRegistry().WithHookTimeout(10 * time.Millisecond)

	err := r.callWithTimeout(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "plugin timeout: slow")

	err = r.callWithTimeout(context.Background(), "bad", func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin panic: bad: boom")
}

func TestDispatch_DetachesCancellation(t *testing.T) {
	r := NewRegistry()
	p := &stubPlugin{name: "p"}
	require.NoError(t, r.Register(p))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.EmitPaymentConfirmed(ctx, &invoice.Invoice{}, &payment.Payment{})

	_, payments := p.snapshot()
	assert.Equal(t, 1, payments)
}
