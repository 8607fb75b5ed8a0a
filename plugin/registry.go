package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/clinicos/ledger/auditor"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
)

const (
	defaultHookTimeout = 5 * time.Second
	defaultQueueSize   = 1024
	defaultWorkers     = 2
)

// ErrDuplicatePlugin is returned when a second plugin registers under a taken name.
var ErrDuplicatePlugin = errors.New("plugin: duplicate registration")

// Registry manages registered plugins and dispatches hooks to them.
// Hook interfaces are cached per type at registration.
//
// Until Start is called, Emit methods run hooks inline (still bounded by
// the hook timeout). After Start, they are queued and run by background
// workers; when the queue is full the event is dropped and logged.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *zap.Logger

	hookTimeout time.Duration
	queueSize   int
	workers     int

	queue   chan task
	wg      sync.WaitGroup
	started bool

	onInit                   []OnInit
	onShutdown               []OnShutdown
	onInvoiceCreated         []OnInvoiceCreated
	onPaymentConfirmed       []OnPaymentConfirmed
	onInvoicePaid            []OnInvoicePaid
	onRefundCreated          []OnRefundCreated
	onInvoiceCancelled       []OnInvoiceCancelled
	onAccessDenied           []OnAccessDenied
	onReconciliationMismatch []OnReconciliationMismatch
}

type task struct {
	hook string
	run  func(ctx context.Context)
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:      zap.NewNop(),
		hookTimeout: defaultHookTimeout,
		queueSize:   defaultQueueSize,
		workers:     defaultWorkers,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *zap.Logger) *Registry {
	r.logger = logger.Named("plugin")
	return r
}

// WithHookTimeout bounds how long a single hook call may run.
func (r *Registry) WithHookTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.hookTimeout = d
	}
	return r
}

// WithQueue sets the async queue capacity and worker count used after Start.
func (r *Registry) WithQueue(size, workers int) *Registry {
	if size > 0 {
		r.queueSize = size
	}
	if workers > 0 {
		r.workers = workers
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return errors.Wrapf(ErrDuplicatePlugin, "%s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnInvoiceCreated); ok {
		r.onInvoiceCreated = append(r.onInvoiceCreated, v)
		hooks = append(hooks, "OnInvoiceCreated")
	}
	if v, ok := p.(OnPaymentConfirmed); ok {
		r.onPaymentConfirmed = append(r.onPaymentConfirmed, v)
		hooks = append(hooks, "OnPaymentConfirmed")
	}
	if v, ok := p.(OnInvoicePaid); ok {
		r.onInvoicePaid = append(r.onInvoicePaid, v)
		hooks = append(hooks, "OnInvoicePaid")
	}
	if v, ok := p.(OnRefundCreated); ok {
		r.onRefundCreated = append(r.onRefundCreated, v)
		hooks = append(hooks, "OnRefundCreated")
	}
	if v, ok := p.(OnInvoiceCancelled); ok {
		r.onInvoiceCancelled = append(r.onInvoiceCancelled, v)
		hooks = append(hooks, "OnInvoiceCancelled")
	}
	if v, ok := p.(OnAccessDenied); ok {
		r.onAccessDenied = append(r.onAccessDenied, v)
		hooks = append(hooks, "OnAccessDenied")
	}
	if v, ok := p.(OnReconciliationMismatch); ok {
		r.onReconciliationMismatch = append(r.onReconciliationMismatch, v)
		hooks = append(hooks, "OnReconciliationMismatch")
	}

	r.logger.Info("plugin registered",
		zap.String("name", p.Name()),
		zap.Strings("hooks", hooks),
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// ──────────────────────────────────────────────────
// Dispatcher
// ──────────────────────────────────────────────────

// Start launches the background workers. Emit calls made afterwards
// return immediately.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	r.queue = make(chan task, r.queueSize)
	for range r.workers {
		r.wg.Add(1)
		go r.worker(r.queue)
	}
	r.started = true
}

// Stop drains queued events and waits for the workers to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Registry) worker(queue <-chan task) {
	defer r.wg.Done()
	for t := range queue {
		t.run(context.Background())
	}
}

// dispatch runs fn inline before Start and on the queue after it. The
// caller's cancellation is detached so a finished request does not cancel
// its own notifications.
func (r *Registry) dispatch(ctx context.Context, hook string, fn func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)

	r.mu.RLock()
	if !r.started {
		r.mu.RUnlock()
		fn(detached)
		return
	}
	defer r.mu.RUnlock()

	select {
	case r.queue <- task{hook: hook, run: func(context.Context) { fn(detached) }}:
	default:
		r.logger.Warn("plugin queue full, event dropped", zap.String("hook", hook))
	}
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it. It always runs inline.
func (r *Registry) EmitInit(ctx context.Context, l any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnInit", p.Name(), func(ctx context.Context) error {
			return p.OnInit(ctx, l)
		})
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it. It always runs inline.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnShutdown", p.Name(), p.OnShutdown)
	}
}

// EmitInvoiceCreated emits an invoice created event.
func (r *Registry) EmitInvoiceCreated(ctx context.Context, inv *invoice.Invoice) {
	r.mu.RLock()
	plugins := r.onInvoiceCreated
	r.mu.RUnlock()
	if len(plugins) == 0 {
		return
	}

	r.dispatch(ctx, "OnInvoiceCreated", func(ctx context.Context) {
		for _, p := range plugins {
			r.call(ctx, "OnInvoiceCreated", p.Name(), func(ctx context.Context) error {
				return p.OnInvoiceCreated(ctx, inv)
			})
		}
	})
}

// EmitPaymentConfirmed emits a payment confirmed event.
func (r *Registry) EmitPaymentConfirmed(ctx context.Context, inv *invoice.Invoice, pay *payment.Payment) {
	r.mu.RLock()
	plugins := r.onPaymentConfirmed
	r.mu.RUnlock()
	if len(plugins) == 0 {
		return
	}

	r.dispatch(ctx, "OnPaymentConfirmed", func(ctx context.Context) {
		for _, p := range plugins {
			r.call(ctx, "OnPaymentConfirmed", p.Name(), func(ctx context.Context) error {
				return p.OnPaymentConfirmed(ctx, inv, pay)
			})
		}
	})
}

// EmitInvoicePaid emits an invoice paid event.
func (r *Registry) EmitInvoicePaid(ctx context.Context, inv *invoice.Invoice) {
	r.mu.RLock()
	plugins := r.onInvoicePaid
	r.mu.RUnlock()
	if len(plugins) == 0 {
		return
	}

	r.dispatch(ctx, "OnInvoicePaid", func(ctx context.Context) {
		for _, p := range plugins {
			r.call(ctx, "OnInvoicePaid", p.Name(), func(ctx context.Context) error {
				return p.OnInvoicePaid(ctx, inv)
			})
		}
	})
}

// EmitRefundCreated emits a refund created event.
func (r *Registry) EmitRefundCreated(ctx context.Context, inv *invoice.Invoice, rf *refund.Refund) {
	r.mu.RLock()
	plugins := r.onRefundCreated
	r.mu.RUnlock()
	if len(plugins) == 0 {
		return
	}

	r.dispatch(ctx, "OnRefundCreated", func(ctx context.Context) {
		for _, p := range plugins {
			r.call(ctx, "OnRefundCreated", p.Name(), func(ctx context.Context) error {
				return p.OnRefundCreated(ctx, inv, rf)
			})
		}
	})
}

// EmitInvoiceCancelled emits an invoice cancelled event.
func (r *Registry) EmitInvoiceCancelled(ctx context.Context, inv *invoice.Invoice) {
	r.mu.RLock()
	plugins := r.onInvoiceCancelled
	r.mu.RUnlock()
	if len(plugins) == 0 {
		return
	}

	r.dispatch(ctx, "OnInvoiceCancelled", func(ctx context.Context) {
		for _, p := range plugins {
			r.call(ctx, "OnInvoiceCancelled", p.Name(), func(ctx context.Context) error {
				return p.OnInvoiceCancelled(ctx, inv)
			})
		}
	})
}

// EmitAccessDenied emits an access denied event.
func (r *Registry) EmitAccessDenied(ctx context.Context, d AccessDenial) {
	r.mu.RLock()
	plugins := r.onAccessDenied
	r.mu.RUnlock()
	if len(plugins) == 0 {
		return
	}

	r.dispatch(ctx, "OnAccessDenied", func(ctx context.Context) {
		for _, p := range plugins {
			r.call(ctx, "OnAccessDenied", p.Name(), func(ctx context.Context) error {
				return p.OnAccessDenied(ctx, d)
			})
		}
	})
}

// EmitReconciliationMismatch emits a reconciliation finding. Its signature
// matches auditor.FindingHandler so it can be passed straight to an auditor.
func (r *Registry) EmitReconciliationMismatch(ctx context.Context, f auditor.Finding) {
	r.mu.RLock()
	plugins := r.onReconciliationMismatch
	r.mu.RUnlock()
	if len(plugins) == 0 {
		return
	}

	r.dispatch(ctx, "OnReconciliationMismatch", func(ctx context.Context) {
		for _, p := range plugins {
			r.call(ctx, "OnReconciliationMismatch", p.Name(), func(ctx context.Context) error {
				return p.OnReconciliationMismatch(ctx, f)
			})
		}
	})
}

// call runs one hook under the hook timeout and logs its failure.
func (r *Registry) call(ctx context.Context, hook, pluginName string, fn func(ctx context.Context) error) {
	if err := r.callWithTimeout(ctx, pluginName, fn); err != nil {
		r.logger.Warn("plugin hook failed",
			zap.String("hook", hook),
			zap.String("plugin", pluginName),
			zap.Error(err),
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never hold up the ledger.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- errors.Newf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "plugin timeout: %s", pluginName)
	}
}
