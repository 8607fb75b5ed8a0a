package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ledger "github.com/clinicos/ledger"
	"github.com/clinicos/ledger/api"
	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/store/memory"
)

func init() { gin.SetMode(gin.TestMode) }

type client struct {
	t      *testing.T
	router http.Handler
}

type caller struct {
	org, actor, role, branches string
}

var owner = caller{org: "org_1", actor: "usr_owner", role: ledger.RoleOwner}

func newClient(t *testing.T, s store.Store, opts ...ledger.Option) *client {
	t.Helper()
	l := ledger.New(s, opts...)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return &client{t: t, router: api.NewRouter(api.New(l, zap.NewNop()), "/ledger")}
}

func (c *client) do(who caller, method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/ledger"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who.org != "" {
		req.Header.Set(api.HeaderOrgID, who.org)
	}
	if who.actor != "" {
		req.Header.Set(api.HeaderActorID, who.actor)
	}
	req.Header.Set(api.HeaderActorRole, who.role)
	if who.branches != "" {
		req.Header.Set(api.HeaderBranchIDs, who.branches)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, w.Body.String())
	rule, _ := e["rule"].(string)
	return e["code"].(string), rule
}

func (c *client) createInvoice(who caller, total int64) string {
	c.t.Helper()
	w := c.do(who, http.MethodPost, "/invoices", map[string]any{
		"currency":   "thb",
		"line_items": []map[string]any{{"treatment_id": "tx_scaling", "quantity": 1, "unit_price": total}},
	})
	require.Equal(c.t, http.StatusCreated, w.Code, w.Body.String())
	return decode(c.t, w)["id"].(string)
}

func amountOf(v any) int64 {
	return int64(v.(map[string]any)["amount"].(float64))
}

func TestPaymentAndReplay(t *testing.T) {
	c := newClient(t, memory.New())
	invID := c.createInvoice(owner, 100000)

	body := map[string]any{"amount": 150000, "method": "cash", "idempotency_key": "pos-1"}
	w := c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, false, first["idempotency"])
	pay := first["payment"].(map[string]any)
	assert.Equal(t, int64(100000), amountOf(pay["applied"]))
	assert.Equal(t, int64(50000), amountOf(pay["overpayment"]))

	w = c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", body)
	require.Equal(t, http.StatusOK, w.Code)
	replay := decode(t, w)
	assert.Equal(t, true, replay["idempotency"])
	assert.Equal(t, first["paymentId"], replay["paymentId"])

	w = c.do(owner, http.MethodGet, "/invoices/"+invID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	inv := decode(t, w)
	assert.Equal(t, "PAID", inv["status"])
	assert.Equal(t, int64(0), amountOf(inv["remaining"]))
	assert.Equal(t, int64(50000), amountOf(inv["overpayment_total"]))

	w = c.do(owner, http.MethodGet, "/invoices/"+invID+"/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["payments"], 1)
}

func TestRefunds(t *testing.T) {
	c := newClient(t, memory.New())
	invID := c.createInvoice(owner, 100000)

	w := c.do(owner, http.MethodPost, "/invoices/"+invID+"/refunds", map[string]any{
		"payment_id": "pay_01h455vb4pex5vsknk084sn02q", "amount": 100, "reason": "x",
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	code, rule := errorCode(t, w)
	assert.Equal(t, "invariant_violation", code)
	assert.Equal(t, "refund_requires_paid_invoice", rule)

	w = c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", map[string]any{
		"amount": 100000, "method": "transfer", "idempotency_key": "k1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	payID := decode(t, w)["paymentId"].(string)

	w = c.do(owner, http.MethodPost, "/invoices/"+invID+"/refunds", map[string]any{
		"payment_id": payID, "amount": 40000, "reason": "treatment not performed",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode(t, w)
	assert.NotEmpty(t, res["refundId"])
	assert.Equal(t, invID, res["invoiceId"])

	w = c.do(owner, http.MethodPost, "/invoices/"+invID+"/refunds", map[string]any{
		"payment_id": payID, "amount": 70000, "reason": "again",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	code, rule = errorCode(t, w)
	assert.Equal(t, "invariant_violation", code)
	assert.Equal(t, "refund_within_applied", rule)

	w = c.do(owner, http.MethodPost, "/invoices/"+invID+"/refunds", map[string]any{
		"payment_id": payID, "amount": 100,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	code, _ = errorCode(t, w)
	assert.Equal(t, "validation_error", code)

	w = c.do(owner, http.MethodGet, "/invoices/"+invID+"/refunds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["refunds"], 1)

	w = c.do(owner, http.MethodGet, "/audit?entity_type=refund", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["entries"], 1)
}

func TestCancel(t *testing.T) {
	c := newClient(t, memory.New())
	invID := c.createInvoice(owner, 5000)

	w := c.do(owner, http.MethodPost, "/invoices/"+invID+"/cancel", map[string]any{"reason": "booking cancelled"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "CANCELLED", decode(t, w)["status"])

	w = c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", map[string]any{
		"amount": 5000, "method": "cash", "idempotency_key": "late",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	_, rule := errorCode(t, w)
	assert.Equal(t, "no_payment_on_cancelled", rule)
}

func TestAccessAndIdentity(t *testing.T) {
	c := newClient(t, memory.New())
	invID := c.createInvoice(owner, 1000)

	w := c.do(caller{}, http.MethodGet, "/invoices/"+invID, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = c.do(caller{org: "org_2", actor: "usr_x", role: ledger.RoleOwner}, http.MethodGet, "/invoices/"+invID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	receptionist := caller{org: "org_1", actor: "usr_r", role: ledger.RoleReceptionist}
	w = c.do(receptionist, http.MethodPost, "/invoices/"+invID+"/payments", map[string]any{
		"amount": 1000, "method": "cash", "idempotency_key": "k",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = c.do(receptionist, http.MethodGet, "/invoices/"+invID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = c.do(owner, http.MethodGet, "/audit?action=auth.denied", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["entries"], 1)

	w = c.do(owner, http.MethodGet, "/invoices/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	code, _ := errorCode(t, w)
	assert.Equal(t, "validation_error", code)
}

func TestValidation(t *testing.T) {
	c := newClient(t, memory.New())
	invID := c.createInvoice(owner, 1000)

	tests := []struct {
		name string
		body any
	}{
		{"zero amount", map[string]any{"amount": 0, "method": "cash", "idempotency_key": "k"}},
		{"negative amount", map[string]any{"amount": -5, "method": "cash", "idempotency_key": "k"}},
		{"missing key", map[string]any{"amount": 10, "method": "cash"}},
		{"unknown method", map[string]any{"amount": 10, "method": "bitcoin", "idempotency_key": "k"}},
		{"fractional amount", map[string]any{"amount": 10.5, "method": "cash", "idempotency_key": "k"}},
		{"amount above limit", map[string]any{"amount": 1000000000000001, "method": "cash", "idempotency_key": "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			code, _ := errorCode(t, w)
			assert.Equal(t, "validation_error", code)
		})
	}
}

func TestTransientFailureReturns503(t *testing.T) {
	var failing atomic.Bool
	s := memory.New(memory.WithBeforeCommit(func(context.Context) error {
		if failing.Load() {
			return store.ErrConflict
		}
		return nil
	}))
	c := newClient(t, s, ledger.WithRetryPolicy(1, time.Millisecond, time.Millisecond))
	invID := c.createInvoice(owner, 1000)

	failing.Store(true)
	w := c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", map[string]any{
		"amount": 1000, "method": "cash", "idempotency_key": "k",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	code, _ := errorCode(t, w)
	assert.Equal(t, "transient", code)

	failing.Store(false)
	w = c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", map[string]any{
		"amount": 1000, "method": "cash", "idempotency_key": "k",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["idempotency"])
}

func TestCancelledRequestReturns503(t *testing.T) {
	var cancelled atomic.Bool
	s := memory.New(memory.WithBeforeCommit(func(context.Context) error {
		if cancelled.Load() {
			return context.Canceled
		}
		return nil
	}))
	c := newClient(t, s)
	invID := c.createInvoice(owner, 1000)

	cancelled.Store(true)
	w := c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", map[string]any{
		"amount": 1000, "method": "cash", "idempotency_key": "k",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	code, _ := errorCode(t, w)
	assert.Equal(t, "transient", code)
}

func TestReconciliation(t *testing.T) {
	c := newClient(t, memory.New())
	invID := c.createInvoice(owner, 1000)
	w := c.do(owner, http.MethodPost, "/invoices/"+invID+"/payments", map[string]any{
		"amount": 1000, "method": "card", "idempotency_key": "k",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = c.do(owner, http.MethodGet, "/reconciliation", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode(t, w)
	assert.Equal(t, float64(1), report["invoices_checked"])
	assert.Empty(t, report["findings"])

	w = c.do(owner, http.MethodGet, "/reconciliation?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "org_id,invoice_id,payment_id,refund_id,check,stored,recomputed,detail"))

	cashier := caller{org: "org_1", actor: "usr_c", role: ledger.RoleCashier, branches: "br_1"}
	w = c.do(cashier, http.MethodGet, "/reconciliation", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
