// Package api exposes the ledger over HTTP with gin.
//
// Callers are authenticated upstream; the gateway forwards the caller's
// identity in the X-Org-ID, X-Actor-ID, X-Actor-Role and X-Branch-IDs
// headers. Every route requires the first two.
package api

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ledger "github.com/clinicos/ledger"
	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/types"
)

// Handler serves the ledger routes.
type Handler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// New creates a Handler.
func New(l *ledger.Ledger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: l, logger: logger.Named("api")}
}

// Register mounts the ledger routes on r. Error responses are rendered by
// the ErrorHandler middleware installed on the group.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("", ErrorHandler(h.logger), Identity())

	g.POST("/invoices", h.CreateInvoice)
	g.GET("/invoices/:invoiceID", h.GetInvoice)
	g.POST("/invoices/:invoiceID/cancel", h.CancelInvoice)
	g.POST("/invoices/:invoiceID/payments", h.ConfirmPayment)
	g.GET("/invoices/:invoiceID/payments", h.ListPayments)
	g.POST("/invoices/:invoiceID/refunds", h.CreateRefund)
	g.GET("/invoices/:invoiceID/refunds", h.ListRefunds)
	g.GET("/audit", h.ListAuditEntries)
	g.GET("/reconciliation", h.Reconcile)
}

// NewRouter returns a gin engine with recovery, request logging and the
// ledger routes mounted under basePath.
func NewRouter(h *Handler, basePath string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Logging(h.logger))
	h.Register(r.Group(basePath))
	return r
}

// invoiceResponse adds the derived remaining balance to an invoice.
type invoiceResponse struct {
	*invoice.Invoice
	Remaining   types.Money `json:"remaining"`
	Outstanding types.Money `json:"outstanding"`
}

func newInvoiceResponse(inv *invoice.Invoice) invoiceResponse {
	return invoiceResponse{Invoice: inv, Remaining: inv.Remaining(), Outstanding: inv.Outstanding()}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CreateInvoice(c *gin.Context) {
	var req ledger.CreateInvoiceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest(err))
		return
	}

	inv, err := h.ledger.CreateInvoice(c.Request.Context(), ActorFrom(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, newInvoiceResponse(inv))
}

func (h *Handler) GetInvoice(c *gin.Context) {
	invID, ok := invoiceParam(c)
	if !ok {
		return
	}

	inv, err := h.ledger.GetInvoice(c.Request.Context(), ActorFrom(c), invID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) CancelInvoice(c *gin.Context) {
	invID, ok := invoiceParam(c)
	if !ok {
		return
	}
	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(badRequest(err))
			return
		}
	}

	inv, err := h.ledger.CancelInvoice(c.Request.Context(), ActorFrom(c), invID, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) ConfirmPayment(c *gin.Context) {
	invID, ok := invoiceParam(c)
	if !ok {
		return
	}
	var req ledger.ConfirmPaymentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest(err))
		return
	}
	req.InvoiceID = invID

	res, err := h.ledger.ConfirmPayment(c.Request.Context(), ActorFrom(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListPayments(c *gin.Context) {
	invID, ok := invoiceParam(c)
	if !ok {
		return
	}

	pays, err := h.ledger.ListPayments(c.Request.Context(), ActorFrom(c), invID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": pays})
}

func (h *Handler) CreateRefund(c *gin.Context) {
	invID, ok := invoiceParam(c)
	if !ok {
		return
	}
	var req ledger.CreateRefundInput
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest(err))
		return
	}
	req.InvoiceID = invID

	res, err := h.ledger.CreateRefund(c.Request.Context(), ActorFrom(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListRefunds(c *gin.Context) {
	invID, ok := invoiceParam(c)
	if !ok {
		return
	}

	rfds, err := h.ledger.ListRefunds(c.Request.Context(), ActorFrom(c), invID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": rfds})
}

func (h *Handler) ListAuditEntries(c *gin.Context) {
	opts := audit.ListOpts{
		EntityType: audit.EntityType(c.Query("entity_type")),
		EntityID:   c.Query("entity_id"),
		Action:     c.Query("action"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = c.Error(errors.Mark(errors.Newf("invalid limit %q", raw), ledger.ErrValidation))
			return
		}
		opts.Limit = n
	}

	entries, err := h.ledger.ListAuditEntries(c.Request.Context(), ActorFrom(c), opts)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Reconcile runs the consistency auditor over the caller's organisation.
// ?format=csv returns the findings as CSV instead of the JSON report.
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context(), ActorFrom(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	if c.Query("format") == "csv" {
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		if err := report.WriteCSV(c.Writer); err != nil {
			h.logger.Error("write reconciliation csv failed", zap.Error(err))
		}
		return
	}
	c.JSON(http.StatusOK, report)
}

func invoiceParam(c *gin.Context) (id.InvoiceID, bool) {
	raw := c.Param("invoiceID")
	invID, err := id.ParseInvoiceID(raw)
	if err != nil {
		_ = c.Error(errors.Mark(errors.Wrapf(err, "invalid invoice id %q", raw), ledger.ErrValidation))
		return id.Nil, false
	}
	return invID, true
}

func badRequest(err error) error {
	return errors.WithHint(errors.Mark(errors.Wrap(err, "invalid request body"), ledger.ErrValidation),
		"Send a JSON body matching the documented request shape.")
}
