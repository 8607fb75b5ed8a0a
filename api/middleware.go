package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ledger "github.com/clinicos/ledger"
)

// Identity headers set by the upstream gateway.
const (
	HeaderOrgID     = "X-Org-ID"
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
	HeaderBranchIDs = "X-Branch-IDs"
)

const actorKey = "ledger.actor"

// Identity builds the ledger actor from the gateway headers. Requests
// without an organisation or actor are rejected with 401.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := ledger.Actor{
			ID:    strings.TrimSpace(c.GetHeader(HeaderActorID)),
			OrgID: strings.TrimSpace(c.GetHeader(HeaderOrgID)),
			Role:  strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))),
		}
		if actor.ID == "" || actor.OrgID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorBody{
				Code:    "unauthenticated",
				Message: "missing " + HeaderOrgID + " or " + HeaderActorID + " header",
			}})
			return
		}
		for _, b := range strings.Split(c.GetHeader(HeaderBranchIDs), ",") {
			if b = strings.TrimSpace(b); b != "" {
				actor.BranchIDs = append(actor.BranchIDs, b)
			}
		}

		c.Set(actorKey, actor)
		c.Set("org_id", actor.OrgID)
		c.Set("actor_id", actor.ID)
		c.Next()
	}
}

// ActorFrom returns the actor stored by Identity.
func ActorFrom(c *gin.Context) ledger.Actor {
	v, _ := c.Get(actorKey)
	actor, _ := v.(ledger.Actor)
	return actor
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Rule    string `json:"rule,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// retryAfterSeconds is sent with every 503.
const retryAfterSeconds = "1"

// ErrorHandler renders the last error a handler attached with c.Error.
// Validation and invariant messages are returned verbatim; transient and
// internal failures get a generic message.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		status, body := toResponse(err)

		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("path", c.FullPath()),
				zap.String("org_id", c.GetString("org_id")),
				zap.Error(err),
			)
		}
		if status == http.StatusServiceUnavailable {
			c.Header("Retry-After", retryAfterSeconds)
		}
		c.AbortWithStatusJSON(status, errorResponse{Error: body})
	}
}

func toResponse(err error) (int, errorBody) {
	hint := strings.Join(errors.GetAllHints(err), " ")
	switch {
	case ledger.IsInvariantViolation(err):
		return http.StatusBadRequest, errorBody{Code: "invariant_violation", Message: err.Error(), Rule: ledger.Rule(err), Hint: hint}
	case ledger.IsValidation(err):
		return http.StatusBadRequest, errorBody{Code: "validation_error", Message: err.Error(), Hint: hint}
	case ledger.IsAccessDenied(err):
		return http.StatusForbidden, errorBody{Code: "access_denied", Message: err.Error()}
	case ledger.IsNotFound(err):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()}
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable, errorBody{Code: "transient", Message: "the ledger could not complete the request; retry it", Hint: hint}
	}
	return http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal error"}
}

// Logging logs one line per request, at error level for 5xx and warn for 4xx.
func Logging(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if orgID := c.GetString("org_id"); orgID != "" {
			fields = append(fields, zap.String("org_id", orgID))
		}
		if actorID := c.GetString("actor_id"); actorID != "" {
			fields = append(fields, zap.String("actor_id", actorID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}
