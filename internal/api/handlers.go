package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/auth"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/circuit"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/execution"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/logging"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/risk"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/twap"
)

const (
	retryAfterSecs   = "5"
	defaultListLimit = 100
	maxListLimit     = 1000
)

// errorResponse writes {"error": code, "message": text} with the status the
// error category maps to.
func errorResponse(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSecs)
	}
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(c.Request.Context())
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func classify(err error) (int, string) {
	var rv *orders.RiskViolationError
	var br *orders.BrokerRejectionError

	switch {
	case errors.As(err, &rv):
		if rv.Code == risk.CodeStartupNotReady || rv.Code == risk.CodeBrokerUnavailable {
			return http.StatusServiceUnavailable, rv.Code
		}
		return http.StatusForbidden, rv.Code
	case errors.Is(err, orders.ErrStartupNotReady):
		return http.StatusServiceUnavailable, risk.CodeStartupNotReady
	case errors.As(err, &br):
		if br.Code == "" {
			return http.StatusUnprocessableEntity, "broker_rejected"
		}
		return http.StatusUnprocessableEntity, br.Code
	case orders.IsBrokerTransient(err):
		return http.StatusBadGateway, "broker_unavailable"
	case errors.Is(err, orders.ErrInvalidOrder), errors.Is(err, twap.ErrInvalidPlan),
		errors.Is(err, circuit.ErrReasonRequired), errors.Is(err, circuit.ErrActorRequired):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, orders.ErrModificationNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, execution.ErrSubmitInFlight):
		return http.StatusConflict, "submit_in_flight"
	case errors.Is(err, orders.ErrOrderExists), errors.Is(err, orders.ErrModificationExists),
		errors.Is(err, orders.ErrConflictRejected):
		return http.StatusConflict, "conflict"
	case errors.Is(err, circuit.ErrNotTripped):
		return http.StatusConflict, "not_tripped"
	case errors.Is(err, circuit.ErrConditionsNotCleared):
		return http.StatusConflict, "conditions_not_cleared"
	case errors.Is(err, circuit.ErrStateNotInitialized):
		return http.StatusServiceUnavailable, "breaker_state_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// ============================================================================
// ORDERS
// ============================================================================

func (s *Server) handleSubmitOrder(c *gin.Context) {
	var req orders.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	o, err := s.deps.Submitter.Submit(c.Request.Context(), req)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleListOrders(c *gin.Context) {
	list, err := s.deps.Store.ListOrders(c.Request.Context(), limitParam(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	o, err := s.deps.Store.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// handleCancelOrder accepts a client order ID or a TWAP parent ID
func (s *Server) handleCancelOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	o, err := s.deps.Store.GetOrder(ctx, id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if o.IsTWAPParent() {
		sched, err := s.deps.Scheduler.CancelPending(ctx, id)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, sched)
		return
	}

	o, err = s.deps.Submitter.Cancel(ctx, id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleModifyOrder(c *gin.Context) {
	var req execution.ModifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.OriginalClientOrderID = c.Param("id")

	res, err := s.deps.Modifier.Modify(c.Request.Context(), req)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ============================================================================
// TWAP
// ============================================================================

func (s *Server) handleScheduleTWAP(c *gin.Context) {
	var req twap.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	sched, err := s.deps.Scheduler.Schedule(c.Request.Context(), req)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) handleGetTWAP(c *gin.Context) {
	sched, err := s.deps.Scheduler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) handleCancelTWAP(c *gin.Context) {
	sched, err := s.deps.Scheduler.CancelPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// ============================================================================
// POSITIONS & QUARANTINE
// ============================================================================

func (s *Server) handleListPositions(c *gin.Context) {
	list, err := s.deps.Store.ListPositions(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": list, "count": len(list)})
}

func (s *Server) handleGetPosition(c *gin.Context) {
	p, err := s.deps.Store.GetPosition(c.Request.Context(), strings.ToUpper(c.Param("symbol")))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleListQuarantine(c *gin.Context) {
	list, err := s.deps.Store.ListOrphans(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphans": list, "count": len(list)})
}

func (s *Server) handleClearQuarantine(c *gin.Context) {
	scope := c.Param("scope")
	if !strings.Contains(scope, ":") {
		badRequest(c, "scope must be {strategy}:{symbol}")
		return
	}
	operator := auth.GetOperator(c)

	n, err := s.deps.Store.ClearQuarantine(c.Request.Context(), scope)
	if err != nil {
		errorResponse(c, err)
		return
	}

	logger := logging.FromContext(c.Request.Context())
	logger.Warn().
		Str("scope", scope).
		Int("cleared", n).
		Str("operator", operator).
		Msg("Quarantine cleared")
	s.deps.Bus.Publish(events.Event{
		Type: events.EventQuarantineCleared,
		Data: map[string]any{"scope": scope, "cleared": n, "actor": operator},
	})

	c.JSON(http.StatusOK, gin.H{"scope": scope, "cleared": n})
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

type tripRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	rec, err := s.deps.Breaker.Status(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleBreakerHistory(c *gin.Context) {
	entries, err := s.deps.Breaker.History(c.Request.Context(), limitParam(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

func (s *Server) handleBreakerTrip(c *gin.Context) {
	var req tripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	rec, err := s.deps.Breaker.Trip(c.Request.Context(), req.Reason, auth.GetOperator(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	rec, err := s.deps.Breaker.Reset(c.Request.Context(), auth.GetOperator(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
