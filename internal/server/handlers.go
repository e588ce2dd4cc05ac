package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/finsentry/treasury/internal/audit"
	"github.com/finsentry/treasury/internal/executor"
	"github.com/finsentry/treasury/internal/health"
	"github.com/finsentry/treasury/internal/money"
	"github.com/finsentry/treasury/internal/transaction"
)

type submitRequest struct {
	Type        string `json:"type" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Category    string `json:"category"`
	Note        string `json:"note"`
	SubmitterID string `json:"submitterId" binding:"required"`
	OriginAddr  string `json:"originAddr"`
}

func (s *Server) submitHandler(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	switch transaction.Type(req.Type) {
	case transaction.TypeIncome, transaction.TypeExpense,
		transaction.TypeProcedureFee, transaction.TypeServiceFee:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_type",
			"message": "type must be income, expense, procedure_fee, or service_fee",
		})
		return
	}

	if _, ok := money.Parse(req.Amount); !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a non-negative decimal string",
		})
		return
	}

	tx := &transaction.Transaction{
		Type:        transaction.Type(req.Type),
		Amount:      req.Amount,
		Category:    req.Category,
		Note:        req.Note,
		SubmitterID: req.SubmitterID,
		OriginAddr:  req.OriginAddr,
	}
	if tx.OriginAddr == "" {
		tx.OriginAddr = c.ClientIP()
	}

	result, err := s.service.Submit(c.Request.Context(), tx)
	if err != nil {
		s.writeExecError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) getTransactionHandler(c *gin.Context) {
	tx, err := s.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		s.logger.Error("failed to load transaction", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) listAnalysesHandler(c *gin.Context) {
	analyses, err := s.analyses.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("failed to list analyses", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"analyses": analyses})
}

func (s *Server) auditTrailHandler(c *gin.Context) {
	entries, err := s.sink.Query(c.Request.Context(), c.Param("id"),
		time.Time{}, time.Now(), c.Query("operation"), 100)
	if err != nil {
		s.logger.Error("failed to query audit trail", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) listDependentsHandler(c *gin.Context) {
	deps, err := s.txs.ListDependents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("failed to list dependents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dependents": deps})
}

type reviewRequest struct {
	ValidatorID    string `json:"validatorId" binding:"required"`
	Reason         string `json:"reason"`
	Note           string `json:"note"`
	OverrideAmount string `json:"overrideAmount"`
	OverrideReason string `json:"overrideReason"`
}

func (s *Server) approveHandler(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "human", req.ValidatorID)
	err := s.service.Approve(ctx, c.Param("id"), req.ValidatorID, executor.Approval{
		Note:           req.Note,
		OverrideAmount: req.OverrideAmount,
		OverrideReason: req.OverrideReason,
	})
	if err != nil {
		s.writeExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (s *Server) rejectHandler(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "human", req.ValidatorID)
	if err := s.service.Reject(ctx, c.Param("id"), req.ValidatorID, req.Reason); err != nil {
		s.writeExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func (s *Server) requestRevisionHandler(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "human", req.ValidatorID)
	if err := s.service.RequestRevision(ctx, c.Param("id"), req.ValidatorID, req.Reason); err != nil {
		s.writeExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "need_revision"})
}

func (s *Server) revertHandler(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "human", req.ValidatorID)
	if err := s.service.Revert(ctx, c.Param("id"), req.ValidatorID, req.Reason); err != nil {
		s.writeExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pending"})
}

func (s *Server) queueHandler(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	queue, err := s.service.Queue(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load review queue", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "count": len(queue)})
}

func (s *Server) statsHandler(c *gin.Context) {
	pending, err := s.txs.CountPending(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to count pending", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	amountScale, behaviorScale := s.cal.Scales()
	c.JSON(http.StatusOK, gin.H{
		"pendingCount":  pending,
		"realtime":      s.hub.Stats(),
		"amountScale":   amountScale,
		"behaviorScale": behaviorScale,
	})
}

// writeExecError maps pipeline errors to HTTP responses. Only conflict and
// cascade failures carry a distinct status; everything else is internal.
func (s *Server) writeExecError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, transaction.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "concurrent_modification",
			"message": "The transaction was modified by another reviewer; reload and retry",
		})
	case errors.Is(err, transaction.ErrCascadeFailure):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "cascade_failure",
			"message": "Dependent records could not be updated; no changes were applied",
		})
	case errors.Is(err, transaction.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, executor.ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "reason_required",
			"message": "A non-empty reason is required for this action",
		})
	default:
		s.logger.Error("pipeline error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
