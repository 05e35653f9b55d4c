// Package api is the narrow inbound HTTP surface that survives the
// REST-handlers-out-of-scope non-goal: health check and the admin
// trigger/control routes. Order placement, cancellation, and book
// queries are Go-level calls against orderbook.Store, not HTTP
// endpoints — a REST layer in front of them is a separate service.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/admin"
	"energy-exchange-core/internal/domain"
)

// Handler is the gin route surface over the admin controller
type Handler struct {
	admin  *admin.Controller
	logger *logrus.Logger
}

// NewHandler constructs the HTTP handler
func NewHandler(adminController *admin.Controller, logger *logrus.Logger) *Handler {
	return &Handler{admin: adminController, logger: logger}
}

// HealthCheck reports process liveness
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ForceClearEpoch is the admin-only epoch retry trigger
func (h *Handler) ForceClearEpoch(c *gin.Context) {
	epochID := c.Param("id")
	if err := h.admin.ForceClearEpoch(c.Request.Context(), epochID); err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch_id": epochID, "status": "cleared"})
}

// PauseClearing stops the scheduler's automatic epoch clearing
func (h *Handler) PauseClearing(c *gin.Context) {
	h.admin.PauseClearing()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeClearing resumes automatic epoch clearing
func (h *Handler) ResumeClearing(c *gin.Context) {
	h.admin.ResumeClearing()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// RetryStuckSettlements requeues failed settlements
func (h *Handler) RetryStuckSettlements(c *gin.Context) {
	limit := clampInt(c.DefaultQuery("limit", "100"), 1, 1000, 100)
	requeued, err := h.admin.RetryStuckSettlements(c.Request.Context(), limit)
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": requeued})
}

// RetrySettlement requeues a single settlement, whatever its current status
func (h *Handler) RetrySettlement(c *gin.Context) {
	settlementID := c.Param("id")
	if err := h.admin.RetrySettlement(c.Request.Context(), settlementID); err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement_id": settlementID, "status": "requeued"})
}

// CORSMiddleware allows cross-origin requests against the admin surface
func (h *Handler) CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware logs every request through logrus
func (h *Handler) LoggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		h.logger.WithFields(logrus.Fields{
			"status_code": param.StatusCode,
			"latency":     param.Latency,
			"client_ip":   param.ClientIP,
			"method":      param.Method,
			"path":        param.Path,
		}).Info("http request")
		return ""
	})
}

func clampInt(raw string, min, max, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return fallback
	}
	return n
}

func writeDomainError(c *gin.Context, logger *logrus.Logger, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.ErrValidation:
		status = http.StatusBadRequest
	case domain.ErrNotAuthorized:
		status = http.StatusForbidden
	case domain.ErrEpochNotOpen, domain.ErrOrderFinalized, domain.ErrConflict:
		status = http.StatusConflict
	case domain.ErrUnknownZonePair:
		status = http.StatusUnprocessableEntity
	default:
		logger.WithError(err).Error("unhandled request error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
