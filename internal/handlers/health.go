package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/services"
)

// HealthHandler exposes webhook health reports per user
type HealthHandler struct {
	health *services.HealthService
	users  *services.UserService
	logger zerolog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(health *services.HealthService, users *services.UserService, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		health: health,
		users:  users,
		logger: logging.Component(logger, "http"),
	}
}

// GetHealth handles GET /api/v1/users/:token/health
func (h *HealthHandler) GetHealth(c *gin.Context) {
	user, ok := lookupUser(c, h.users, h.logger)
	if !ok {
		return
	}

	report, err := h.health.CheckHealth(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err, "Failed to check webhook health")
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetMetrics handles GET /api/v1/users/:token/health/metrics?days=N
func (h *HealthHandler) GetMetrics(c *gin.Context) {
	user, ok := lookupUser(c, h.users, h.logger)
	if !ok {
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a number"})
		return
	}

	metrics, err := h.health.GetPerformanceMetrics(c.Request.Context(), user.ID, days)
	if err != nil {
		h.fail(c, err, "Failed to compute webhook metrics")
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// Monitor handles POST /api/v1/users/:token/health/monitor
func (h *HealthHandler) Monitor(c *gin.Context) {
	user, ok := lookupUser(c, h.users, h.logger)
	if !ok {
		return
	}

	report, err := h.health.MonitorAnomalies(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err, "Failed to monitor webhook health")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report":   report,
		"notified": len(report.CriticalIssues()) > 0,
	})
}

// Heal handles POST /api/v1/users/:token/health/heal
func (h *HealthHandler) Heal(c *gin.Context) {
	user, ok := lookupUser(c, h.users, h.logger)
	if !ok {
		return
	}

	findings, err := h.health.AutoHeal(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err, "Failed to diagnose webhook health")
		return
	}
	if findings == nil {
		findings = []services.HealFinding{}
	}
	c.JSON(http.StatusOK, gin.H{"findings": findings})
}

func (h *HealthHandler) fail(c *gin.Context, err error, message string) {
	h.logger.Error().Err(err).Str("path", c.FullPath()).Msg(message)
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}
