package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/services"
)

// UserHandler serves a user's compliance summary and in-app inbox
type UserHandler struct {
	users    *services.UserService
	summary  *services.SummaryService
	notifier *services.NotificationService
	logger   zerolog.Logger
}

// NewUserHandler creates a new user handler
func NewUserHandler(users *services.UserService, summary *services.SummaryService, notifier *services.NotificationService, logger zerolog.Logger) *UserHandler {
	return &UserHandler{
		users:    users,
		summary:  summary,
		notifier: notifier,
		logger:   logging.Component(logger, "http"),
	}
}

// GetCompliance handles GET /api/v1/users/:token/compliance
func (h *UserHandler) GetCompliance(c *gin.Context) {
	user, ok := lookupUser(c, h.users, h.logger)
	if !ok {
		return
	}

	summary, err := h.summary.ComplianceSummary(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error().Err(err).Uint("user_id", user.ID).Msg("Failed to build compliance summary")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve compliance summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetNotifications handles GET /api/v1/users/:token/notifications
func (h *UserHandler) GetNotifications(c *gin.Context) {
	user, ok := lookupUser(c, h.users, h.logger)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	notifications, err := h.notifier.Inbox(c.Request.Context(), user.ID, limit)
	if err != nil {
		h.logger.Error().Err(err).Uint("user_id", user.ID).Msg("Failed to list notifications")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       user.ID,
		"notifications": notifications,
	})
}
