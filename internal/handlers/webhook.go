package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/middleware"
	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/parser"
	"github.com/Cyvadra/tv-compliance/internal/repository"
	"github.com/Cyvadra/tv-compliance/internal/services"
)

// WebhookHandler handles TradingView webhook deliveries and per-user history
type WebhookHandler struct {
	webhooks     *services.WebhookService
	users        *services.UserService
	maxBodyBytes int64
	logger       zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhooks *services.WebhookService, users *services.UserService, maxBodyBytes int64, logger zerolog.Logger) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebhookHandler{
		webhooks:     webhooks,
		users:        users,
		maxBodyBytes: maxBodyBytes,
		logger:       logging.Component(logger, "http"),
	}
}

// HandleWebhook handles POST /api/v1/webhook/:token
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	source, ok := models.ParseWebhookSource(c.Query("source"))
	if !ok || source == models.SourceTest {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid source", "allowTrade": false})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "Request body too large", "allowTrade": false})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Failed to read request body", "allowTrade": false})
		return
	}

	resp, err := h.webhooks.Process(c.Request.Context(), services.WebhookRequest{
		Token:     c.Param("token"),
		Source:    source,
		Body:      body,
		RequestID: middleware.GetRequestID(c),
	})
	h.respond(c, resp, err)
}

// HandleTestWebhook handles POST /api/v1/webhook/:token/test
func (h *WebhookHandler) HandleTestWebhook(c *gin.Context) {
	resp, err := h.webhooks.ProcessTest(c.Request.Context(), c.Param("token"), middleware.GetRequestID(c))
	h.respond(c, resp, err)
}

func (h *WebhookHandler) respond(c *gin.Context, resp *services.WebhookResponse, err error) {
	if err == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	status, message := webhookErrorStatus(err)
	body := gin.H{"success": false, "error": message, "allowTrade": false}
	if resp != nil {
		body["violations"] = resp.Violations
		body["warnings"] = resp.Warnings
		body["webhookEventId"] = resp.WebhookEventID
	} else if services.IsAudited(err) {
		var perr *services.PipelineError
		errors.As(err, &perr)
		body["webhookEventId"] = perr.WebhookEventID
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error().
			Err(err).
			Str("request_id", middleware.GetRequestID(c)).
			Str("stage", string(services.ErrorStage(err))).
			Msg("Webhook processing failed")
	}
	c.JSON(status, body)
}

// webhookErrorStatus maps pipeline errors to a status and a message safe to return
func webhookErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		return http.StatusNotFound, "Webhook not found"
	case errors.Is(err, services.ErrSubscriptionRequired):
		return http.StatusPaymentRequired, "Active subscription required"
	case errors.Is(err, services.ErrNoTradingAccount):
		return http.StatusBadRequest, "No active trading account"
	case errors.Is(err, parser.ErrInvalidAlert):
		return http.StatusBadRequest, "Invalid alert payload"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// GetWebhookEvents handles GET /api/v1/users/:token/webhook-events
func (h *WebhookHandler) GetWebhookEvents(c *gin.Context) {
	user, ok := h.lookupUser(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	filter := repository.EventFilter{
		Status: models.WebhookStatus(c.Query("status")),
		Page:   page,
		Limit:  limit,
	}

	events, total, err := h.webhooks.ListEvents(c.Request.Context(), user.ID, filter)
	if err != nil {
		if errors.Is(err, services.ErrInvalidStatus) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
			return
		}
		h.logger.Error().Err(err).Uint("user_id", user.ID).Msg("Failed to list webhook events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve webhook events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"page":   page,
		"limit":  limit,
	})
}

// lookupUser resolves the :token path parameter, writing 404 when it is unknown
func (h *WebhookHandler) lookupUser(c *gin.Context) (*models.User, bool) {
	return lookupUser(c, h.users, h.logger)
}

func lookupUser(c *gin.Context, users *services.UserService, logger zerolog.Logger) (*models.User, bool) {
	user, err := users.GetUserByToken(c.Request.Context(), c.Param("token"))
	if errors.Is(err, services.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return nil, false
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to look up user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user"})
		return nil, false
	}
	return user, true
}
