package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Cyvadra/tv-compliance/internal/handlers"
	"github.com/Cyvadra/tv-compliance/internal/middleware"
)

// Handlers groups everything the router dispatches to
type Handlers struct {
	Webhook *handlers.WebhookHandler
	Health  *handlers.HealthHandler
	User    *handlers.UserHandler
	Limiter middleware.RateLimiter
	Logger  zerolog.Logger
}

// SetupRoutes configures all the routes for the application
func SetupRoutes(r *gin.Engine, h Handlers) {
	r.Use(middleware.RequestID())

	api := r.Group("/api/v1")
	{
		// TradingView webhook endpoints, rate limited per token
		webhook := api.Group("/webhook/:token")
		webhook.Use(middleware.RateLimit(h.Limiter, "token", h.Logger))
		{
			webhook.POST("", h.Webhook.HandleWebhook)
			webhook.POST("/test", h.Webhook.HandleTestWebhook)
		}

		users := api.Group("/users/:token")
		{
			users.GET("/webhook-events", h.Webhook.GetWebhookEvents)
			users.GET("/compliance", h.User.GetCompliance)
			users.GET("/notifications", h.User.GetNotifications)
			users.GET("/health", h.Health.GetHealth)
			users.GET("/health/metrics", h.Health.GetMetrics)
			users.POST("/health/monitor", h.Health.Monitor)
			users.POST("/health/heal", h.Health.Heal)
		}
	}

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "tv-compliance",
		})
	})

	// Root endpoint
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "TradingView Compliance Gateway",
			"version": "1.0.0",
			"endpoints": gin.H{
				"webhook":        "/api/v1/webhook/:token",
				"test_webhook":   "/api/v1/webhook/:token/test",
				"webhook_events": "/api/v1/users/:token/webhook-events",
				"webhook_health": "/api/v1/users/:token/health",
				"compliance":     "/api/v1/users/:token/compliance",
				"notifications":  "/api/v1/users/:token/notifications",
				"health":         "/health",
			},
		})
	})
}
