package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/Cyvadra/tv-compliance/internal/config"
	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/repository"
	"github.com/Cyvadra/tv-compliance/internal/schedule"
)

// Notification types
const (
	NotificationViolation = "compliance_violation"
	NotificationWarning   = "compliance_warning"
	NotificationTrade     = "trade_executed"
	NotificationHealth    = "webhook_health"
)

// NotificationRequest is one message to deliver over one or more channels
type NotificationRequest struct {
	UserID   uint              `json:"user_id"`
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Severity models.Severity   `json:"severity"`
	Channels []models.Channel  `json:"channels"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Dispatcher delivers notifications to users
type Dispatcher interface {
	SendNotification(ctx context.Context, req NotificationRequest) error
}

// Transport delivers a notification to a single recipient address
type Transport interface {
	Send(ctx context.Context, to string, req NotificationRequest) error
}

// NotificationService routes notifications per channel honouring user preferences
type NotificationService struct {
	repo   *repository.Repository
	email  Transport
	sms    Transport
	logger zerolog.Logger
	now    func() time.Time
}

// NewNotificationService creates a dispatcher. Email and SMS transports are
// only set up for gateways that are active in cfg.
func NewNotificationService(repo *repository.Repository, cfg config.NotificationConfig, logger zerolog.Logger) *NotificationService {
	s := &NotificationService{
		repo:   repo,
		logger: logging.Component(logger, "notifications"),
		now:    time.Now,
	}
	if cfg.Email.IsActive && cfg.Email.URL != "" {
		s.email = NewGatewayTransport(models.ChannelEmail, cfg.Email, cfg.Timeout, cfg.RetryCount)
	}
	if cfg.SMS.IsActive && cfg.SMS.URL != "" {
		s.sms = NewGatewayTransport(models.ChannelSMS, cfg.SMS, cfg.Timeout, cfg.RetryCount)
	}
	return s
}

// SetTransports replaces the email and SMS transports
func (s *NotificationService) SetTransports(email, sms Transport) {
	s.email = email
	s.sms = sms
}

// SendNotification delivers req on every requested channel the user has enabled.
// During quiet hours only in-app delivery happens unless the severity is critical.
func (s *NotificationService) SendNotification(ctx context.Context, req NotificationRequest) error {
	user, err := s.repo.GetUser(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to load notification recipient %d: %w", req.UserID, err)
	}
	pref, err := s.repo.GetNotificationPreference(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to load notification preferences: %w", err)
	}

	quiet := s.inQuietHours(pref) && req.Severity != models.SeverityCritical

	var errs []error
	for _, channel := range req.Channels {
		if !channelEnabled(pref, channel) {
			s.logger.Debug().Uint("user_id", user.ID).Str("channel", string(channel)).Msg("Channel disabled by preferences")
			continue
		}
		if quiet && channel != models.ChannelInApp {
			s.logger.Debug().Uint("user_id", user.ID).Str("channel", string(channel)).Msg("Suppressed during quiet hours")
			continue
		}

		if err := s.deliver(ctx, user, channel, req); err != nil {
			s.logger.Error().Err(err).
				Uint("user_id", user.ID).
				Str("channel", string(channel)).
				Str("type", req.Type).
				Msg("Failed to deliver notification")
			errs = append(errs, fmt.Errorf("%s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

// Inbox returns the user's most recent in-app notifications
func (s *NotificationService) Inbox(ctx context.Context, userID uint, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListNotifications(ctx, userID, limit)
}

func (s *NotificationService) deliver(ctx context.Context, user *models.User, channel models.Channel, req NotificationRequest) error {
	switch channel {
	case models.ChannelInApp:
		n := &models.Notification{
			UserID:   user.ID,
			Type:     req.Type,
			Title:    req.Title,
			Message:  req.Message,
			Severity: req.Severity,
		}
		if len(req.Metadata) > 0 {
			raw, err := json.Marshal(req.Metadata)
			if err != nil {
				return err
			}
			n.Metadata = datatypes.JSON(raw)
		}
		return s.repo.CreateNotification(ctx, n)
	case models.ChannelEmail:
		return s.sendVia(ctx, s.email, channel, user.Email, req)
	case models.ChannelSMS:
		return s.sendVia(ctx, s.sms, channel, user.Phone, req)
	default:
		return fmt.Errorf("unsupported channel: %s", channel)
	}
}

func (s *NotificationService) sendVia(ctx context.Context, t Transport, channel models.Channel, to string, req NotificationRequest) error {
	if t == nil {
		s.logger.Debug().Str("channel", string(channel)).Msg("No transport configured")
		return nil
	}
	if to == "" {
		s.logger.Debug().Uint("user_id", req.UserID).Str("channel", string(channel)).Msg("Recipient has no address")
		return nil
	}
	return t.Send(ctx, to, req)
}

func (s *NotificationService) inQuietHours(pref models.NotificationPreference) bool {
	if !pref.QuietHoursEnabled || pref.QuietHoursStart == "" || pref.QuietHoursEnd == "" {
		return false
	}
	window, err := schedule.ParseWindow(pref.QuietHoursStart, pref.QuietHoursEnd, pref.Timezone)
	if err != nil {
		s.logger.Warn().Err(err).Uint("user_id", pref.UserID).Msg("Ignoring invalid quiet hours")
		return false
	}
	return window.Contains(s.now())
}

func channelEnabled(pref models.NotificationPreference, channel models.Channel) bool {
	switch channel {
	case models.ChannelEmail:
		return pref.EmailEnabled
	case models.ChannelSMS:
		return pref.SMSEnabled
	case models.ChannelInApp:
		return pref.InAppEnabled
	}
	return false
}

// GatewayTransport posts notifications as JSON to an HTTP delivery gateway
type GatewayTransport struct {
	channel models.Channel
	client  *resty.Client
	cfg     config.GatewayConfig
}

// NewGatewayTransport creates a transport for one gateway
func NewGatewayTransport(channel models.Channel, cfg config.GatewayConfig, timeout time.Duration, retries int) *GatewayTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &GatewayTransport{channel: channel, client: client, cfg: cfg}
}

// Send posts the message to the gateway
func (t *GatewayTransport) Send(ctx context.Context, to string, req NotificationRequest) error {
	payload := map[string]any{
		"channel":  t.channel,
		"to":       to,
		"subject":  req.Title,
		"body":     formatMessage(req),
		"severity": req.Severity,
		"type":     req.Type,
	}
	if t.cfg.From != "" {
		payload["from"] = t.cfg.From
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("%s gateway request failed: %w", t.channel, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("%s gateway returned status %d: %s", t.channel, resp.StatusCode(), resp.String())
	}
	return nil
}

func formatMessage(req NotificationRequest) string {
	if req.Severity == "" {
		return req.Message
	}
	return fmt.Sprintf("[%s] %s", req.Severity, req.Message)
}
