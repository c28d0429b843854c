package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/repository"
)

// Health thresholds over the trailing window
const (
	HealthWindow            = 24 * time.Hour
	MaxFailureRate          = 20.0
	HealthyFailureRate      = 10.0
	MaxAverageResponseTime  = 5000.0 // milliseconds
	MinViolationsForAnomaly = 2
	MaxMetricsDays          = 30
)

// IssueCode identifies a detected health issue
type IssueCode string

const (
	IssueNoActivity      IssueCode = "no_activity"
	IssueHighFailureRate IssueCode = "high_failure_rate"
	IssueSlowResponse    IssueCode = "slow_response"
	IssueHighViolations  IssueCode = "high_violations"
)

// HealthIssue is one problem found by a health check
type HealthIssue struct {
	Code     IssueCode `json:"code"`
	Message  string    `json:"message"`
	Critical bool      `json:"critical"`
}

// HealthReport summarises a user's webhook activity over the trailing window
type HealthReport struct {
	UserID              uint          `json:"user_id"`
	IsHealthy           bool          `json:"is_healthy"`
	TotalEvents         int           `json:"total_events"`
	ProcessedEvents     int           `json:"processed_events"`
	RejectedEvents      int           `json:"rejected_events"`
	FailedEvents        int           `json:"failed_events"`
	ViolationEvents     int           `json:"violation_events"`
	FailureRate         float64       `json:"failure_rate"`
	AverageResponseTime float64       `json:"average_response_time_ms"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	LastFailure         *time.Time    `json:"last_failure,omitempty"`
	Issues              []HealthIssue `json:"issues"`
	CheckedAt           time.Time     `json:"checked_at"`
}

// CriticalIssues returns the issues that warrant notifying the user
func (r *HealthReport) CriticalIssues() []HealthIssue {
	var out []HealthIssue
	for _, issue := range r.Issues {
		if issue.Critical {
			out = append(out, issue)
		}
	}
	return out
}

// HealFinding is an advisory result of AutoHeal
type HealFinding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DailyStats counts events of one UTC day by status
type DailyStats struct {
	Date       string `json:"date"`
	Total      int    `json:"total"`
	Processed  int    `json:"processed"`
	Rejected   int    `json:"rejected"`
	Failed     int    `json:"failed"`
	Processing int    `json:"processing"`
}

// PerformanceMetrics aggregates webhook activity over a number of days
type PerformanceMetrics struct {
	UserID     uint                     `json:"user_id"`
	Days       int                      `json:"days"`
	From       time.Time                `json:"from"`
	To         time.Time                `json:"to"`
	Daily      []DailyStats             `json:"daily"`
	ByStatus   []repository.StatusCount `json:"by_status"`
	TopSymbols []repository.SymbolCount `json:"top_symbols"`
	TopErrors  []repository.ErrorCount  `json:"top_errors"`
}

// HealthService reports on webhook delivery health
type HealthService struct {
	repo       *repository.Repository
	dispatcher Dispatcher
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHealthService creates a health service
func NewHealthService(repo *repository.Repository, dispatcher Dispatcher, logger zerolog.Logger) *HealthService {
	return &HealthService{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logging.Component(logger, "health"),
		now:        time.Now,
	}
}

// CheckHealth computes the health report of the trailing 24 hours
func (s *HealthService) CheckHealth(ctx context.Context, userID uint) (*HealthReport, error) {
	now := s.now().UTC()
	events, err := s.repo.WebhookEventsSince(ctx, userID, now.Add(-HealthWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook events: %w", err)
	}

	report := &HealthReport{UserID: userID, TotalEvents: len(events), Issues: []HealthIssue{}, CheckedAt: now}

	var totalResponse time.Duration
	timed := 0
	for i := range events {
		e := &events[i]
		switch e.Status {
		case models.StatusProcessed:
			report.ProcessedEvents++
			report.LastSuccess = latest(report.LastSuccess, e.CreatedAt)
		case models.StatusRejected:
			report.RejectedEvents++
		case models.StatusFailed:
			report.FailedEvents++
			report.LastFailure = latest(report.LastFailure, e.CreatedAt)
		}
		if e.IsComplianceViolation {
			report.ViolationEvents++
		}
		if d, ok := e.ResponseTime(); ok {
			totalResponse += d
			timed++
		}
	}

	if report.TotalEvents > 0 {
		report.FailureRate = float64(report.FailedEvents) / float64(report.TotalEvents) * 100
	}
	if timed > 0 {
		report.AverageResponseTime = float64(totalResponse.Milliseconds()) / float64(timed)
	}

	if report.TotalEvents == 0 {
		report.Issues = append(report.Issues, HealthIssue{
			Code:     IssueNoActivity,
			Message:  "No webhook activity in the last 24 hours",
			Critical: true,
		})
	}
	if report.FailureRate > MaxFailureRate {
		report.Issues = append(report.Issues, HealthIssue{
			Code:     IssueHighFailureRate,
			Message:  fmt.Sprintf("High failure rate: %.1f%% of webhooks failed", report.FailureRate),
			Critical: true,
		})
	}
	if report.AverageResponseTime > MaxAverageResponseTime {
		report.Issues = append(report.Issues, HealthIssue{
			Code:    IssueSlowResponse,
			Message: fmt.Sprintf("Slow processing: average response time %.0fms", report.AverageResponseTime),
		})
	}
	if report.ViolationEvents > report.ProcessedEvents && report.ViolationEvents > MinViolationsForAnomaly {
		report.Issues = append(report.Issues, HealthIssue{
			Code:     IssueHighViolations,
			Message:  fmt.Sprintf("High violation count: %d violations against %d successful webhooks", report.ViolationEvents, report.ProcessedEvents),
			Critical: true,
		})
	}

	report.IsHealthy = len(report.Issues) == 0 && report.FailureRate < HealthyFailureRate
	return report, nil
}

// MonitorAnomalies checks health and notifies the user about critical issues only
func (s *HealthService) MonitorAnomalies(ctx context.Context, userID uint) (*HealthReport, error) {
	report, err := s.CheckHealth(ctx, userID)
	if err != nil {
		return nil, err
	}

	critical := report.CriticalIssues()
	if len(critical) == 0 {
		return report, nil
	}

	message := critical[0].Message
	for _, issue := range critical[1:] {
		message += "; " + issue.Message
	}
	severity := models.SeverityHigh
	if len(critical) > 1 {
		severity = models.SeverityCritical
	}

	if err := s.repo.CreateAlert(ctx, &models.Alert{
		UserID:   userID,
		Type:     models.AlertHealth,
		Severity: severity,
		Title:    "Webhook health issue detected",
		Message:  message,
	}); err != nil {
		return report, fmt.Errorf("failed to record health alert: %w", err)
	}

	if s.dispatcher != nil {
		err := s.dispatcher.SendNotification(ctx, NotificationRequest{
			UserID:   userID,
			Type:     NotificationHealth,
			Title:    "Webhook health issue detected",
			Message:  message,
			Severity: severity,
			Channels: []models.Channel{models.ChannelEmail, models.ChannelInApp},
			Metadata: map[string]string{"failure_rate": fmt.Sprintf("%.1f", report.FailureRate)},
		})
		if err != nil {
			s.logger.Error().Err(err).Uint("user_id", userID).Msg("Failed to send health notification")
		}
	}

	s.logger.Warn().
		Uint("user_id", userID).
		Int("issues", len(critical)).
		Float64("failure_rate", report.FailureRate).
		Msg("Webhook anomalies detected")
	return report, nil
}

// AutoHeal reports remediation findings. It never changes any state.
func (s *HealthService) AutoHeal(ctx context.Context, userID uint) ([]HealFinding, error) {
	now := s.now().UTC()
	findings := []HealFinding{}

	timeouts, err := s.repo.CountTimeoutFailures(ctx, userID, now.Add(-HealthWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count timeout failures: %w", err)
	}
	if timeouts > 0 {
		findings = append(findings, HealFinding{
			Code:    "timeout_failures",
			Message: fmt.Sprintf("%d webhook(s) failed with a timeout in the last 24 hours; check the alert URL and downstream reachability", timeouts),
		})
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.WebhookToken == "" {
		findings = append(findings, HealFinding{Code: "missing_webhook_token", Message: "No webhook URL is configured"})
	}

	sub, err := s.repo.GetSubscription(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub == nil || !sub.IsActiveAt(now) {
		findings = append(findings, HealFinding{Code: "inactive_subscription", Message: "Subscription is not active; webhooks are refused"})
	}

	accounts, err := s.repo.ActiveTradingAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trading accounts: %w", err)
	}
	if len(accounts) == 0 {
		findings = append(findings, HealFinding{Code: "missing_trading_account", Message: "No active trading account to attribute webhooks to"})
	}

	rules, err := s.repo.ActiveRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load compliance rules: %w", err)
	}
	if len(rules) == 0 {
		findings = append(findings, HealFinding{Code: "missing_rules", Message: "No active compliance rules; every trade is allowed"})
	}

	return findings, nil
}

// GetPerformanceMetrics aggregates the trailing days of activity, at most 30
func (s *HealthService) GetPerformanceMetrics(ctx context.Context, userID uint, days int) (*PerformanceMetrics, error) {
	if days <= 0 {
		days = 7
	}
	if days > MaxMetricsDays {
		days = MaxMetricsDays
	}

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := today.AddDate(0, 0, -(days - 1))

	events, err := s.repo.WebhookEventsSince(ctx, userID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook events: %w", err)
	}

	metrics := &PerformanceMetrics{UserID: userID, Days: days, From: from, To: now}
	index := make(map[string]int, days)
	for d := 0; d < days; d++ {
		date := from.AddDate(0, 0, d).Format("2006-01-02")
		index[date] = d
		metrics.Daily = append(metrics.Daily, DailyStats{Date: date})
	}
	for i := range events {
		e := &events[i]
		d, ok := index[e.CreatedAt.UTC().Format("2006-01-02")]
		if !ok {
			continue
		}
		day := &metrics.Daily[d]
		day.Total++
		switch e.Status {
		case models.StatusProcessed:
			day.Processed++
		case models.StatusRejected:
			day.Rejected++
		case models.StatusFailed:
			day.Failed++
		case models.StatusProcessing:
			day.Processing++
		}
	}

	if metrics.ByStatus, err = s.repo.CountWebhookEventsByStatus(ctx, userID, from); err != nil {
		return nil, fmt.Errorf("failed to count events by status: %w", err)
	}
	if metrics.TopSymbols, err = s.repo.TopSymbols(ctx, userID, from, 5); err != nil {
		return nil, fmt.Errorf("failed to aggregate symbols: %w", err)
	}
	if metrics.TopErrors, err = s.repo.TopErrors(ctx, userID, from, 5); err != nil {
		return nil, fmt.Errorf("failed to aggregate errors: %w", err)
	}
	return metrics, nil
}

func latest(current *time.Time, t time.Time) *time.Time {
	if current == nil || t.After(*current) {
		return &t
	}
	return current
}
