package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/Cyvadra/tv-compliance/internal/compliance"
	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/parser"
	"github.com/Cyvadra/tv-compliance/internal/repository"
)

// TestAlertPayload is the canned alert sent by the test webhook
var TestAlertPayload = []byte(`{"symbol": "TEST", "action": "buy", "quantity": 1, "price": 1, "message": "Test alert"}`)

// WebhookRequest is one inbound webhook delivery
type WebhookRequest struct {
	Token     string
	Source    models.WebhookSource
	Body      []byte
	RequestID string
}

// WebhookResponse summarises the decision for the webhook sender
type WebhookResponse struct {
	Success        bool     `json:"success"`
	Message        string   `json:"message"`
	AllowTrade     bool     `json:"allowTrade"`
	Violations     int      `json:"violations"`
	Warnings       []string `json:"warnings"`
	WebhookEventID uint     `json:"webhookEventId,omitempty"`
	TradeID        *uint    `json:"tradeId,omitempty"`
}

// WebhookService runs inbound alerts through compliance and records the outcome
type WebhookService struct {
	repo       *repository.Repository
	users      *UserService
	engine     *compliance.Engine
	dispatcher Dispatcher
	logger     zerolog.Logger
	now        func() time.Time

	notifyTimeout time.Duration
	pending       sync.WaitGroup
}

// NewWebhookService creates a webhook service
func NewWebhookService(repo *repository.Repository, users *UserService, engine *compliance.Engine, dispatcher Dispatcher, logger zerolog.Logger) *WebhookService {
	return &WebhookService{
		repo:          repo,
		users:         users,
		engine:        engine,
		dispatcher:    dispatcher,
		logger:        logging.Component(logger, "webhook"),
		now:           time.Now,
		notifyTimeout: 30 * time.Second,
	}
}

// Process runs one webhook delivery through the pipeline. Owner and parse
// failures return before anything is recorded. Once the webhook event exists
// it always ends in a terminal status, failed when an error or panic occurs.
// A fail-closed evaluation returns both a response and an error.
func (s *WebhookService) Process(ctx context.Context, req WebhookRequest) (resp *WebhookResponse, err error) {
	log := s.logger.With().Str("request_id", req.RequestID).Str("source", string(req.Source)).Logger()

	owner, err := s.users.ResolveWebhookOwner(ctx, req.Token)
	if err != nil {
		log.Warn().Err(err).Msg("Webhook owner rejected")
		return nil, stageError(StageResolve, 0, err)
	}
	log = log.With().Uint("user_id", owner.User.ID).Uint("account_id", owner.Account.ID).Logger()

	receivedAt := s.now().UTC()
	alert, err := parser.Parse(req.Body, receivedAt)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(req.Body)).Msg("Unparseable webhook payload")
		return nil, stageError(StageParse, 0, err)
	}

	event, err := s.recordEvent(ctx, req, owner, alert)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record webhook event")
		return nil, stageError(StageRecord, 0, err)
	}
	log = log.With().Uint("webhook_event_id", event.ID).Logger()

	completed := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Webhook pipeline panicked")
			s.markFailed(event.ID, "internal error")
			resp, err = nil, stageError(StageInternal, event.ID, fmt.Errorf("panic: %v", r))
			return
		}
		if !completed {
			s.markFailed(event.ID, failureReason(err))
		}
	}()

	// Evaluation and outcome writes share one transaction; the engine locks the account row first
	var (
		result  *compliance.Result
		evalErr error
		trade   *models.Trade
		alerts  []models.Alert
	)
	err = s.repo.Transaction(ctx, func(tx *repository.Repository) error {
		result, evalErr = s.engine.ValidateTrade(ctx, tx, owner.User.ID, owner.Account.ID, alert)
		if evalErr != nil {
			return evalErr
		}
		var err error
		trade, alerts, err = s.complete(ctx, tx, event, owner, alert, result)
		return err
	})
	if evalErr != nil {
		if logErr := s.engine.LogComplianceCheck(ctx, s.repo, event.ID, result); logErr != nil {
			log.Error().Err(logErr).Msg("Failed to log fail-closed compliance checks")
		}
		err = stageError(StageEvaluate, event.ID, evalErr)
		return s.respond(result, event, nil), err
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist webhook outcome")
		return nil, stageError(StagePersist, event.ID, err)
	}
	completed = true

	s.notify(owner, event, alert, result, trade)

	log.Info().
		Str("symbol", alert.Symbol).
		Str("action", alert.Action).
		Bool("allow_trade", result.AllowTrade).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Int("alerts", len(alerts)).
		Msg("Webhook processed")

	return s.respond(result, event, trade), nil
}

// ProcessTest sends the canned test alert through the pipeline
func (s *WebhookService) ProcessTest(ctx context.Context, token, requestID string) (*WebhookResponse, error) {
	return s.Process(ctx, WebhookRequest{
		Token:     token,
		Source:    models.SourceTest,
		Body:      TestAlertPayload,
		RequestID: requestID,
	})
}

// ListEvents pages through a user's webhook history, newest first
func (s *WebhookService) ListEvents(ctx context.Context, userID uint, filter repository.EventFilter) ([]models.WebhookEvent, int64, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidStatus, filter.Status)
	}
	return s.repo.ListWebhookEvents(ctx, userID, filter)
}

func validStatus(status models.WebhookStatus) bool {
	switch status {
	case models.StatusProcessing, models.StatusProcessed, models.StatusRejected, models.StatusFailed:
		return true
	}
	return false
}

// Wait blocks until notifications dispatched so far have been attempted
func (s *WebhookService) Wait() {
	s.pending.Wait()
}

func (s *WebhookService) recordEvent(ctx context.Context, req WebhookRequest, owner *WebhookOwner, alert *parser.TradeAlert) (*models.WebhookEvent, error) {
	parsed, err := json.Marshal(alert)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.SourceTradingView
	}

	event := &models.WebhookEvent{
		UserID:               owner.User.ID,
		UserTradingAccountID: owner.Account.ID,
		Source:               source,
		RawPayload:           rawPayload(req.Body),
		ParsedData:           datatypes.JSON(parsed),
		Symbol:               alert.Symbol,
		Action:               alert.Action,
		Quantity:             alert.Quantity,
		Price:                alert.Price,
		StopLoss:             alert.StopLoss,
		TakeProfit:           alert.TakeProfit,
		Status:               models.StatusProcessing,
		CreatedAt:            s.now().UTC(),
	}
	if err := s.repo.CreateWebhookEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// complete writes the audit rows, alerts, trade and terminal status of an evaluated event
func (s *WebhookService) complete(ctx context.Context, tx *repository.Repository, event *models.WebhookEvent, owner *WebhookOwner, alert *parser.TradeAlert, result *compliance.Result) (*models.Trade, []models.Alert, error) {
	if err := s.engine.LogComplianceCheck(ctx, tx, event.ID, result); err != nil {
		return nil, nil, err
	}

	var alerts []models.Alert
	for _, v := range result.BlockingViolations() {
		a := models.Alert{
			UserID:         owner.User.ID,
			WebhookEventID: &event.ID,
			Type:           models.AlertViolation,
			RuleType:       v.RuleType,
			Severity:       v.Severity,
			Title:          violationTitle(v),
			Message:        v.Message,
		}
		if err := tx.CreateAlert(ctx, &a); err != nil {
			return nil, nil, err
		}
		alerts = append(alerts, a)
	}

	var trade *models.Trade
	if result.AllowTrade {
		trade = &models.Trade{
			UserID:         owner.User.ID,
			AccountID:      owner.Account.ID,
			WebhookEventID: &event.ID,
			Symbol:         alert.Symbol,
			Side:           alert.Side(),
			Quantity:       decimal.NewFromFloat(alert.Quantity),
			OrderType:      "market",
			Source:         event.Source,
			Status:         models.TradeOpen,
			OpenedAt:       s.now().UTC(),
		}
		if alert.Price != nil {
			trade.Price = decimal.NewFromFloat(*alert.Price)
		}
		if err := tx.CreateTrade(ctx, trade); err != nil {
			return nil, nil, err
		}
		event.TradeID = &trade.ID
	}

	processedAt := s.now().UTC()
	event.ProcessedAt = &processedAt
	event.IsComplianceViolation = result.IsViolation
	event.Status = models.StatusProcessed
	if !result.AllowTrade {
		event.Status = models.StatusRejected
	}
	ok, err := tx.CompleteWebhookEvent(ctx, event)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("webhook event %d is no longer processing", event.ID)
	}

	return trade, alerts, nil
}

func (s *WebhookService) markFailed(eventID uint, reason string) {
	// The request context may already be canceled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.repo.MarkWebhookEventFailed(ctx, eventID, reason, s.now()); err != nil {
		s.logger.Error().Err(err).Uint("webhook_event_id", eventID).Msg("Failed to mark webhook event failed")
	}
}

// notify dispatches the decision notifications without blocking the response
func (s *WebhookService) notify(owner *WebhookOwner, event *models.WebhookEvent, alert *parser.TradeAlert, result *compliance.Result, trade *models.Trade) {
	requests := NotificationPlan(owner.User.ID, event.ID, alert, result, trade)
	if len(requests) == 0 || s.dispatcher == nil {
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()

		for _, req := range requests {
			if err := s.dispatcher.SendNotification(ctx, req); err != nil {
				s.logger.Error().Err(err).
					Uint("user_id", req.UserID).
					Uint("webhook_event_id", event.ID).
					Str("type", req.Type).
					Msg("Notification dispatch failed")
			}
		}
	}()
}

// NotificationPlan lists the notifications a decision produces: email and SMS
// per blocking violation, email per advisory violation or warning and an
// in-app confirmation for a created trade.
func NotificationPlan(userID, eventID uint, alert *parser.TradeAlert, result *compliance.Result, trade *models.Trade) []NotificationRequest {
	meta := func(extra ...string) map[string]string {
		m := map[string]string{
			"webhook_event_id": strconv.FormatUint(uint64(eventID), 10),
			"symbol":           alert.Symbol,
			"action":           alert.Action,
		}
		for i := 0; i+1 < len(extra); i += 2 {
			m[extra[i]] = extra[i+1]
		}
		return m
	}

	var out []NotificationRequest
	for _, v := range result.BlockingViolations() {
		out = append(out, NotificationRequest{
			UserID:   userID,
			Type:     NotificationViolation,
			Title:    violationTitle(v),
			Message:  fmt.Sprintf("%s %s %s was blocked: %s", alert.Action, formatQuantity(alert.Quantity), alert.Symbol, v.Message),
			Severity: v.Severity,
			Channels: []models.Channel{models.ChannelEmail, models.ChannelSMS},
			Metadata: meta("rule_type", string(v.RuleType)),
		})
	}
	for _, v := range result.AdvisoryViolations() {
		out = append(out, NotificationRequest{
			UserID:   userID,
			Type:     NotificationWarning,
			Title:    fmt.Sprintf("Compliance rule breached: %s", ruleLabel(v)),
			Message:  v.Message,
			Severity: models.SeverityMedium,
			Channels: []models.Channel{models.ChannelEmail},
			Metadata: meta("rule_type", string(v.RuleType)),
		})
	}
	for _, w := range result.Warnings {
		out = append(out, NotificationRequest{
			UserID:   userID,
			Type:     NotificationWarning,
			Title:    "Compliance warning",
			Message:  w,
			Severity: models.SeverityLow,
			Channels: []models.Channel{models.ChannelEmail},
			Metadata: meta(),
		})
	}
	if result.AllowTrade && trade != nil {
		out = append(out, NotificationRequest{
			UserID:   userID,
			Type:     NotificationTrade,
			Title:    fmt.Sprintf("Trade recorded: %s %s", alert.Action, alert.Symbol),
			Message:  fmt.Sprintf("%s %s %s passed compliance checks", alert.Action, formatQuantity(alert.Quantity), alert.Symbol),
			Severity: models.SeverityLow,
			Channels: []models.Channel{models.ChannelInApp},
			Metadata: meta("trade_id", strconv.FormatUint(uint64(trade.ID), 10)),
		})
	}
	return out
}

func (s *WebhookService) respond(result *compliance.Result, event *models.WebhookEvent, trade *models.Trade) *WebhookResponse {
	resp := &WebhookResponse{
		Success:        true,
		AllowTrade:     result.AllowTrade,
		Violations:     len(result.Violations),
		Warnings:       result.Warnings,
		WebhookEventID: event.ID,
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	if trade != nil {
		resp.TradeID = &trade.ID
	}

	switch {
	case result.AllowTrade:
		resp.Message = "Trade allowed"
	default:
		resp.Message = "Trade blocked by compliance rules"
	}
	return resp
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "internal error"
	case errors.Is(err, compliance.ErrEvaluationUnavailable):
		return "compliance evaluation unavailable"
	default:
		return err.Error()
	}
}

func rawPayload(body []byte) datatypes.JSON {
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	// Plain-text alerts are stored verbatim as a JSON string
	raw, _ := json.Marshal(string(body))
	return datatypes.JSON(raw)
}

func violationTitle(v compliance.Violation) string {
	return fmt.Sprintf("Trade blocked: %s", ruleLabel(v))
}

func ruleLabel(v compliance.Violation) string {
	if v.RuleName != "" {
		return v.RuleName
	}
	return string(v.RuleType)
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
