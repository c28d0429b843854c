package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Cyvadra/tv-compliance/internal/compliance"
	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/parser"
	"github.com/Cyvadra/tv-compliance/internal/repository"
)

const buyAlert = `{"symbol": "BTCUSDT", "action": "buy", "quantity": 0.01, "price": 50000}`

func TestProcessAllowedTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, account := f.createOwner(t, "allowed@example.com",
		models.ComplianceRule{Name: "daily-loss", Type: models.RuleDailyLoss, Threshold: 500},
		models.ComplianceRule{Name: "position-size", Type: models.RulePositionSize, Threshold: 10},
	)
	f.dispatcher.On("SendNotification", mock.Anything, mock.MatchedBy(func(req NotificationRequest) bool {
		return req.Type == NotificationTrade &&
			req.UserID == user.ID &&
			assert.ObjectsAreEqual([]models.Channel{models.ChannelInApp}, req.Channels)
	})).Return(nil).Once()

	resp, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Source: models.SourceTradingView, Body: []byte(buyAlert)})
	require.NoError(t, err)
	f.webhooks.Wait()

	assert.True(t, resp.Success)
	assert.True(t, resp.AllowTrade)
	assert.Zero(t, resp.Violations)
	assert.Empty(t, resp.Warnings)
	require.NotNil(t, resp.TradeID)

	event, err := f.repo.GetWebhookEvent(ctx, resp.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, event.Status)
	assert.Equal(t, account.ID, event.UserTradingAccountID)
	assert.False(t, event.IsComplianceViolation)
	require.NotNil(t, event.ProcessedAt)
	require.NotNil(t, event.TradeID)
	assert.Equal(t, *resp.TradeID, *event.TradeID)
	assert.JSONEq(t, buyAlert, string(event.RawPayload))

	trade, err := f.repo.GetTrade(ctx, *event.TradeID)
	require.NoError(t, err)
	require.NotNil(t, trade.WebhookEventID)
	assert.Equal(t, event.ID, *trade.WebhookEventID)
	assert.Equal(t, "buy", trade.Side)
	assert.Equal(t, "BTCUSDT", trade.Symbol)
	assert.Equal(t, models.SourceTradingView, trade.Source)

	checks, err := f.repo.ComplianceChecksForEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Len(t, checks, 2)

	f.dispatcher.AssertExpectations(t)
}

func TestProcessBlockedByMaxTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, account := f.createOwner(t, "blocked@example.com",
		models.ComplianceRule{Name: "max-trades", Type: models.RuleMaxTrades, Threshold: 3},
	)
	f.openTrades(t, user, account, 3)

	f.dispatcher.On("SendNotification", mock.Anything, mock.MatchedBy(func(req NotificationRequest) bool {
		return req.Type == NotificationViolation &&
			req.Severity == models.SeverityHigh &&
			assert.ObjectsAreEqual([]models.Channel{models.ChannelEmail, models.ChannelSMS}, req.Channels)
	})).Return(nil).Once()

	resp, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
	require.NoError(t, err)
	f.webhooks.Wait()

	assert.True(t, resp.Success)
	assert.False(t, resp.AllowTrade)
	assert.Equal(t, 1, resp.Violations)
	assert.Nil(t, resp.TradeID)

	event, err := f.repo.GetWebhookEvent(ctx, resp.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, event.Status)
	assert.True(t, event.IsComplianceViolation)
	assert.Nil(t, event.TradeID)
	assert.Equal(t, models.SourceTradingView, event.Source)

	count, err := f.repo.CountTradesForWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	alerts, err := f.repo.AlertsForWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertViolation, alerts[0].Type)
	assert.Equal(t, models.RuleMaxTrades, alerts[0].RuleType)

	f.dispatcher.AssertExpectations(t)
}

func TestProcessAdvisoryViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, account := f.createOwner(t, "advisory@example.com",
		models.ComplianceRule{Name: "max-trades", Type: models.RuleMaxTrades, Threshold: 1, Enforcement: models.EnforcementAlert},
	)
	f.openTrades(t, user, account, 1)

	f.dispatcher.On("SendNotification", mock.Anything, mock.MatchedBy(func(req NotificationRequest) bool {
		return req.Type == NotificationWarning &&
			assert.ObjectsAreEqual([]models.Channel{models.ChannelEmail}, req.Channels)
	})).Return(nil).Once()
	f.dispatcher.On("SendNotification", mock.Anything, hasType(NotificationTrade)).Return(nil).Once()

	resp, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Source: models.SourceAPI, Body: []byte(buyAlert)})
	require.NoError(t, err)
	f.webhooks.Wait()

	assert.True(t, resp.AllowTrade)
	assert.Equal(t, 1, resp.Violations)
	require.NotNil(t, resp.TradeID)

	event, err := f.repo.GetWebhookEvent(ctx, resp.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, event.Status)
	assert.True(t, event.IsComplianceViolation)
	assert.Equal(t, models.SourceAPI, event.Source)

	alerts, err := f.repo.AlertsForWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	f.dispatcher.AssertExpectations(t)
}

func TestProcessTextAlertAndTestWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, _ := f.createOwner(t, "text@example.com")
	f.dispatcher.On("SendNotification", mock.Anything, hasType(NotificationTrade)).Return(nil).Twice()

	resp, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte("Symbol: ETHUSDT\nAction: Sell\nQuantity: 2")})
	require.NoError(t, err)
	assert.True(t, resp.AllowTrade)

	event, err := f.repo.GetWebhookEvent(ctx, resp.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", event.Symbol)
	assert.Equal(t, "sell", event.Action)
	assert.JSONEq(t, `"Symbol: ETHUSDT\nAction: Sell\nQuantity: 2"`, string(event.RawPayload))

	resp, err = f.webhooks.ProcessTest(ctx, user.WebhookToken, "req-1")
	require.NoError(t, err)
	event, err = f.repo.GetWebhookEvent(ctx, resp.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceTest, event.Source)
	assert.Equal(t, "TEST", event.Symbol)

	f.webhooks.Wait()
	f.dispatcher.AssertExpectations(t)
}

func TestProcessPreChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, account := f.createOwner(t, "prechecks@example.com")

	t.Run("Unknown token", func(t *testing.T) {
		_, err := f.webhooks.Process(ctx, WebhookRequest{Token: "nope", Body: []byte(buyAlert)})
		assert.ErrorIs(t, err, ErrUserNotFound)
		assert.Equal(t, StageResolve, ErrorStage(err))
		assert.False(t, IsAudited(err))
	})

	t.Run("Unparseable payload", func(t *testing.T) {
		_, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(`{"strategy": "rsi"}`)})
		assert.ErrorIs(t, err, parser.ErrInvalidAlert)
		assert.Equal(t, StageParse, ErrorStage(err))
	})

	t.Run("No active account", func(t *testing.T) {
		require.NoError(t, f.repo.DB().Model(account).Update("is_active", false).Error)
		_, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
		assert.ErrorIs(t, err, ErrNoTradingAccount)
	})

	t.Run("Canceled subscription", func(t *testing.T) {
		require.NoError(t, f.repo.SaveSubscription(ctx, &models.Subscription{UserID: user.ID, Status: models.SubscriptionCanceled}))
		_, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
		assert.ErrorIs(t, err, ErrSubscriptionRequired)
	})

	// Nothing is audited for rejected pre-checks
	_, total, err := f.repo.ListWebhookEvents(ctx, user.ID, repository.EventFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	f.dispatcher.AssertNotCalled(t, "SendNotification", mock.Anything, mock.Anything)
}

func TestProcessFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, _ := f.createOwner(t, "failclosed@example.com",
		models.ComplianceRule{Name: "daily-loss", Type: models.RuleDailyLoss, Threshold: 500},
	)
	// Trade history becomes unreadable after the event is recorded
	require.NoError(t, f.repo.DB().Migrator().DropTable(&models.Trade{}))

	resp, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
	require.Error(t, err)
	assert.ErrorIs(t, err, compliance.ErrEvaluationUnavailable)
	assert.Equal(t, StageEvaluate, ErrorStage(err))
	assert.True(t, IsAudited(err))
	require.NotNil(t, resp)
	assert.False(t, resp.AllowTrade)

	event, err := f.repo.GetWebhookEvent(ctx, resp.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, event.Status)
	assert.Equal(t, "compliance evaluation unavailable", event.ProcessingError)
	assert.NotNil(t, event.ProcessedAt)

	checks, err := f.repo.ComplianceChecksForEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, models.CheckError, checks[0].Outcome)
	assert.Equal(t, models.RuleSystemError, checks[1].RuleType)

	f.webhooks.Wait()
	f.dispatcher.AssertNotCalled(t, "SendNotification", mock.Anything, mock.Anything)
}

func TestProcessPersistFailureMarksEventFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, account := f.createOwner(t, "persist@example.com",
		models.ComplianceRule{Name: "max-trades", Type: models.RuleMaxTrades, Threshold: 1},
	)
	f.openTrades(t, user, account, 1)
	require.NoError(t, f.repo.DB().Migrator().DropTable(&models.Alert{}))

	resp, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, StagePersist, ErrorStage(err))

	var pipelineErr *PipelineError
	require.True(t, errors.As(err, &pipelineErr))
	event, err := f.repo.GetWebhookEvent(ctx, pipelineErr.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, event.Status)
	assert.NotEmpty(t, event.ProcessingError)

	// The transaction rolled back the audit rows with everything else
	checks, err := f.repo.ComplianceChecksForEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, checks)
}

func TestNotificationDispatchFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	user, _ := f.createOwner(t, "dispatch@example.com")
	f.dispatcher.On("SendNotification", mock.Anything, mock.Anything).Return(errors.New("gateway down")).Once()

	resp, err := f.webhooks.Process(context.Background(), WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
	require.NoError(t, err)
	f.webhooks.Wait()
	assert.True(t, resp.AllowTrade)
	f.dispatcher.AssertExpectations(t)
}

func TestNotificationPlan(t *testing.T) {
	alert := &parser.TradeAlert{Symbol: "BTCUSDT", Action: "buy", Quantity: 2}
	result := &compliance.Result{
		AllowTrade: false,
		Violations: []compliance.Violation{
			{RuleName: "loss", RuleType: models.RuleDailyLoss, Message: "Daily loss limit exceeded", Severity: models.SeverityCritical, ShouldBlock: true},
			{RuleName: "trades", RuleType: models.RuleMaxTrades, Message: "Too many trades", Severity: models.SeverityHigh},
		},
		Warnings: []string{"Approaching drawdown"},
	}

	plan := NotificationPlan(7, 42, alert, result, nil)
	require.Len(t, plan, 3)

	assert.Equal(t, NotificationViolation, plan[0].Type)
	assert.Equal(t, models.SeverityCritical, plan[0].Severity)
	assert.Equal(t, []models.Channel{models.ChannelEmail, models.ChannelSMS}, plan[0].Channels)
	assert.Equal(t, "Trade blocked: loss", plan[0].Title)
	assert.Equal(t, "42", plan[0].Metadata["webhook_event_id"])
	assert.Equal(t, "daily_loss", plan[0].Metadata["rule_type"])
	assert.Contains(t, plan[0].Message, "buy 2 BTCUSDT was blocked")

	assert.Equal(t, NotificationWarning, plan[1].Type)
	assert.Equal(t, []models.Channel{models.ChannelEmail}, plan[1].Channels)
	assert.Equal(t, NotificationWarning, plan[2].Type)
	assert.Equal(t, "Approaching drawdown", plan[2].Message)

	trade := &models.Trade{ID: 9}
	plan = NotificationPlan(7, 43, alert, &compliance.Result{AllowTrade: true}, trade)
	require.Len(t, plan, 1)
	assert.Equal(t, []models.Channel{models.ChannelInApp}, plan[0].Channels)
	assert.Equal(t, "9", plan[0].Metadata["trade_id"])
}

func TestProcessCountsTradeOpenedAtSameInstant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, account := f.createOwner(t, "instant@example.com",
		models.ComplianceRule{Name: "max-trades", Type: models.RuleMaxTrades, Threshold: 1},
	)
	f.dispatcher.On("SendNotification", mock.Anything, mock.Anything).Return(nil)

	// The clock is fixed, so the second alert arrives at the instant the first trade opened
	first, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
	require.NoError(t, err)
	assert.True(t, first.AllowTrade)

	second, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
	require.NoError(t, err)
	f.webhooks.Wait()
	assert.False(t, second.AllowTrade)
	assert.Nil(t, second.TradeID)

	count, err := f.repo.CountTradesOpened(ctx, account.ID, fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessConcurrentAlertsHonorMaxTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, account := f.createOwner(t, "burst@example.com",
		models.ComplianceRule{Name: "max-trades", Type: models.RuleMaxTrades, Threshold: 2},
	)
	f.dispatcher.On("SendNotification", mock.Anything, mock.Anything).Return(nil)

	const alerts = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		errs    []error
	)
	for i := 0; i < alerts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.webhooks.Process(ctx, WebhookRequest{Token: user.WebhookToken, Body: []byte(buyAlert)})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if resp.AllowTrade {
				allowed++
			}
		}()
	}
	wg.Wait()
	f.webhooks.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 2, allowed)

	count, err := f.repo.CountTradesOpened(ctx, account.ID, fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	rejected, total, err := f.repo.ListWebhookEvents(ctx, user.ID, repository.EventFilter{Status: models.StatusRejected, Limit: alerts})
	require.NoError(t, err)
	assert.Equal(t, int64(alerts-2), total)
	assert.Len(t, rejected, alerts-2)
}
