package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Cyvadra/tv-compliance/internal/compliance"
	"github.com/Cyvadra/tv-compliance/internal/config"
	"github.com/Cyvadra/tv-compliance/internal/database"
	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/repository"
)

// Wednesday afternoon
var fixedNow = time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) SendNotification(ctx context.Context, req NotificationRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// recordingTransport captures deliveries instead of calling a gateway
type recordingTransport struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (t *recordingTransport) Send(_ context.Context, to string, req NotificationRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, to+"|"+req.Title)
	return t.err
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type fixture struct {
	repo       *repository.Repository
	users      *UserService
	engine     *compliance.Engine
	dispatcher *mockDispatcher
	webhooks   *WebhookService
	health     *HealthService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	logger := zerolog.Nop()
	repo := repository.New(db)
	users := NewUserService(repo, logger)
	users.now = clock
	engine := compliance.NewEngine(compliance.Options{Location: time.UTC, Now: clock}, logger)
	dispatcher := &mockDispatcher{}
	webhooks := NewWebhookService(repo, users, engine, dispatcher, logger)
	webhooks.now = clock
	health := NewHealthService(repo, dispatcher, logger)
	health.now = clock

	return &fixture{
		repo:       repo,
		users:      users,
		engine:     engine,
		dispatcher: dispatcher,
		webhooks:   webhooks,
		health:     health,
	}
}

// createOwner stores a user with an active subscription, one account and rules
func (f *fixture) createOwner(t *testing.T, email string, rules ...models.ComplianceRule) (*models.User, *models.TradingAccount) {
	t.Helper()
	ctx := context.Background()

	user := &models.User{Name: email, Email: email, Phone: "+15550100", WebhookToken: "token-" + email, IsActive: true}
	require.NoError(t, f.repo.SaveUser(ctx, user))
	require.NoError(t, f.repo.SaveSubscription(ctx, &models.Subscription{UserID: user.ID, Plan: "pro", Status: models.SubscriptionActive}))

	account := &models.TradingAccount{
		UserID:          user.ID,
		Name:            "main",
		Balance:         decimal.NewFromInt(10000),
		StartingBalance: decimal.NewFromInt(10000),
		PeakBalance:     decimal.NewFromInt(10000),
		IsActive:        true,
	}
	require.NoError(t, f.repo.SaveTradingAccount(ctx, account))

	for i := range rules {
		rule := rules[i]
		rule.UserID = user.ID
		rule.IsActive = true
		require.NoError(t, f.repo.UpsertRule(ctx, &rule))
	}
	return user, account
}

func (f *fixture) openTrades(t *testing.T, user *models.User, account *models.TradingAccount, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.repo.CreateTrade(context.Background(), &models.Trade{
			UserID:    user.ID,
			AccountID: account.ID,
			Symbol:    "BTCUSDT",
			Side:      "buy",
			Quantity:  decimal.NewFromInt(1),
			Price:     decimal.NewFromInt(100),
			Status:    models.TradeOpen,
			OpenedAt:  fixedNow.Add(-time.Duration(i+1) * time.Hour),
		}))
	}
}

func (f *fixture) createEvent(t *testing.T, user *models.User, status models.WebhookStatus, age, latency time.Duration) *models.WebhookEvent {
	t.Helper()
	created := fixedNow.Add(-age)
	processed := created.Add(latency)
	event := &models.WebhookEvent{
		UserID:                user.ID,
		UserTradingAccountID:  1,
		Source:                models.SourceTradingView,
		Symbol:                "BTCUSDT",
		Action:                "buy",
		Quantity:              1,
		Status:                status,
		IsComplianceViolation: status == models.StatusRejected,
		CreatedAt:             created,
		ProcessedAt:           &processed,
	}
	if status == models.StatusFailed {
		event.ProcessingError = "compliance evaluation unavailable"
	}
	require.NoError(t, f.repo.CreateWebhookEvent(context.Background(), event))
	return event
}

func hasType(typ string) interface{} {
	return mock.MatchedBy(func(req NotificationRequest) bool { return req.Type == typ })
}
