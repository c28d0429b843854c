package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/Cyvadra/tv-compliance/internal/config"
	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/repository"
)

// WebhookOwner is a user entitled to send webhooks and the account they are attributed to
type WebhookOwner struct {
	User         models.User
	Subscription models.Subscription
	Account      models.TradingAccount
}

// UserService handles user-related operations
type UserService struct {
	repo   *repository.Repository
	logger zerolog.Logger
	now    func() time.Time
}

// NewUserService creates a new user service
func NewUserService(repo *repository.Repository, logger zerolog.Logger) *UserService {
	return &UserService{
		repo:   repo,
		logger: logging.Component(logger, "users"),
		now:    time.Now,
	}
}

// GetUserByToken returns the active user owning a webhook token
func (s *UserService) GetUserByToken(ctx context.Context, token string) (*models.User, error) {
	user, err := s.repo.GetUserByWebhookToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// ResolveWebhookOwner checks the user behind a webhook token may trade. Webhooks
// are attributed to the oldest active trading account of the user.
func (s *UserService) ResolveWebhookOwner(ctx context.Context, token string) (*WebhookOwner, error) {
	if token == "" {
		return nil, ErrUserNotFound
	}

	user, err := s.GetUserByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	sub, err := s.repo.GetSubscription(ctx, user.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSubscriptionRequired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	if !sub.IsActiveAt(s.now()) {
		return nil, ErrSubscriptionRequired
	}

	accounts, err := s.repo.ActiveTradingAccounts(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoTradingAccount
	}

	return &WebhookOwner{User: *user, Subscription: *sub, Account: accounts[0]}, nil
}

// SeedUsers creates or updates users from the user configuration. Missing webhook
// tokens are generated and written back into cfg so the caller can persist them.
func (s *UserService) SeedUsers(ctx context.Context, cfg *config.UserConfig) (int, error) {
	if cfg == nil {
		return 0, nil
	}

	seeded := 0
	for i := range cfg.Users {
		entry := &cfg.Users[i]
		if entry.Email == "" {
			return seeded, fmt.Errorf("user %d (%s) has no email", i, entry.Name)
		}
		if entry.WebhookToken == "" {
			entry.WebhookToken = uuid.NewString()
		}

		err := s.repo.Transaction(ctx, func(tx *repository.Repository) error {
			return s.seedUser(ctx, tx, entry)
		})
		if err != nil {
			return seeded, fmt.Errorf("failed to seed user %s: %w", entry.Email, err)
		}
		seeded++

		s.logger.Info().
			Str("email", entry.Email).
			Int("accounts", len(entry.Accounts)).
			Int("rules", len(entry.Rules)).
			Msg("Seeded user")
	}
	return seeded, nil
}

func (s *UserService) seedUser(ctx context.Context, tx *repository.Repository, entry *config.UserConfigEntry) error {
	user, err := tx.GetUserByEmail(ctx, entry.Email)
	if errors.Is(err, repository.ErrNotFound) {
		user = &models.User{Email: entry.Email}
	} else if err != nil {
		return err
	}
	user.Name = entry.Name
	user.Phone = entry.Phone
	user.WebhookToken = entry.WebhookToken
	user.IsActive = config.Enabled(entry.IsActive)
	if err := tx.SaveUser(ctx, user); err != nil {
		return err
	}
	if !user.IsActive {
		if err := tx.DB().Model(user).Update("is_active", false).Error; err != nil {
			return err
		}
	}

	if entry.Subscription.Status != "" {
		sub := &models.Subscription{
			UserID:           user.ID,
			Plan:             entry.Subscription.Plan,
			Status:           models.SubscriptionStatus(entry.Subscription.Status),
			CurrentPeriodEnd: entry.Subscription.CurrentPeriodEnd,
		}
		if sub.Status == models.SubscriptionCanceled {
			canceledAt := s.now().UTC()
			sub.CanceledAt = &canceledAt
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
	}

	for _, ac := range entry.Accounts {
		if err := seedAccount(ctx, tx, user.ID, ac); err != nil {
			return err
		}
	}

	for _, rc := range entry.Rules {
		rule := &models.ComplianceRule{
			UserID:      user.ID,
			Name:        rc.Name,
			Type:        models.RuleType(rc.Type),
			Threshold:   rc.Threshold,
			Enforcement: models.Enforcement(rc.Enforcement),
			IsActive:    config.Enabled(rc.IsActive),
			Description: rc.Description,
		}
		if len(rc.Config) > 0 {
			raw, err := json.Marshal(rc.Config)
			if err != nil {
				return fmt.Errorf("invalid config for rule %s: %w", rc.Name, err)
			}
			rule.Config = datatypes.JSON(raw)
		}
		if err := tx.UpsertRule(ctx, rule); err != nil {
			return err
		}
	}

	if p := entry.Preferences; p != nil {
		pref := &models.NotificationPreference{
			UserID:            user.ID,
			EmailEnabled:      p.EmailEnabled,
			SMSEnabled:        p.SMSEnabled,
			InAppEnabled:      p.InAppEnabled,
			QuietHoursEnabled: p.QuietHoursEnabled,
			QuietHoursStart:   p.QuietHoursStart,
			QuietHoursEnd:     p.QuietHoursEnd,
			Timezone:          p.Timezone,
		}
		if pref.Timezone == "" {
			pref.Timezone = "UTC"
		}
		if err := tx.SaveNotificationPreference(ctx, pref); err != nil {
			return err
		}
	}

	return nil
}

func seedAccount(ctx context.Context, tx *repository.Repository, userID uint, ac config.AccountConfig) error {
	account, err := tx.FindTradingAccountByName(ctx, userID, ac.Name)
	if errors.Is(err, repository.ErrNotFound) {
		account = &models.TradingAccount{UserID: userID, Name: ac.Name}
	} else if err != nil {
		return err
	}

	balance := decimal.NewFromFloat(ac.Balance)
	starting := decimal.NewFromFloat(ac.StartingBalance)
	if starting.IsZero() {
		starting = balance
	}

	account.Broker = ac.Broker
	account.Currency = ac.Currency
	if account.Currency == "" {
		account.Currency = "USD"
	}
	account.Balance = balance
	account.StartingBalance = starting
	account.PeakBalance = decimal.Max(account.PeakBalance, starting, balance)
	account.IsActive = config.Enabled(ac.IsActive)
	if err := tx.SaveTradingAccount(ctx, account); err != nil {
		return err
	}
	if !account.IsActive {
		return tx.DB().Model(account).Update("is_active", false).Error
	}
	return nil
}
