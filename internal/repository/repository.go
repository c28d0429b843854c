// Package repository implements the pipeline's persistence on gorm.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Cyvadra/tv-compliance/internal/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// Repository wraps a gorm handle, either the pool or an open transaction
type Repository struct {
	db *gorm.DB
}

// New creates a repository over db
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Transaction runs fn against a transaction-scoped repository. Returning an
// error from fn rolls every write back.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Users

// GetUserByWebhookToken finds an active user by the token embedded in its webhook URL
func (r *Repository) GetUserByWebhookToken(ctx context.Context, token string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Where("webhook_token = ? AND is_active = ?", token, true).
		First(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetUserByEmail finds a user by email
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetUser finds a user by id
func (r *Repository) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// SaveUser inserts or updates a user
func (r *Repository) SaveUser(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Save(user).Error
}

// ListMonitoredUsers returns active users that own a webhook URL
func (r *Repository) ListMonitoredUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND webhook_token <> ''", true).
		Order("id ASC").
		Find(&users).Error
	return users, err
}

// GetSubscription returns the user's subscription
func (r *Repository) GetSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// SaveSubscription upserts the user's subscription
func (r *Repository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"plan", "status", "current_period_end", "canceled_at", "updated_at"}),
		}).
		Create(sub).Error
}

// ActiveTradingAccounts returns the user's active accounts, oldest first
func (r *Repository) ActiveTradingAccounts(ctx context.Context, userID uint) ([]models.TradingAccount, error) {
	var accounts []models.TradingAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("id ASC").
		Find(&accounts).Error
	return accounts, err
}

// GetTradingAccount returns one account owned by the user
func (r *Repository) GetTradingAccount(ctx context.Context, userID, accountID uint) (*models.TradingAccount, error) {
	var account models.TradingAccount
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", accountID, userID).
		First(&account).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// LockTradingAccount takes a row lock on the account for the rest of the
// transaction. SQLite ignores the clause; its single writer already serializes.
func (r *Repository) LockTradingAccount(ctx context.Context, userID, accountID uint) error {
	var account models.TradingAccount
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", accountID, userID).
		First(&account).Error
	return notFound(err)
}

// SaveTradingAccount inserts or updates an account
func (r *Repository) SaveTradingAccount(ctx context.Context, account *models.TradingAccount) error {
	return r.db.WithContext(ctx).Save(account).Error
}

// FindTradingAccountByName looks up an account by owner and name
func (r *Repository) FindTradingAccountByName(ctx context.Context, userID uint, name string) (*models.TradingAccount, error) {
	var account models.TradingAccount
	err := r.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, name).First(&account).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// GetNotificationPreference returns stored preferences or the defaults
func (r *Repository) GetNotificationPreference(ctx context.Context, userID uint) (models.NotificationPreference, error) {
	var pref models.NotificationPreference
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DefaultNotificationPreference(userID), nil
	}
	return pref, err
}

// SaveNotificationPreference upserts preferences
func (r *Repository) SaveNotificationPreference(ctx context.Context, pref *models.NotificationPreference) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"email_enabled", "sms_enabled", "in_app_enabled", "quiet_hours_enabled",
				"quiet_hours_start", "quiet_hours_end", "timezone", "updated_at",
			}),
		}).
		Create(pref).Error
}

// Compliance rules

// ActiveRules returns the user's active rules in creation order
func (r *Repository) ActiveRules(ctx context.Context, userID uint) ([]models.ComplianceRule, error) {
	var rules []models.ComplianceRule
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at ASC, id ASC").
		Find(&rules).Error
	return rules, err
}

// ActiveRulesByType returns the user's active rules of one kind
func (r *Repository) ActiveRulesByType(ctx context.Context, userID uint, ruleType models.RuleType) ([]models.ComplianceRule, error) {
	var rules []models.ComplianceRule
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND is_active = ?", userID, ruleType, true).
		Order("created_at ASC, id ASC").
		Find(&rules).Error
	return rules, err
}

// UpsertRule creates the rule or updates the user's rule with the same name
func (r *Repository) UpsertRule(ctx context.Context, rule *models.ComplianceRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	db := r.db.WithContext(ctx)
	var existing models.ComplianceRule
	err := db.Where("user_id = ? AND name = ?", rule.UserID, rule.Name).First(&existing).Error
	switch {
	case err == nil:
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
		if rule.Enforcement == "" {
			rule.Enforcement = models.EnforcementBlock
		}
		return db.Save(rule).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(rule).Error; err != nil {
			return err
		}
		// Zero values fall back to column defaults on insert
		if !rule.IsActive {
			return db.Model(rule).Update("is_active", false).Error
		}
		return nil
	default:
		return err
	}
}

// Trades

// RealizedPnL sums pnl of trades closed in [from, to)
func (r *Repository) RealizedPnL(ctx context.Context, accountID uint, from, to time.Time) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	row := r.db.WithContext(ctx).
		Model(&models.Trade{}).
		Select("SUM(pnl)").
		Where("account_id = ? AND status = ? AND closed_at >= ? AND closed_at < ?", accountID, models.TradeClosed, from, to).
		Row()
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// AverageRealizedPnL averages pnl of trades closed in [from, to)
func (r *Repository) AverageRealizedPnL(ctx context.Context, accountID uint, from, to time.Time) (decimal.Decimal, error) {
	var avg sql.NullFloat64
	row := r.db.WithContext(ctx).
		Model(&models.Trade{}).
		Select("AVG(pnl)").
		Where("account_id = ? AND status = ? AND closed_at >= ? AND closed_at < ?", accountID, models.TradeClosed, from, to).
		Row()
	if err := row.Scan(&avg); err != nil {
		return decimal.Zero, err
	}
	if !avg.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(avg.Float64), nil
}

// CountTradesOpened counts trades opened in [from, to)
func (r *Repository) CountTradesOpened(ctx context.Context, accountID uint, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("account_id = ? AND opened_at >= ? AND opened_at < ?", accountID, from, to).
		Count(&count).Error
	return count, err
}

// LastTradePrice returns the most recent non-zero trade price for the symbol
func (r *Repository) LastTradePrice(ctx context.Context, accountID uint, symbol string) (decimal.Decimal, bool, error) {
	var trade models.Trade
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ? AND price > 0", accountID, symbol).
		Order("opened_at DESC, id DESC").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return trade.Price, true, nil
}

// CreateTrade inserts a trade
func (r *Repository) CreateTrade(ctx context.Context, trade *models.Trade) error {
	return r.db.WithContext(ctx).Create(trade).Error
}

// GetTrade finds a trade by id
func (r *Repository) GetTrade(ctx context.Context, tradeID uint) (*models.Trade, error) {
	var trade models.Trade
	if err := r.db.WithContext(ctx).First(&trade, tradeID).Error; err != nil {
		return nil, notFound(err)
	}
	return &trade, nil
}

// CountTradesForWebhookEvent counts trades created from one webhook event
func (r *Repository) CountTradesForWebhookEvent(ctx context.Context, webhookEventID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("webhook_event_id = ?", webhookEventID).
		Count(&count).Error
	return count, err
}

// Alerts and notifications

// CreateAlert inserts an alert
func (r *Repository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

// AlertsForWebhookEvent lists alerts raised for one webhook event
func (r *Repository) AlertsForWebhookEvent(ctx context.Context, webhookEventID uint) ([]models.Alert, error) {
	var alerts []models.Alert
	err := r.db.WithContext(ctx).
		Where("webhook_event_id = ?", webhookEventID).
		Order("id ASC").
		Find(&alerts).Error
	return alerts, err
}

// CreateNotification stores an in-app notification
func (r *Repository) CreateNotification(ctx context.Context, n *models.Notification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

// ListNotifications returns the user's newest in-app notifications
func (r *Repository) ListNotifications(ctx context.Context, userID uint, limit int) ([]models.Notification, error) {
	var out []models.Notification
	query := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&out).Error
	return out, err
}

// Compliance checks

// SaveComplianceChecks inserts audit rows, ignoring ones already stored for the same event and rule
func (r *Repository) SaveComplianceChecks(ctx context.Context, checks []models.ComplianceCheck) error {
	if len(checks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "webhook_event_id"}, {Name: "rule_id"}},
			DoNothing: true,
		}).
		Create(&checks).Error
}

// ComplianceChecksForEvent lists the audit rows of one webhook event
func (r *Repository) ComplianceChecksForEvent(ctx context.Context, webhookEventID uint) ([]models.ComplianceCheck, error) {
	var checks []models.ComplianceCheck
	err := r.db.WithContext(ctx).
		Where("webhook_event_id = ?", webhookEventID).
		Order("id ASC").
		Find(&checks).Error
	return checks, err
}
