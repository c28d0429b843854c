package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// User represents the owner of a webhook URL, its rules and its history
type User struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	Name         string         `json:"name"`
	Email        string         `json:"email" gorm:"uniqueIndex;not null"`
	Phone        string         `json:"phone,omitempty"`
	WebhookToken string         `json:"-" gorm:"uniqueIndex;not null"` // embedded in the webhook URL
	IsActive     bool           `json:"is_active" gorm:"default:true"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// SubscriptionStatus mirrors the billing provider's subscription states
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription represents a user's billing state
type Subscription struct {
	ID               uint               `json:"id" gorm:"primaryKey"`
	UserID           uint               `json:"user_id" gorm:"uniqueIndex;not null"`
	Plan             string             `json:"plan"`
	Status           SubscriptionStatus `json:"status" gorm:"not null"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
	CanceledAt       *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// IsActiveAt reports whether the subscription entitles the user to webhooks at now
func (s *Subscription) IsActiveAt(now time.Time) bool {
	if s == nil || s.CanceledAt != nil {
		return false
	}
	if s.Status != SubscriptionActive && s.Status != SubscriptionTrialing {
		return false
	}
	return s.CurrentPeriodEnd == nil || s.CurrentPeriodEnd.After(now)
}

// TradingAccount represents a brokerage account a user trades through
type TradingAccount struct {
	ID              uint            `json:"id" gorm:"primaryKey"`
	UserID          uint            `json:"user_id" gorm:"index;not null"`
	Name            string          `json:"name"`
	Broker          string          `json:"broker"`
	Currency        string          `json:"currency" gorm:"default:'USD'"`
	Balance         decimal.Decimal `json:"balance" gorm:"type:decimal(20,8);not null"`
	StartingBalance decimal.Decimal `json:"starting_balance" gorm:"type:decimal(20,8);not null"`
	PeakBalance     decimal.Decimal `json:"peak_balance" gorm:"type:decimal(20,8);not null"`
	IsActive        bool            `json:"is_active" gorm:"default:true"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NotificationPreference represents how and when a user wants to be notified
type NotificationPreference struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	UserID            uint      `json:"user_id" gorm:"uniqueIndex;not null"`
	EmailEnabled      bool      `json:"email_enabled"`
	SMSEnabled        bool      `json:"sms_enabled"`
	InAppEnabled      bool      `json:"in_app_enabled"`
	QuietHoursEnabled bool      `json:"quiet_hours_enabled"`
	QuietHoursStart   string    `json:"quiet_hours_start"` // HH:MM
	QuietHoursEnd     string    `json:"quiet_hours_end"`   // HH:MM
	Timezone          string    `json:"timezone" gorm:"default:'UTC'"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultNotificationPreference is used for users who never stored preferences
func DefaultNotificationPreference(userID uint) NotificationPreference {
	return NotificationPreference{
		UserID:       userID,
		EmailEnabled: true,
		SMSEnabled:   true,
		InAppEnabled: true,
		Timezone:     "UTC",
	}
}
