package models

import (
	"time"
)

// AlertType categorises a user-facing alert
type AlertType string

const (
	AlertViolation AlertType = "violation"
	AlertHealth    AlertType = "webhook_health"
)

// Severity is shared by violations, alerts and notifications
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert represents a persisted alert shown on the user's dashboard
type Alert struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	UserID         uint      `json:"user_id" gorm:"not null;index"`
	WebhookEventID *uint     `json:"webhook_event_id,omitempty" gorm:"index"`
	Type           AlertType `json:"type" gorm:"not null"`
	RuleType       RuleType  `json:"rule_type,omitempty"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	IsRead         bool      `json:"is_read" gorm:"default:false"`
	CreatedAt      time.Time `json:"created_at"`
}
