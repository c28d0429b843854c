package models

import (
	"time"
)

// CheckOutcome is the per-rule result recorded in the audit trail
type CheckOutcome string

const (
	CheckPass  CheckOutcome = "pass"
	CheckWarn  CheckOutcome = "warn"
	CheckFail  CheckOutcome = "fail"
	CheckError CheckOutcome = "error"
)

// ComplianceCheck is one audit row per rule evaluated for a webhook event.
// (webhook_event_id, rule_id) is unique so re-logging an event is a no-op.
type ComplianceCheck struct {
	ID             uint         `json:"id" gorm:"primaryKey"`
	WebhookEventID uint         `json:"webhook_event_id" gorm:"not null;uniqueIndex:idx_check_event_rule"`
	RuleID         uint         `json:"rule_id" gorm:"not null;uniqueIndex:idx_check_event_rule"`
	RuleType       RuleType     `json:"rule_type" gorm:"not null"`
	RuleName       string       `json:"rule_name"`
	Outcome        CheckOutcome `json:"outcome" gorm:"not null"`
	Severity       Severity     `json:"severity,omitempty"`
	Message        string       `json:"message,omitempty"`
	ObservedValue  float64      `json:"observed_value"`
	Threshold      float64      `json:"threshold"`
	CreatedAt      time.Time    `json:"created_at"`
}
