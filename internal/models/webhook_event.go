package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookSource identifies where a webhook delivery came from
type WebhookSource string

const (
	SourceTradingView WebhookSource = "tradingview"
	SourceTest        WebhookSource = "test"
	SourceAPI         WebhookSource = "api"
)

// ParseWebhookSource maps a caller-supplied source, defaulting to tradingview
func ParseWebhookSource(s string) (WebhookSource, bool) {
	switch WebhookSource(s) {
	case "", SourceTradingView:
		return SourceTradingView, true
	case SourceAPI:
		return SourceAPI, true
	case SourceTest:
		return SourceTest, true
	}
	return "", false
}

// WebhookStatus is the lifecycle state of a WebhookEvent
type WebhookStatus string

const (
	StatusProcessing WebhookStatus = "processing"
	StatusProcessed  WebhookStatus = "processed"
	StatusRejected   WebhookStatus = "rejected"
	StatusFailed     WebhookStatus = "failed"
)

// Terminal reports whether no further transition is allowed
func (s WebhookStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusRejected || s == StatusFailed
}

// WebhookEvent is the durable audit record of one inbound webhook delivery
type WebhookEvent struct {
	ID                    uint           `json:"id" gorm:"primaryKey"`
	UserID                uint           `json:"user_id" gorm:"not null;index:idx_event_user_created"`
	UserTradingAccountID  uint           `json:"user_trading_account_id" gorm:"not null;index"`
	Source                WebhookSource  `json:"source" gorm:"not null"`
	RawPayload            datatypes.JSON `json:"raw_payload"`
	ParsedData            datatypes.JSON `json:"parsed_data"`
	Symbol                string         `json:"symbol" gorm:"index"`
	Action                string         `json:"action"`
	Quantity              float64        `json:"quantity"`
	Price                 *float64       `json:"price,omitempty"`
	StopLoss              *float64       `json:"stop_loss,omitempty"`
	TakeProfit            *float64       `json:"take_profit,omitempty"`
	Status                WebhookStatus  `json:"status" gorm:"not null;index;default:'processing'"`
	IsComplianceViolation bool           `json:"is_compliance_violation"`
	ProcessingError       string         `json:"processing_error,omitempty"`
	TradeID               *uint          `json:"trade_id,omitempty"`
	CreatedAt             time.Time      `json:"created_at" gorm:"index:idx_event_user_created"`
	ProcessedAt           *time.Time     `json:"processed_at,omitempty"`
}

// ResponseTime is the processing latency, when the event reached a terminal state
func (e *WebhookEvent) ResponseTime() (time.Duration, bool) {
	if e.ProcessedAt == nil || e.CreatedAt.IsZero() {
		return 0, false
	}
	return e.ProcessedAt.Sub(e.CreatedAt), true
}
