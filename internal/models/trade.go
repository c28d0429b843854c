package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle of a recorded trade
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// Trade represents a trade recorded after a webhook passed compliance
type Trade struct {
	ID             uint            `json:"id" gorm:"primaryKey"`
	UserID         uint            `json:"user_id" gorm:"not null;index"`
	AccountID      uint            `json:"account_id" gorm:"not null;index:idx_trade_account_opened"`
	WebhookEventID *uint           `json:"webhook_event_id,omitempty" gorm:"index"`
	Symbol         string          `json:"symbol" gorm:"not null"`
	Side           string          `json:"side" gorm:"not null"` // buy, sell, close
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8);not null"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(20,8)"`
	OrderType      string          `json:"order_type" gorm:"default:'market'"`
	Source         WebhookSource   `json:"source"`
	Status         TradeStatus     `json:"status" gorm:"not null;index;default:'open'"`
	PnL            decimal.Decimal `json:"pnl" gorm:"type:decimal(20,8)"`
	OpenedAt       time.Time       `json:"opened_at" gorm:"not null;index:idx_trade_account_opened"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" gorm:"index"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
