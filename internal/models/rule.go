package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// RuleType is the closed set of compliance rule kinds
type RuleType string

const (
	RuleDailyLoss    RuleType = "daily_loss"
	RulePositionSize RuleType = "position_size"
	RuleTradingHours RuleType = "trading_hours"
	RuleMaxTrades    RuleType = "max_trades"
	RuleMaxDrawdown  RuleType = "max_drawdown"

	// RuleSystemError is not configurable; it marks fail-closed evaluation failures
	RuleSystemError RuleType = "system_error"
)

// RuleTypes lists every configurable rule kind
var RuleTypes = []RuleType{
	RuleDailyLoss,
	RulePositionSize,
	RuleTradingHours,
	RuleMaxTrades,
	RuleMaxDrawdown,
}

// Valid reports whether t is a configurable rule kind
func (t RuleType) Valid() bool {
	for _, known := range RuleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Enforcement controls whether a breach blocks the trade
type Enforcement string

const (
	EnforcementBlock Enforcement = "block"
	EnforcementAlert Enforcement = "alert"
)

// ComplianceRule represents a user-configured threshold on trading behaviour
type ComplianceRule struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	UserID      uint           `json:"user_id" gorm:"not null;uniqueIndex:idx_rule_user_name"`
	Name        string         `json:"name" gorm:"not null;uniqueIndex:idx_rule_user_name"`
	Type        RuleType       `json:"type" gorm:"not null;index"`
	Threshold   float64        `json:"threshold" gorm:"not null"`
	Enforcement Enforcement    `json:"enforcement" gorm:"default:'block'"`
	IsActive    bool           `json:"is_active" gorm:"default:true"`
	Description string         `json:"description,omitempty"`
	Config      datatypes.JSON `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Blocking reports whether breaching the rule prevents trade creation
func (r *ComplianceRule) Blocking() bool {
	return r.Enforcement != EnforcementAlert
}

// Validate checks the invariants the rule-management surface must uphold
func (r *ComplianceRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unsupported rule type: %s", r.Type)
	}
	if r.Threshold <= 0 && r.Type != RuleTradingHours {
		return fmt.Errorf("rule %s threshold must be positive", r.Name)
	}
	switch r.Enforcement {
	case "", EnforcementBlock, EnforcementAlert:
	default:
		return fmt.Errorf("unsupported enforcement: %s", r.Enforcement)
	}
	if r.Type == RuleTradingHours {
		if _, err := r.TradingHours(); err != nil {
			return err
		}
	}
	return nil
}

// TradingHoursConfig is the config document of a trading_hours rule
type TradingHoursConfig struct {
	Timezone string `json:"timezone"`
	Start    string `json:"start"`              // HH:MM
	End      string `json:"end"`                // HH:MM
	Weekdays []int  `json:"weekdays,omitempty"` // 0=Sunday; empty means every day
}

// DefaultTradingHours is the window applied when a rule stores no config
var DefaultTradingHours = TradingHoursConfig{Timezone: "UTC", Start: "09:30", End: "16:00"}

// TradingHours decodes and validates the trading_hours config document
func (r *ComplianceRule) TradingHours() (TradingHoursConfig, error) {
	if r.Type != RuleTradingHours {
		return TradingHoursConfig{}, fmt.Errorf("rule %s is %s, not %s", r.Name, r.Type, RuleTradingHours)
	}

	cfg := DefaultTradingHours
	if len(r.Config) > 0 && string(r.Config) != "null" {
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return TradingHoursConfig{}, fmt.Errorf("invalid trading_hours config for rule %s: %w", r.Name, err)
		}
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTradingHours.Timezone
	}
	if cfg.Start == "" || cfg.End == "" {
		return TradingHoursConfig{}, fmt.Errorf("trading_hours rule %s requires start and end", r.Name)
	}
	for _, day := range cfg.Weekdays {
		if day < 0 || day > 6 {
			return TradingHoursConfig{}, fmt.Errorf("trading_hours rule %s has invalid weekday %d", r.Name, day)
		}
	}
	return cfg, nil
}
