package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UserConfig represents the users seeded into the store at startup
type UserConfig struct {
	Users []UserConfigEntry `yaml:"users"`
}

// UserConfigEntry represents a single user configuration
type UserConfigEntry struct {
	Name         string             `yaml:"name"`
	Email        string             `yaml:"email"`
	Phone        string             `yaml:"phone,omitempty"`
	WebhookToken string             `yaml:"webhook_token,omitempty"` // generated when empty
	IsActive     *bool              `yaml:"is_active,omitempty"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Accounts     []AccountConfig    `yaml:"accounts"`
	Rules        []RuleConfig       `yaml:"rules"`
	Preferences  *PreferenceConfig  `yaml:"preferences,omitempty"`
}

// SubscriptionConfig represents a user's billing state
type SubscriptionConfig struct {
	Plan             string     `yaml:"plan"`
	Status           string     `yaml:"status"` // active, trialing, past_due, canceled
	CurrentPeriodEnd *time.Time `yaml:"current_period_end,omitempty"`
}

// AccountConfig represents a trading account owned by the user
type AccountConfig struct {
	Name            string  `yaml:"name"`
	Broker          string  `yaml:"broker"`
	Currency        string  `yaml:"currency,omitempty"`
	Balance         float64 `yaml:"balance"`
	StartingBalance float64 `yaml:"starting_balance"`
	IsActive        *bool   `yaml:"is_active,omitempty"`
}

// RuleConfig represents a compliance rule
type RuleConfig struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"` // daily_loss, position_size, trading_hours, max_trades, max_drawdown
	Threshold   float64        `yaml:"threshold"`
	Enforcement string         `yaml:"enforcement,omitempty"` // block, alert
	IsActive    *bool          `yaml:"is_active,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Config      map[string]any `yaml:"config,omitempty"`
}

// PreferenceConfig represents notification preferences
type PreferenceConfig struct {
	EmailEnabled      bool   `yaml:"email_enabled"`
	SMSEnabled        bool   `yaml:"sms_enabled"`
	InAppEnabled      bool   `yaml:"in_app_enabled"`
	QuietHoursEnabled bool   `yaml:"quiet_hours_enabled"`
	QuietHoursStart   string `yaml:"quiet_hours_start,omitempty"`
	QuietHoursEnd     string `yaml:"quiet_hours_end,omitempty"`
	Timezone          string `yaml:"timezone,omitempty"`
}

// LoadUserConfig loads user configuration from a YAML file
func LoadUserConfig(filename string) (*UserConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read user config file: %w", err)
	}

	var config UserConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse user config file: %w", err)
	}

	return &config, nil
}

// SaveUserConfig saves user configuration to a YAML file
func SaveUserConfig(config *UserConfig, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write user config file: %w", err)
	}

	return nil
}

// Enabled reports the value of an optional is_active flag, which defaults to true
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}
