// Package compliance evaluates trade alerts against a user's compliance rules.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/parser"
	"github.com/Cyvadra/tv-compliance/internal/schedule"
)

// Violation is a rule breach. Only violations with ShouldBlock prevent the trade.
type Violation struct {
	RuleID      uint            `json:"rule_id,omitempty"`
	RuleName    string          `json:"rule_name,omitempty"`
	RuleType    models.RuleType `json:"rule_type"`
	Message     string          `json:"message"`
	Severity    models.Severity `json:"severity"`
	ShouldBlock bool            `json:"should_block"`
}

// RuleCheck is the audit outcome of evaluating one rule
type RuleCheck struct {
	RuleID    uint                `json:"rule_id"`
	RuleName  string              `json:"rule_name"`
	RuleType  models.RuleType     `json:"rule_type"`
	Outcome   models.CheckOutcome `json:"outcome"`
	Severity  models.Severity     `json:"severity,omitempty"`
	Message   string              `json:"message,omitempty"`
	Observed  float64             `json:"observed"`
	Threshold float64             `json:"threshold"`
}

// Result is the decision for one alert
type Result struct {
	AllowTrade  bool        `json:"allow_trade"`
	IsViolation bool        `json:"is_violation"`
	Violations  []Violation `json:"violations"`
	Warnings    []string    `json:"warnings"`
	Checks      []RuleCheck `json:"checks"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// BlockingViolations returns the violations that prevented the trade
func (r *Result) BlockingViolations() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.ShouldBlock {
			out = append(out, v)
		}
	}
	return out
}

// AdvisoryViolations returns the violations recorded without blocking
func (r *Result) AdvisoryViolations() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if !v.ShouldBlock {
			out = append(out, v)
		}
	}
	return out
}

func (r *Result) finalize() {
	r.AllowTrade = true
	for _, v := range r.Violations {
		if v.ShouldBlock {
			r.AllowTrade = false
			break
		}
	}
	r.IsViolation = len(r.Violations) > 0
}

// Options configure threshold banding and the evaluation clock
type Options struct {
	// Location defines the calendar day for daily aggregates
	Location      *time.Location
	WarningRatio  float64
	CriticalRatio float64
	Now           func() time.Time
}

// Engine holds evaluation settings only; it keeps no per-user state
type Engine struct {
	loc           *time.Location
	warningRatio  float64
	criticalRatio float64
	now           func() time.Time
	logger        zerolog.Logger
}

// NewEngine creates a compliance engine
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	e := &Engine{
		loc:           opts.Location,
		warningRatio:  opts.WarningRatio,
		criticalRatio: opts.CriticalRatio,
		now:           opts.Now,
		logger:        logger.With().Str("component", "compliance").Logger(),
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.warningRatio <= 0 || e.warningRatio >= 1 {
		e.warningRatio = 0.8
	}
	if e.criticalRatio < 1 {
		e.criticalRatio = 1.5
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ValidateTrade evaluates every active rule of the user against alert.
// Rules are evaluated in creation order without short-circuiting. A store
// that is also an AccountLocker has the account locked before any read.
// When the store fails the result fails closed: it carries a blocking
// system_error violation and the returned error wraps ErrEvaluationUnavailable.
func (e *Engine) ValidateTrade(ctx context.Context, store Store, userID, accountID uint, alert *parser.TradeAlert) (*Result, error) {
	now := e.now()
	result := &Result{Violations: []Violation{}, Warnings: []string{}, Checks: []RuleCheck{}, EvaluatedAt: now}

	if userID == 0 || accountID == 0 || alert == nil {
		return e.failClosed(result, fmt.Errorf("%w: user, account and alert are required", ErrEvaluationUnavailable))
	}

	if locker, ok := store.(AccountLocker); ok {
		if err := locker.LockTradingAccount(ctx, userID, accountID); err != nil {
			return e.failClosed(result, fmt.Errorf("%w: failed to lock trading account: %v", ErrEvaluationUnavailable, err))
		}
	}

	rules, err := store.ActiveRules(ctx, userID)
	if err != nil {
		return e.failClosed(result, fmt.Errorf("%w: failed to load rules: %v", ErrEvaluationUnavailable, err))
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	dayStart, dayEnd := schedule.DayBounds(now, e.loc)
	ev := &evaluation{
		ctx:       ctx,
		store:     store,
		engine:    e,
		userID:    userID,
		accountID: accountID,
		alert:     alert,
		now:       now,
		dayStart:  dayStart,
		dayEnd:    dayEnd,
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.IsActive {
			continue
		}

		evaluate, ok := evaluators[rule.Type]
		if !ok {
			outcome := ruleOutcome{
				Outcome: models.CheckWarn,
				Message: fmt.Sprintf("Rule %q has unsupported type %s and was skipped", rule.Name, rule.Type),
			}
			e.record(result, rule, outcome)
			continue
		}

		outcome, err := evaluate(ev, rule)
		if err != nil {
			result.Checks = append(result.Checks, RuleCheck{
				RuleID:    rule.ID,
				RuleName:  rule.Name,
				RuleType:  rule.Type,
				Outcome:   models.CheckError,
				Severity:  models.SeverityCritical,
				Message:   "Rule could not be evaluated",
				Threshold: rule.Threshold,
			})
			return e.failClosed(result, fmt.Errorf("%w: rule %q: %v", ErrEvaluationUnavailable, rule.Name, err))
		}
		e.record(result, rule, outcome)
	}

	result.finalize()

	e.logger.Debug().
		Uint("user_id", userID).
		Uint("account_id", accountID).
		Str("symbol", alert.Symbol).
		Int("rules", len(rules)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Bool("allow_trade", result.AllowTrade).
		Msg("Trade validated")

	return result, nil
}

func (e *Engine) record(result *Result, rule *models.ComplianceRule, outcome ruleOutcome) {
	result.Checks = append(result.Checks, RuleCheck{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		RuleType:  rule.Type,
		Outcome:   outcome.Outcome,
		Severity:  outcome.Severity,
		Message:   outcome.Message,
		Observed:  outcome.Observed,
		Threshold: rule.Threshold,
	})

	switch outcome.Outcome {
	case models.CheckFail:
		result.Violations = append(result.Violations, Violation{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			RuleType:    rule.Type,
			Message:     outcome.Message,
			Severity:    outcome.Severity,
			ShouldBlock: rule.Blocking(),
		})
	case models.CheckWarn:
		result.Warnings = append(result.Warnings, outcome.Message)
	}
}

func (e *Engine) failClosed(result *Result, err error) (*Result, error) {
	result.Violations = append(result.Violations, Violation{
		RuleType:    models.RuleSystemError,
		Message:     "Compliance rules could not be evaluated; trade blocked",
		Severity:    models.SeverityCritical,
		ShouldBlock: true,
	})
	result.Checks = append(result.Checks, RuleCheck{
		RuleType: models.RuleSystemError,
		Outcome:  models.CheckError,
		Severity: models.SeverityCritical,
		Message:  "Compliance rules could not be evaluated",
	})
	result.finalize()

	e.logger.Error().Err(err).Msg("Compliance evaluation failed closed")
	return result, err
}

// LogComplianceCheck persists one audit row per evaluated rule for the
// webhook event. Logging the same event twice stores nothing new.
func (e *Engine) LogComplianceCheck(ctx context.Context, store Store, webhookEventID uint, result *Result) error {
	if webhookEventID == 0 {
		return errors.New("webhook event id is required")
	}
	if result == nil || len(result.Checks) == 0 {
		return nil
	}

	// One row per rule; a later outcome for the same rule (an error after a
	// partial evaluation) supersedes the earlier one
	index := make(map[uint]int, len(result.Checks))
	rows := make([]models.ComplianceCheck, 0, len(result.Checks))
	for _, check := range result.Checks {
		row := models.ComplianceCheck{
			WebhookEventID: webhookEventID,
			RuleID:         check.RuleID,
			RuleType:       check.RuleType,
			RuleName:       check.RuleName,
			Outcome:        check.Outcome,
			Severity:       check.Severity,
			Message:        check.Message,
			ObservedValue:  check.Observed,
			Threshold:      check.Threshold,
			CreatedAt:      result.EvaluatedAt,
		}
		if i, seen := index[check.RuleID]; seen {
			rows[i] = row
			continue
		}
		index[check.RuleID] = len(rows)
		rows = append(rows, row)
	}

	if err := store.SaveComplianceChecks(ctx, rows); err != nil {
		return fmt.Errorf("failed to log compliance checks for webhook event %d: %w", webhookEventID, err)
	}
	return nil
}

// severity scales with how far past the threshold the observed value is
func (e *Engine) severity(ratio float64) models.Severity {
	if ratio >= e.criticalRatio {
		return models.SeverityCritical
	}
	return models.SeverityHigh
}

func ratio(value, threshold decimal.Decimal) float64 {
	if threshold.IsZero() {
		return 0
	}
	return value.Div(threshold).InexactFloat64()
}
