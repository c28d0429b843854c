package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/parser"
	"github.com/Cyvadra/tv-compliance/internal/schedule"
)

// ruleOutcome is what an evaluator concludes about one rule
type ruleOutcome struct {
	Outcome  models.CheckOutcome
	Severity models.Severity
	Message  string
	Observed float64
}

// evaluator returns an error only when the store fails
type evaluator func(ev *evaluation, rule *models.ComplianceRule) (ruleOutcome, error)

// evaluators has one entry per models.RuleTypes kind
var evaluators = map[models.RuleType]evaluator{
	models.RuleDailyLoss:    evaluateDailyLoss,
	models.RulePositionSize: evaluatePositionSize,
	models.RuleTradingHours: evaluateTradingHours,
	models.RuleMaxTrades:    evaluateMaxTrades,
	models.RuleMaxDrawdown:  evaluateMaxDrawdown,
}

// evaluation memoizes store reads shared by several rules of one request
type evaluation struct {
	ctx       context.Context
	store     Store
	engine    *Engine
	userID    uint
	accountID uint
	alert     *parser.TradeAlert
	now       time.Time
	dayStart  time.Time
	dayEnd    time.Time

	account     *models.TradingAccount
	pnl         *decimal.Decimal
	tradesToday *int64
}

func (ev *evaluation) tradingAccount() (*models.TradingAccount, error) {
	if ev.account == nil {
		account, err := ev.store.GetTradingAccount(ev.ctx, ev.userID, ev.accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load trading account %d: %w", ev.accountID, err)
		}
		ev.account = account
	}
	return ev.account, nil
}

func (ev *evaluation) realizedPnLToday() (decimal.Decimal, error) {
	if ev.pnl == nil {
		pnl, err := ev.store.RealizedPnL(ev.ctx, ev.accountID, ev.dayStart.UTC(), ev.dayEnd.UTC())
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to sum realized pnl: %w", err)
		}
		ev.pnl = &pnl
	}
	return *ev.pnl, nil
}

func (ev *evaluation) tradesOpenedToday() (int64, error) {
	if ev.tradesToday == nil {
		count, err := ev.store.CountTradesOpened(ev.ctx, ev.accountID, ev.dayStart.UTC(), ev.dayEnd.UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to count trades: %w", err)
		}
		ev.tradesToday = &count
	}
	return *ev.tradesToday, nil
}

func pass(observed float64) ruleOutcome {
	return ruleOutcome{Outcome: models.CheckPass, Observed: observed}
}

func evaluateDailyLoss(ev *evaluation, rule *models.ComplianceRule) (ruleOutcome, error) {
	pnl, err := ev.realizedPnLToday()
	if err != nil {
		return ruleOutcome{}, err
	}

	loss := decimal.Zero
	if pnl.IsNegative() {
		loss = pnl.Neg()
	}
	threshold := decimal.NewFromFloat(rule.Threshold)
	r := ratio(loss, threshold)
	observed := loss.InexactFloat64()

	switch {
	case r >= 1:
		return ruleOutcome{
			Outcome:  models.CheckFail,
			Severity: ev.engine.severity(r),
			Message: fmt.Sprintf("Daily loss limit exceeded: lost %s today, limit is %s",
				loss.StringFixed(2), threshold.StringFixed(2)),
			Observed: observed,
		}, nil
	case r >= ev.engine.warningRatio:
		return ruleOutcome{
			Outcome:  models.CheckWarn,
			Severity: models.SeverityMedium,
			Message: fmt.Sprintf("Approaching daily loss limit: lost %s of %s (%.0f%%)",
				loss.StringFixed(2), threshold.StringFixed(2), r*100),
			Observed: observed,
		}, nil
	}
	return pass(observed), nil
}

func evaluatePositionSize(ev *evaluation, rule *models.ComplianceRule) (ruleOutcome, error) {
	account, err := ev.tradingAccount()
	if err != nil {
		return ruleOutcome{}, err
	}
	if !account.Balance.IsPositive() {
		return ruleOutcome{
			Outcome:  models.CheckFail,
			Severity: models.SeverityHigh,
			Message:  fmt.Sprintf("Position size cannot be checked: account %s has no positive balance", account.Name),
		}, nil
	}

	var price decimal.Decimal
	if ev.alert.Price != nil {
		price = decimal.NewFromFloat(*ev.alert.Price)
	} else {
		last, ok, err := ev.store.LastTradePrice(ev.ctx, ev.accountID, ev.alert.Symbol)
		if err != nil {
			return ruleOutcome{}, fmt.Errorf("failed to load last price for %s: %w", ev.alert.Symbol, err)
		}
		if !ok {
			return ruleOutcome{
				Outcome:  models.CheckWarn,
				Severity: models.SeverityLow,
				Message:  fmt.Sprintf("Position size not checked: no price known for %s", ev.alert.Symbol),
			}, nil
		}
		price = last
	}

	notional := decimal.NewFromFloat(ev.alert.Quantity).Mul(price)
	pct := notional.Div(account.Balance).Mul(decimal.NewFromInt(100))
	threshold := decimal.NewFromFloat(rule.Threshold)
	r := ratio(pct, threshold)
	observed := pct.InexactFloat64()

	switch {
	case r > 1:
		return ruleOutcome{
			Outcome:  models.CheckFail,
			Severity: ev.engine.severity(r),
			Message: fmt.Sprintf("Position size %s%% of balance exceeds limit of %s%% (%s %s)",
				pct.StringFixed(2), threshold.StringFixed(2), notional.StringFixed(2), account.Currency),
			Observed: observed,
		}, nil
	case r >= ev.engine.warningRatio:
		return ruleOutcome{
			Outcome:  models.CheckWarn,
			Severity: models.SeverityMedium,
			Message: fmt.Sprintf("Position size %s%% of balance is close to limit of %s%%",
				pct.StringFixed(2), threshold.StringFixed(2)),
			Observed: observed,
		}, nil
	}
	return pass(observed), nil
}

func evaluateTradingHours(ev *evaluation, rule *models.ComplianceRule) (ruleOutcome, error) {
	cfg, err := rule.TradingHours()
	if err != nil {
		return ruleOutcome{Outcome: models.CheckFail, Severity: models.SeverityHigh, Message: err.Error()}, nil
	}
	window, err := schedule.ParseWindow(cfg.Start, cfg.End, cfg.Timezone)
	if err != nil {
		return ruleOutcome{
			Outcome:  models.CheckFail,
			Severity: models.SeverityHigh,
			Message:  fmt.Sprintf("Trading hours rule %q is misconfigured: %v", rule.Name, err),
		}, nil
	}
	for _, day := range cfg.Weekdays {
		window.Weekdays = append(window.Weekdays, time.Weekday(day))
	}

	if !window.Contains(ev.now) {
		return ruleOutcome{
			Outcome:  models.CheckFail,
			Severity: models.SeverityHigh,
			Message: fmt.Sprintf("Trading outside allowed hours (%s): current time %s",
				window, ev.now.In(window.Location).Format("Mon 15:04")),
		}, nil
	}
	return pass(0), nil
}

func evaluateMaxTrades(ev *evaluation, rule *models.ComplianceRule) (ruleOutcome, error) {
	count, err := ev.tradesOpenedToday()
	if err != nil {
		return ruleOutcome{}, err
	}

	r := float64(count) / rule.Threshold
	switch {
	case r >= 1:
		return ruleOutcome{
			Outcome:  models.CheckFail,
			Severity: models.SeverityHigh,
			Message:  fmt.Sprintf("Maximum daily trades reached: %d of %.0f", count, rule.Threshold),
			Observed: float64(count),
		}, nil
	case r >= ev.engine.warningRatio:
		return ruleOutcome{
			Outcome:  models.CheckWarn,
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("Approaching maximum daily trades: %d of %.0f used", count, rule.Threshold),
			Observed: float64(count),
		}, nil
	}
	return pass(float64(count)), nil
}

func evaluateMaxDrawdown(ev *evaluation, rule *models.ComplianceRule) (ruleOutcome, error) {
	account, err := ev.tradingAccount()
	if err != nil {
		return ruleOutcome{}, err
	}

	// Drawdown runs from the highest balance seen, never below the starting balance
	peak := decimal.Max(account.StartingBalance, account.PeakBalance)
	if !peak.IsPositive() {
		return ruleOutcome{
			Outcome:  models.CheckWarn,
			Severity: models.SeverityLow,
			Message:  fmt.Sprintf("Drawdown not checked: account %s has no starting balance", account.Name),
		}, nil
	}

	drawdown := peak.Sub(account.Balance)
	if drawdown.IsNegative() {
		drawdown = decimal.Zero
	}
	pct := drawdown.Div(peak).Mul(decimal.NewFromInt(100))
	threshold := decimal.NewFromFloat(rule.Threshold)
	r := ratio(pct, threshold)
	observed := pct.InexactFloat64()

	switch {
	case r >= 1:
		return ruleOutcome{
			Outcome:  models.CheckFail,
			Severity: ev.engine.severity(r),
			Message: fmt.Sprintf("Maximum drawdown exceeded: %s%% below peak, limit is %s%%",
				pct.StringFixed(2), threshold.StringFixed(2)),
			Observed: observed,
		}, nil
	case r >= ev.engine.warningRatio:
		return ruleOutcome{
			Outcome:  models.CheckWarn,
			Severity: models.SeverityMedium,
			Message: fmt.Sprintf("Approaching maximum drawdown: %s%% of %s%% allowed",
				pct.StringFixed(2), threshold.StringFixed(2)),
			Observed: observed,
		}, nil
	}
	return pass(observed), nil
}
