package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/repository"
	"github.com/Cyvadra/tv-compliance/internal/schedule"
)

// SummaryWindow is the trailing period of the average realized pnl
const SummaryWindow = 30 * 24 * time.Hour

// AccountSummary is the trading state the compliance rules are evaluated against
type AccountSummary struct {
	AccountID        uint            `json:"account_id"`
	Name             string          `json:"name"`
	Balance          decimal.Decimal `json:"balance"`
	StartingBalance  decimal.Decimal `json:"starting_balance"`
	PeakBalance      decimal.Decimal `json:"peak_balance"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	AveragePnL       decimal.Decimal `json:"average_pnl_30d"`
	TradesToday      int64           `json:"trades_today"`
}

// ComplianceSummary lists a user's active rules by kind with the account figures they apply to
type ComplianceSummary struct {
	UserID   uint                                        `json:"user_id"`
	Rules    map[models.RuleType][]models.ComplianceRule `json:"rules"`
	Accounts []AccountSummary                            `json:"accounts"`
	AsOf     time.Time                                   `json:"as_of"`
}

// SummaryService builds read-only compliance summaries
type SummaryService struct {
	repo *repository.Repository
	loc  *time.Location
	now  func() time.Time
}

// NewSummaryService creates a summary service; loc defines the trading day
func NewSummaryService(repo *repository.Repository, loc *time.Location) *SummaryService {
	if loc == nil {
		loc = time.UTC
	}
	return &SummaryService{repo: repo, loc: loc, now: time.Now}
}

// ComplianceSummary reports the user's active rules and per-account trading figures
func (s *SummaryService) ComplianceSummary(ctx context.Context, userID uint) (*ComplianceSummary, error) {
	now := s.now().UTC()
	summary := &ComplianceSummary{
		UserID:   userID,
		Rules:    make(map[models.RuleType][]models.ComplianceRule),
		Accounts: []AccountSummary{},
		AsOf:     now,
	}

	for _, kind := range models.RuleTypes {
		rules, err := s.repo.ActiveRulesByType(ctx, userID, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s rules: %w", kind, err)
		}
		if len(rules) > 0 {
			summary.Rules[kind] = rules
		}
	}

	accounts, err := s.repo.ActiveTradingAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trading accounts: %w", err)
	}

	dayStart, dayEnd := schedule.DayBounds(now, s.loc)
	dayStart, dayEnd = dayStart.UTC(), dayEnd.UTC()
	for _, account := range accounts {
		today, err := s.repo.RealizedPnL(ctx, account.ID, dayStart, dayEnd)
		if err != nil {
			return nil, fmt.Errorf("failed to sum realized pnl: %w", err)
		}
		avg, err := s.repo.AverageRealizedPnL(ctx, account.ID, now.Add(-SummaryWindow), now)
		if err != nil {
			return nil, fmt.Errorf("failed to average realized pnl: %w", err)
		}
		trades, err := s.repo.CountTradesOpened(ctx, account.ID, dayStart, dayEnd)
		if err != nil {
			return nil, fmt.Errorf("failed to count trades: %w", err)
		}

		summary.Accounts = append(summary.Accounts, AccountSummary{
			AccountID:        account.ID,
			Name:             account.Name,
			Balance:          account.Balance,
			StartingBalance:  account.StartingBalance,
			PeakBalance:      account.PeakBalance,
			RealizedPnLToday: today,
			AveragePnL:       avg,
			TradesToday:      trades,
		})
	}

	return summary, nil
}
