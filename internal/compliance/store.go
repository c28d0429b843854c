package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Cyvadra/tv-compliance/internal/models"
)

// ErrEvaluationUnavailable means rules could not be evaluated; the trade is blocked
var ErrEvaluationUnavailable = errors.New("compliance evaluation unavailable")

// Store is the persistence the engine reads rules and trading history from.
// Callers pass a transaction-scoped implementation when evaluation must be
// atomic with the writes that follow it.
type Store interface {
	// ActiveRules returns the user's active rules in creation order
	ActiveRules(ctx context.Context, userID uint) ([]models.ComplianceRule, error)
	GetTradingAccount(ctx context.Context, userID, accountID uint) (*models.TradingAccount, error)
	// RealizedPnL sums pnl of trades closed in [from, to)
	RealizedPnL(ctx context.Context, accountID uint, from, to time.Time) (decimal.Decimal, error)
	// CountTradesOpened counts trades opened in [from, to)
	CountTradesOpened(ctx context.Context, accountID uint, from, to time.Time) (int64, error)
	LastTradePrice(ctx context.Context, accountID uint, symbol string) (decimal.Decimal, bool, error)
	// SaveComplianceChecks must ignore rows already stored for the same event and rule
	SaveComplianceChecks(ctx context.Context, checks []models.ComplianceCheck) error
}

// AccountLocker serializes evaluations of one account. A transaction-scoped
// store holds the lock until commit, so concurrent alerts for the account
// see each other's trades.
type AccountLocker interface {
	LockTradingAccount(ctx context.Context, userID, accountID uint) error
}
