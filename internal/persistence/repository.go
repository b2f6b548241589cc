// Package persistence provides the order and outcome journal.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/types"
)

// Order roles.
const (
	RoleEntry      = "entry"
	RoleStop       = "stop"
	RoleTakeProfit = "take_profit"
	RoleFlatten    = "flatten"
)

// Journal records what the bot did. It is an audit trail only; nothing
// is restored from it on startup.
type Journal interface {
	SaveOrder(ctx context.Context, order OrderRecord) error
	ListOrders(ctx context.Context, signalID string) ([]OrderRecord, error)

	SaveOutcome(ctx context.Context, outcome types.Outcome) error
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]types.Outcome, error)
	Stats(ctx context.Context, filter OutcomeFilter) (Stats, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// OrderRecord is a journaled order submission.
type OrderRecord struct {
	ID        int64
	SignalID  string
	Symbol    string
	Role      string
	OrderID   string
	Side      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Status    string
	CreatedAt time.Time
}

// OutcomeFilter narrows outcome queries. Zero values match everything.
type OutcomeFilter struct {
	Symbol string
	Since  time.Time
	Limit  int
}

// Stats summarises journaled outcomes.
type Stats struct {
	Trades          int
	Wins            int
	Losses          int
	Escalations     int
	TotalPnLPercent decimal.Decimal
	BestPnLPercent  decimal.Decimal
	WorstPnLPercent decimal.Decimal
}

// WinRate returns wins as a percentage of trades.
func (s Stats) WinRate() decimal.Decimal {
	if s.Trades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Wins)).
		Div(decimal.NewFromInt(int64(s.Trades))).
		Mul(decimal.NewFromInt(100))
}

// Summarize computes stats over outcomes.
func Summarize(outcomes []types.Outcome) Stats {
	var s Stats
	for i, o := range outcomes {
		s.Trades++
		if o.IsWin() {
			s.Wins++
		} else {
			s.Losses++
		}
		if o.Escalation != "" {
			s.Escalations++
		}
		s.TotalPnLPercent = s.TotalPnLPercent.Add(o.PnLPercent)
		if i == 0 || o.PnLPercent.GreaterThan(s.BestPnLPercent) {
			s.BestPnLPercent = o.PnLPercent
		}
		if i == 0 || o.PnLPercent.LessThan(s.WorstPnLPercent) {
			s.WorstPnLPercent = o.PnLPercent
		}
	}
	return s
}
