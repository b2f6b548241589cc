package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/bracketbot/internal/types"
)

// OutcomeNotifier turns resolved positions into trade summaries and
// delivers them through an Alerter.
type OutcomeNotifier struct {
	alerter Alerter
	venue   string
	logger  *slog.Logger
}

// NewOutcomeNotifier creates a notifier. venue names the exchange adapter
// that traded the position.
func NewOutcomeNotifier(alerter Alerter, venue string, logger *slog.Logger) *OutcomeNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeNotifier{alerter: alerter, venue: venue, logger: logger}
}

// NotifyOutcome sends the trade summary for o.
func (n *OutcomeNotifier) NotifyOutcome(ctx context.Context, o types.Outcome) error {
	severity := SeverityInfo
	if o.Escalation != "" {
		severity = SeverityHigh
	}

	if err := n.alerter.Alert(ctx, severity, OutcomeTitle(o), OutcomeFields(o, n.venue)...); err != nil {
		return fmt.Errorf("notify outcome %s: %w", o.ID, err)
	}
	n.logger.Debug("outcome notification sent", "outcome_id", o.ID, "alerter", n.alerter.Name())
	return nil
}

// OutcomeTitle is the headline of a trade summary.
func OutcomeTitle(o types.Outcome) string {
	mark := "✅"
	if !o.IsWin() {
		mark = "❌"
	}
	return fmt.Sprintf("%s %s %s closed by %s", mark, o.Direction, o.Symbol, exitLegLabel(o.ExitLeg))
}

// OutcomeFields lists the trade summary in display order.
func OutcomeFields(o types.Outcome, venue string) []any {
	fields := []any{
		"Direction", o.Direction.String(),
		"Pair", o.Symbol,
		"Indicator", valueOr(o.Source.Indicator, "-"),
		"Exchange", valueOr(o.Source.Exchange, "-"),
		"Last Close", o.Source.Close.String(),
		"Trader", venue,
		"Quantity", o.Quantity.String(),
		"Leverage", fmt.Sprintf("%dx", o.Leverage),
		"Entry Price", o.EntryPrice.String(),
		"Stop Price", o.Levels.StopTrigger.String(),
		"TP Price", o.Levels.TakeProfit.String(),
		"Exit Price", o.ExitPrice.String(),
		"PnL", o.PnLPercent.StringFixed(2) + "%",
		"Held", o.ClosedAt.Sub(o.OpenedAt).Round(time.Second).String(),
	}
	if o.Escalation != "" {
		fields = append(fields, "Escalation", o.Escalation)
	}
	return fields
}

func exitLegLabel(leg types.ExitLeg) string {
	switch leg {
	case types.ExitLegStop:
		return "stop"
	case types.ExitLegTakeProfit:
		return "take profit"
	case types.ExitLegFlatten:
		return "emergency flatten"
	default:
		return string(leg)
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
