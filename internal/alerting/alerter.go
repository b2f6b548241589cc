// Package alerting provides notification capabilities for the trading bot.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages such as trade outcomes.
	SeverityInfo Severity = iota
	// SeverityWarning is for aborted entries and degraded channels.
	SeverityWarning
	// SeverityHigh is for problems that may need a manual look.
	SeverityHigh
	// SeverityCritical is for positions that were flattened or left unprotected.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message. Fields are
	// alternating key/value pairs rendered in order.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// Pairs converts variadic key/value arguments into fields. Non-string keys
// and a trailing orphan are dropped.
func Pairs(fields ...any) []Field {
	out := make([]Field, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		out = append(out, Field{Key: key, Value: fields[i+1]})
	}
	return out
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for _, f := range Pairs(fields...) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", f.Key, f.Value)
	}
	return b.String()
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	EventBotStarted       AlertEvent = "bot_started"
	EventBotStopped       AlertEvent = "bot_stopped"
	EventEntryFailed      AlertEvent = "entry_failed"
	EventPositionResolved AlertEvent = "position_resolved"
	EventPartialBracket   AlertEvent = "partial_bracket"
	EventLegRejected      AlertEvent = "leg_rejected"
	EventExchangeDown     AlertEvent = "exchange_down"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventPartialBracket, EventLegRejected:
		return SeverityCritical
	case EventExchangeDown:
		return SeverityHigh
	case EventEntryFailed:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
