package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordSignal records a signal accepted for execution.
func (r *Recorder) RecordSignal(symbol, direction string) {
	SignalsReceived.WithLabelValues(symbol, direction).Inc()
}

// RecordSignalRejected records a signal being rejected.
func (r *Recorder) RecordSignalRejected(reason string) {
	SignalsRejected.WithLabelValues(reason).Inc()
}

// RecordOrder records an order metric.
func (r *Recorder) RecordOrder(symbol, role, status string) {
	OrdersTotal.WithLabelValues(symbol, role, status).Inc()
}

// RecordOrderLatency records order execution latency.
func (r *Recorder) RecordOrderLatency(duration time.Duration) {
	OrderLatency.Observe(duration.Seconds())
}

// RecordPositionOpened records a position entering exit management.
func (r *Recorder) RecordPositionOpened(symbol, direction string) {
	PositionsOpen.WithLabelValues(symbol, direction).Inc()
}

// RecordPositionClosed records a position leaving exit management.
func (r *Recorder) RecordPositionClosed(symbol, direction string) {
	PositionsOpen.WithLabelValues(symbol, direction).Dec()
}

// RecordOutcome records a resolved position.
func (r *Recorder) RecordOutcome(symbol, direction, exitLeg string, pnlPercent decimal.Decimal) {
	result := "loss"
	if pnlPercent.IsPositive() {
		result = "win"
	}
	OutcomesTotal.WithLabelValues(symbol, direction, exitLeg, result).Inc()
	OutcomePnL.WithLabelValues(symbol).Observe(pnlPercent.InexactFloat64())
}

// RecordEscalation records a position flattened after a failed leg.
func (r *Recorder) RecordEscalation(leg string) {
	EscalationsTotal.WithLabelValues(leg).Inc()
}

// RecordPollIteration records one bracket status poll.
func (r *Recorder) RecordPollIteration(symbol string) {
	PollIterations.WithLabelValues(symbol).Inc()
}

// RecordWebhook records an inbound webhook response status.
func (r *Recorder) RecordWebhook(status int) {
	WebhookRequests.WithLabelValues(statusLabel(status)).Inc()
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordExchangeStatus records exchange reachability.
func (r *Recorder) RecordExchangeStatus(up bool) {
	if up {
		ExchangeUp.Set(1)
	} else {
		ExchangeUp.Set(0)
	}
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveOrder observes the elapsed time as order latency.
func (t *Timer) ObserveOrder() {
	OrderLatency.Observe(t.Elapsed().Seconds())
}
