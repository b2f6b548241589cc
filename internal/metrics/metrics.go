// Package metrics exposes Prometheus metrics for the trading pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bracketbot"

var (
	// SignalsReceived counts signals accepted for execution.
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_received_total",
		Help:      "Signals accepted for execution",
	}, []string{"symbol", "direction"})

	// SignalsRejected counts signals that ended before a position opened.
	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_rejected_total",
		Help:      "Signals aborted before entry, by reason",
	}, []string{"reason"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders submitted by role and result",
	}, []string{"symbol", "role", "status"})

	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "order_latency_seconds",
		Help:      "Entry order submission latency",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	PositionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "positions_open",
		Help:      "Positions currently under exit management",
	}, []string{"symbol", "direction"})

	// OutcomesTotal counts resolved positions by exit leg and result (win|loss).
	OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outcomes_total",
		Help:      "Resolved positions by exit leg and result",
	}, []string{"symbol", "direction", "exit_leg", "result"})

	OutcomePnL = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "outcome_pnl_percent",
		Help:      "Leveraged PnL percent per resolved position",
		Buckets:   []float64{-100, -50, -25, -10, -5, -2, 0, 2, 5, 10, 25, 50, 100},
	}, []string{"symbol"})

	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Positions flattened after a bracket leg ended without a fill",
	}, []string{"leg"})

	PollIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_iterations_total",
		Help:      "Bracket status polls",
	}, []string{"symbol"})

	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_requests_total",
		Help:      "Inbound webhook requests by HTTP status",
	}, []string{"status"})

	ExchangeUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "exchange_up",
		Help:      "1 if the last exchange health probe succeeded",
	})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last heartbeat",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by kind",
	}, []string{"type"})
)
