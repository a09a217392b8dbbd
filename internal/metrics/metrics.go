// Package metrics exposes the process's Prometheus counters/gauges,
// grounded on the teacher's declared but unused prometheus/client_golang
// dependency - this is its first consumer in this codebase.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ScansTotal counts completed scan jobs by outcome: suppressed, flagged
	// (handed to render).
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigilscan_scans_total",
		Help: "Total scan jobs processed, by outcome.",
	}, []string{"outcome"})

	// RendersTotal counts completed render jobs by outcome: captured, failed.
	RendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigilscan_renders_total",
		Help: "Total render jobs processed, by outcome.",
	}, []string{"outcome"})

	// AlertsSentTotal counts alerts actually posted to the webhook (not
	// suppressed).
	AlertsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigilscan_alerts_sent_total",
		Help: "Total alerts posted to the configured webhook.",
	})

	// ReverifyTotal counts re-verify coordinator outcomes by result.
	ReverifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigilscan_reverify_total",
		Help: "Total re-verify requests, by result (ok, duplicate, rate_limited, not_found, error).",
	}, []string{"result"})

	// BreakerState reports the current breaker state for each target as a
	// gauge (0=closed, 1=half_open, 2=open), refreshed when /admin/breaker is
	// served and when a target is reset (not by the websocket stream).
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigilscan_breaker_state",
		Help: "Current circuit breaker state per target (0=closed, 1=half_open, 2=open).",
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(ScansTotal, RendersTotal, AlertsSentTotal, ReverifyTotal, BreakerState)
}

// BreakerStateValue maps a breaker.State string to the gauge's numeric encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
