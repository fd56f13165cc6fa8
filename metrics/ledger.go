// Package metrics exposes ledger command metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/tool-ledger/ledger"
)

// LedgerMetrics implements ledger.Observer. A zero or nil value drops
// every observation.
type LedgerMetrics struct {
	commands  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	guardWait prometheus.Histogram
}

var _ ledger.Observer = (*LedgerMetrics)(nil)

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolledger_commands_total",
		Help: "Ledger commands by operation and outcome.",
	}, []string{"op", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "toolledger_command_duration_seconds",
		Help:    "Duration of ledger commands in seconds, guard wait included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	guardWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "toolledger_guard_wait_seconds",
		Help:    "Time spent acquiring a tool's exclusive section.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})
	reg.MustRegister(commands, duration, guardWait)
	return &LedgerMetrics{
		commands:  commands,
		duration:  duration,
		guardWait: guardWait,
	}
}

func (m *LedgerMetrics) ObserveCommand(op, outcome string, d time.Duration) {
	if m == nil || m.commands == nil {
		return
	}
	op = normalizeLabel(op)
	m.commands.WithLabelValues(op, normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *LedgerMetrics) ObserveGuardWait(d time.Duration) {
	if m == nil || m.guardWait == nil {
		return
	}
	m.guardWait.Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
