// Package observability centralises Prometheus collectors and structured
// logging setup for the escrow engine.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	escrowdMetricsOnce sync.Once
	escrowdRegistry    *EscrowdMetrics
)

// EscrowdMetrics wraps the collectors tracking verification, payout and jury
// health.
type EscrowdMetrics struct {
	verifications    *prometheus.CounterVec
	payouts          *prometheus.CounterVec
	payoutLatency    prometheus.Histogram
	juryVotes        *prometheus.CounterVec
	juryAbstentions  prometheus.Counter
	disputesResolved *prometheus.CounterVec
}

// Escrowd returns the lazily-initialised metrics registry for the escrow
// engine.
func Escrowd() *EscrowdMetrics {
	escrowdMetricsOnce.Do(func() {
		escrowdRegistry = &EscrowdMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskpay",
				Subsystem: "chain",
				Name:      "verifications_total",
				Help:      "Payment verification attempts segmented by strategy and outcome.",
			}, []string{"strategy", "outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskpay",
				Subsystem: "payout",
				Name:      "transfers_total",
				Help:      "Payout transfer attempts segmented by outcome.",
			}, []string{"outcome"}),
			payoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "taskpay",
				Subsystem: "payout",
				Name:      "transfer_duration_seconds",
				Help:      "Latency distribution for completed payout transfers.",
				Buckets:   prometheus.DefBuckets,
			}),
			juryVotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskpay",
				Subsystem: "jury",
				Name:      "votes_total",
				Help:      "Valid jury votes segmented by outcome.",
			}, []string{"outcome"}),
			juryAbstentions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskpay",
				Subsystem: "jury",
				Name:      "abstentions_total",
				Help:      "Evaluator failures recorded as abstentions.",
			}),
			disputesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskpay",
				Subsystem: "dispute",
				Name:      "resolved_total",
				Help:      "Resolved disputes segmented by final outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			escrowdRegistry.verifications,
			escrowdRegistry.payouts,
			escrowdRegistry.payoutLatency,
			escrowdRegistry.juryVotes,
			escrowdRegistry.juryAbstentions,
			escrowdRegistry.disputesResolved,
		)
	})
	return escrowdRegistry
}

// RecordVerification counts one verification attempt.
func (m *EscrowdMetrics) RecordVerification(strategy, outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(strategy, outcome).Inc()
}

// RecordPayout counts one payout attempt and, when settled, its latency.
func (m *EscrowdMetrics) RecordPayout(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(outcome).Inc()
	if outcome == "paid" && seconds >= 0 {
		m.payoutLatency.Observe(seconds)
	}
}

// RecordJuryVote counts one valid vote.
func (m *EscrowdMetrics) RecordJuryVote(outcome string) {
	if m == nil {
		return
	}
	m.juryVotes.WithLabelValues(outcome).Inc()
}

// RecordJuryAbstention counts one evaluator failure.
func (m *EscrowdMetrics) RecordJuryAbstention() {
	if m == nil {
		return
	}
	m.juryAbstentions.Inc()
}

// RecordDisputeResolved counts one final resolution.
func (m *EscrowdMetrics) RecordDisputeResolved(outcome string) {
	if m == nil {
		return
	}
	m.disputesResolved.WithLabelValues(outcome).Inc()
}
