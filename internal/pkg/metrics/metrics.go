// Package metrics declares the Prometheus collectors exported on /metrics.
//
// Import Path: goldclear.io/clearing/internal/pkg/metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Rail Router ────────────────────────────────────────────────────────────

// RailAttempts counts payout attempts per rail and outcome (success, failure, timeout).
var RailAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clearing",
	Subsystem: "rail",
	Name:      "attempts_total",
	Help:      "Total payout attempts by rail and outcome.",
}, []string{"rail", "outcome"})

// RailFallbacks counts payouts that succeeded on the secondary rail.
var RailFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clearing",
	Subsystem: "rail",
	Name:      "fallbacks_total",
	Help:      "Total payouts completed on the fallback rail.",
}, []string{"from", "to"})

// RailLatency tracks adapter latency in seconds.
var RailLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "clearing",
	Subsystem: "rail",
	Name:      "latency_seconds",
	Help:      "Payout adapter latency in seconds.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"rail"})

// ─── Settlement Lifecycle ───────────────────────────────────────────────────

// SettlementTransitions counts applied lifecycle transitions by resulting status.
var SettlementTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clearing",
	Subsystem: "settlement",
	Name:      "transitions_total",
	Help:      "Total applied settlement transitions by resulting status.",
}, []string{"status"})

// PolicyRejections counts transitions refused by BLOCK-severity blockers.
var PolicyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clearing",
	Subsystem: "settlement",
	Name:      "policy_rejections_total",
	Help:      "Total transitions refused by policy blockers, by action.",
}, []string{"action"})

// AmbiguousStates counts cases flagged AMBIGUOUS_STATE.
var AmbiguousStates = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "clearing",
	Subsystem: "settlement",
	Name:      "ambiguous_states_total",
	Help:      "Total settlement cases halted for manual reconciliation.",
})

// ─── Compliance ─────────────────────────────────────────────────────────────

// ComplianceTransitions counts compliance CAS outcomes (applied, invalid, conflict).
var ComplianceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clearing",
	Subsystem: "compliance",
	Name:      "transitions_total",
	Help:      "Compliance case status updates by target and outcome.",
}, []string{"target", "outcome"})
