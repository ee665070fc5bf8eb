// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the session broker.
//
// # Description
//
// This package implements Prometheus metrics for upstream session handling.
// Metrics include:
//   - Login attempts by provider and outcome
//   - Upstream operations by provider and outcome, with latency
//   - Retries by provider and failure kind
//   - Cached session gauge
//   - Reaper sweeps and best-effort logouts
//   - Shutdown drain duration
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// All Record methods are no-ops on a nil *BrokerMetrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "quantom"

// Subsystem for broker metrics
const brokerSubsystem = "broker"

// BrokerMetrics holds all Prometheus metrics for the session broker.
//
// # Fields
//
//   - AuthAttemptsTotal: Upstream logins by provider and outcome.
//   - OperationsTotal: Upstream operations by provider and outcome.
//   - OperationDurationSeconds: Operation latency including retries.
//   - RetriesTotal: Retries by provider and failure kind.
//   - SessionsCached: Sessions currently held.
//   - ReaperSweepsTotal: Completed reaper sweeps.
//   - ReaperEvictedTotal: Sessions removed by the reaper.
//   - LogoutsTotal: Best-effort logouts by provider, trigger and outcome.
//   - DrainDurationSeconds: Time spent draining at shutdown.
type BrokerMetrics struct {
	// AuthAttemptsTotal counts upstream logins.
	// Labels: provider, outcome (success, invalid_credential, connection_error, ...)
	AuthAttemptsTotal *prometheus.CounterVec

	// OperationsTotal counts upstream operations.
	// Labels: provider, outcome
	OperationsTotal *prometheus.CounterVec

	// OperationDurationSeconds measures operation latency including retries.
	// Labels: provider
	OperationDurationSeconds *prometheus.HistogramVec

	// RetriesTotal counts retries.
	// Labels: provider, kind (session_invalid, connection_error)
	RetriesTotal *prometheus.CounterVec

	// SessionsCached tracks the number of cached sessions.
	SessionsCached prometheus.Gauge

	// ReaperSweepsTotal counts completed sweeps.
	ReaperSweepsTotal prometheus.Counter

	// ReaperEvictedTotal counts sessions removed by sweeps.
	ReaperEvictedTotal prometheus.Counter

	// LogoutsTotal counts best-effort upstream logouts.
	// Labels: provider, trigger (reaper, drain, user), outcome (success, error)
	LogoutsTotal *prometheus.CounterVec

	// DrainDurationSeconds measures the shutdown drain.
	DrainDurationSeconds prometheus.Histogram
}

// DefaultMetrics is the process-wide instance initialized by InitMetrics().
var DefaultMetrics *BrokerMetrics

// InitMetrics registers the broker metrics with the default registry.
//
// # Outputs
//
//   - *BrokerMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *BrokerMetrics {
	DefaultMetrics = NewBrokerMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewBrokerMetrics creates broker metrics registered with reg.
//
// # Inputs
//
//   - reg: Registerer. Tests pass a fresh prometheus.NewRegistry().
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	factory := promauto.With(reg)
	return &BrokerMetrics{
		AuthAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "auth_attempts_total",
				Help:      "Total upstream login attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "operations_total",
				Help:      "Total upstream operations by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		OperationDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Upstream operation latency including retries",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"provider"},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "retries_total",
				Help:      "Total operation retries by provider and failure kind",
			},
			[]string{"provider", "kind"},
		),

		SessionsCached: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "sessions_cached",
				Help:      "Number of upstream sessions currently cached",
			},
		),

		ReaperSweepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "reaper_sweeps_total",
				Help:      "Total expiry sweeps completed",
			},
		),

		ReaperEvictedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "reaper_evicted_total",
				Help:      "Total expired sessions removed by sweeps",
			},
		),

		LogoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "logouts_total",
				Help:      "Total best-effort upstream logouts by provider, trigger and outcome",
			},
			[]string{"provider", "trigger", "outcome"},
		),

		DrainDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "drain_duration_seconds",
				Help:      "Time spent logging out sessions at shutdown",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 3, 5},
			},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordAuthAttempt records one upstream login.
//
// # Inputs
//
//   - provider: Adapter name.
//   - outcome: "success" or a failure kind name.
func (m *BrokerMetrics) RecordAuthAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.AuthAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordOperation records one completed operation and its latency.
func (m *BrokerMetrics) RecordOperation(provider, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(provider, outcome).Inc()
	m.OperationDurationSeconds.WithLabelValues(provider).Observe(seconds)
}

// RecordRetry records one retry.
func (m *BrokerMetrics) RecordRetry(provider, kind string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(provider, kind).Inc()
}

// SetSessionsCached sets the cached session gauge.
func (m *BrokerMetrics) SetSessionsCached(n int) {
	if m == nil {
		return
	}
	m.SessionsCached.Set(float64(n))
}

// RecordSweep records a completed sweep that removed evicted sessions.
func (m *BrokerMetrics) RecordSweep(evicted int) {
	if m == nil {
		return
	}
	m.ReaperSweepsTotal.Inc()
	m.ReaperEvictedTotal.Add(float64(evicted))
}

// RecordLogout records one best-effort upstream logout.
//
// # Inputs
//
//   - provider: Adapter name.
//   - trigger: "reaper", "drain" or "user".
//   - success: Whether the upstream accepted the logout.
func (m *BrokerMetrics) RecordLogout(provider, trigger string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.LogoutsTotal.WithLabelValues(provider, trigger, outcome).Inc()
}

// RecordDrain records the shutdown drain duration.
func (m *BrokerMetrics) RecordDrain(seconds float64) {
	if m == nil {
		return
	}
	m.DrainDurationSeconds.Observe(seconds)
}
