// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the viewer.
//
// # Description
//
// This package implements Prometheus metrics for monitoring state
// synchronization. Metrics include:
//   - Event-stream connection gauges and frame counters
//   - Proposal counters and latency histograms (by outcome)
//   - Credential fetch counters and latency histograms
//   - Action dispatch and session counters
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "mirrorscope"

// Subsystem for synchronization metrics
const syncSubsystem = "sync"

// SyncMetrics holds all Prometheus metrics for state synchronization.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring push, proposal,
// and credential traffic. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type SyncMetrics struct {
	// ActiveConnections tracks open event-stream connections.
	// Labels: key (c, s)
	ActiveConnections *prometheus.GaugeVec

	// FramesSentTotal counts state frames written to event streams.
	// Labels: key (c, s)
	FramesSentTotal *prometheus.CounterVec

	// FramesSuppressedTotal counts frames withheld as echoes of the
	// subscriber's own proposals.
	// Labels: key (c, s)
	FramesSuppressedTotal *prometheus.CounterVec

	// ProposalsTotal counts state proposals by outcome.
	// Labels: key (c, s), outcome (applied, noop, conflict, invalid)
	ProposalsTotal *prometheus.CounterVec

	// ProposalDurationSeconds measures proposal handling latency.
	// Labels: key (c, s)
	ProposalDurationSeconds *prometheus.HistogramVec

	// CredentialFetchesTotal counts credential requests by outcome.
	// Labels: outcome (cached, fetched, error)
	CredentialFetchesTotal *prometheus.CounterVec

	// CredentialFetchDurationSeconds measures credential request latency.
	CredentialFetchDurationSeconds prometheus.Histogram

	// ActionsDispatchedTotal counts action invocations.
	// Labels: known (true, false)
	ActionsDispatchedTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive comments sent on event streams.
	KeepAlivesTotal prometheus.Counter

	// SessionsActive tracks registered sessions.
	SessionsActive prometheus.Gauge

	// StateFileReloadsTotal counts state file reload attempts.
	// Labels: outcome (applied, error)
	StateFileReloadsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of SyncMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *SyncMetrics

var initOnce sync.Once

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics on the default registry.
// Guarded by sync.Once so tests that build multiple servers in one process
// do not trip duplicate registration.
//
// # Outputs
//
//   - *SyncMetrics: The initialized metrics instance.
func InitMetrics() *SyncMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &SyncMetrics{
			ActiveConnections: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "active_connections",
					Help:      "Number of open event-stream connections by state key",
				},
				[]string{"key"},
			),

			FramesSentTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "frames_sent_total",
					Help:      "Total state frames written to event streams",
				},
				[]string{"key"},
			),

			FramesSuppressedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "frames_suppressed_total",
					Help:      "Total frames withheld as echoes of the subscriber's own proposals",
				},
				[]string{"key"},
			),

			ProposalsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "proposals_total",
					Help:      "Total state proposals by key and outcome",
				},
				[]string{"key", "outcome"},
			),

			ProposalDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "proposal_duration_seconds",
					Help:      "Proposal handling latency in seconds",
					Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
				},
				[]string{"key"},
			),

			CredentialFetchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "credential_fetches_total",
					Help:      "Total credential requests by outcome",
				},
				[]string{"outcome"},
			),

			CredentialFetchDurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "credential_fetch_duration_seconds",
					Help:      "Credential request latency in seconds",
					Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
				},
			),

			ActionsDispatchedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "actions_dispatched_total",
					Help:      "Total action invocations by whether a handler was bound",
				},
				[]string{"known"},
			),

			KeepAlivesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "keepalives_total",
					Help:      "Total keepalive comments sent on event streams",
				},
			),

			SessionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "sessions_active",
					Help:      "Number of registered viewer sessions",
				},
			),

			StateFileReloadsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: syncSubsystem,
					Name:      "state_file_reloads_total",
					Help:      "Total state file reload attempts by outcome",
				},
				[]string{"outcome"},
			),
		}
	})
	return DefaultMetrics
}

// =============================================================================
// Label Values
// =============================================================================

// StateKey labels metrics by which container they concern.
type StateKey string

const (
	// KeyConfig is the config state container.
	KeyConfig StateKey = "c"

	// KeyShared is the shared state container.
	KeyShared StateKey = "s"
)

// ProposalOutcome categorizes how a proposal was resolved.
type ProposalOutcome string

const (
	// OutcomeApplied indicates the proposal was adopted.
	OutcomeApplied ProposalOutcome = "applied"

	// OutcomeNoop indicates the proposal changed nothing.
	OutcomeNoop ProposalOutcome = "noop"

	// OutcomeConflict indicates the proposal lost a generation race.
	OutcomeConflict ProposalOutcome = "conflict"

	// OutcomeInvalid indicates the proposal was malformed.
	OutcomeInvalid ProposalOutcome = "invalid"
)

// =============================================================================
// Helper Methods
// =============================================================================

// ConnectionOpened increments the active connection gauge.
func (m *SyncMetrics) ConnectionOpened(key StateKey) {
	m.ActiveConnections.WithLabelValues(string(key)).Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *SyncMetrics) ConnectionClosed(key StateKey) {
	m.ActiveConnections.WithLabelValues(string(key)).Dec()
}

// RecordFrame records one frame written to an event stream.
func (m *SyncMetrics) RecordFrame(key StateKey) {
	m.FramesSentTotal.WithLabelValues(string(key)).Inc()
}

// RecordSuppressedFrame records one frame withheld as an echo.
func (m *SyncMetrics) RecordSuppressedFrame(key StateKey) {
	m.FramesSuppressedTotal.WithLabelValues(string(key)).Inc()
}

// RecordProposal records a resolved proposal and its latency.
func (m *SyncMetrics) RecordProposal(key StateKey, outcome ProposalOutcome, seconds float64) {
	m.ProposalsTotal.WithLabelValues(string(key), string(outcome)).Inc()
	m.ProposalDurationSeconds.WithLabelValues(string(key)).Observe(seconds)
}

// RecordCredentialFetch records a resolved credential request.
func (m *SyncMetrics) RecordCredentialFetch(outcome string, seconds float64) {
	m.CredentialFetchesTotal.WithLabelValues(outcome).Inc()
	m.CredentialFetchDurationSeconds.Observe(seconds)
}

// RecordAction records one action invocation.
func (m *SyncMetrics) RecordAction(known bool) {
	label := "false"
	if known {
		label = "true"
	}
	m.ActionsDispatchedTotal.WithLabelValues(label).Inc()
}

// RecordKeepAlive increments the keepalive counter.
func (m *SyncMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// SessionRegistered increments the session gauge.
func (m *SyncMetrics) SessionRegistered() {
	m.SessionsActive.Inc()
}

// SessionRemoved decrements the session gauge.
func (m *SyncMetrics) SessionRemoved() {
	m.SessionsActive.Dec()
}

// RecordStateFileReload records one state file reload attempt.
func (m *SyncMetrics) RecordStateFileReload(ok bool) {
	outcome := "applied"
	if !ok {
		outcome = "error"
	}
	m.StateFileReloadsTotal.WithLabelValues(outcome).Inc()
}
