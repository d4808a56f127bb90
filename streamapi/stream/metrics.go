// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
)

var (
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "matrixsse",
			Subsystem: "stream",
			Name:      "active_connections",
			Help:      "Number of registered SSE connections",
		},
	)
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixsse",
			Subsystem: "stream",
			Name:      "queries_total",
			Help:      "Total number of /sync queries by outcome",
		},
		[]string{"outcome"},
	)
	queryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "matrixsse",
			Subsystem: "stream",
			Name:      "query_duration_seconds",
			Help:      "Time spent waiting for the homeserver to answer /sync",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)
	eventsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixsse",
			Subsystem: "stream",
			Name:      "events_sent_total",
			Help:      "Total number of SSE events written to clients",
		},
		[]string{"event"},
	)
	heartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "matrixsse",
			Subsystem: "stream",
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeat comments written to clients",
		},
	)
	dispatchFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "matrixsse",
			Subsystem: "stream",
			Name:      "dispatch_faults_total",
			Help:      "Total number of unexpected failures while servicing a connection",
		},
	)
)

var registerStreamMetrics sync.Once

func init() {
	registerStreamMetrics.Do(func() {
		prometheus.MustRegister(
			activeConnections, queriesTotal, queryDuration,
			eventsSent, heartbeatsSent, dispatchFaults,
		)
	})
}

func observeQuery(outcome string, took time.Duration) {
	queriesTotal.WithLabelValues(outcome).Inc()
	if outcome != outcomeCancelled {
		queryDuration.Observe(took.Seconds())
	}
}
