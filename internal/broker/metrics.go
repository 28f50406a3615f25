// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// exchangesTotal tracks exchange outcomes by team.
	// Labels:
	//   team: selected team, or "" when the claim itself failed
	//   outcome: ok, claim_rejected, vault_failed
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_exchanges_total",
		Help: "Total exchange attempts by team and outcome",
	}, []string{"team", "outcome"})

	// exchangeDuration tracks end-to-end exchange latency.
	exchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_exchange_duration_seconds",
		Help:    "End-to-end latency of successful exchanges",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// callbacksTotal tracks IdP callback outcomes.
	// Labels:
	//   outcome: ready, awaiting_selection, failed
	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_callbacks_total",
		Help: "Total IdP callbacks by outcome",
	}, []string{"outcome"})
)

// recordExchange records one exchange attempt.
func recordExchange(teamName, outcome string, duration time.Duration) {
	exchangesTotal.WithLabelValues(teamName, outcome).Inc()
	if outcome == "ok" {
		exchangeDuration.Observe(duration.Seconds())
	}
}

// recordCallback records one callback outcome.
func recordCallback(outcome string) {
	callbacksTotal.WithLabelValues(outcome).Inc()
}
