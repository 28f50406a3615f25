// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package vault

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// vaultRequests tracks outbound Vault operations.
	// Labels:
	//   op: jwt_login, token_create
	//   outcome: ok, rejected, unreachable, canceled
	vaultRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_vault_requests_total",
		Help: "Total outbound requests to Vault",
	}, []string{"op", "outcome"})

	// vaultRequestDuration tracks Vault operation latency including retries.
	vaultRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_vault_request_duration_seconds",
		Help:    "Latency of outbound Vault operations including retries",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})
)

// recordVaultRequest records one Vault operation.
func recordVaultRequest(op, outcome string, duration time.Duration) {
	vaultRequests.WithLabelValues(op, outcome).Inc()
	vaultRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}
