// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package idp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// idpRequests tracks outbound IdP calls.
	// Labels:
	//   endpoint: token, userinfo
	//   outcome: ok, rejected, unreachable, bad_response
	idpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_idp_requests_total",
		Help: "Total outbound requests to the identity provider",
	}, []string{"endpoint", "outcome"})

	// idpRequestDuration tracks outbound IdP call latency.
	idpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_idp_request_duration_seconds",
		Help:    "Latency of outbound requests to the identity provider",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})
)

// recordIdPRequest records one outbound IdP call.
func recordIdPRequest(endpoint, outcome string, duration time.Duration) {
	idpRequests.WithLabelValues(endpoint, outcome).Inc()
	idpRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
