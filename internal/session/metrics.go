// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessionsActive tracks the number of live session records.
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "Number of session records currently held in the store",
	})

	// sessionsCreated counts sessions admitted to the store.
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_created_total",
		Help: "Total sessions created",
	})

	// sessionsRejected counts creates refused at the ceiling.
	sessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_rejected_total",
		Help: "Total session creates rejected due to backpressure",
	})

	// sessionsExpired counts sessions whose TTL passed before completion.
	sessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_expired_total",
		Help: "Total sessions expired before exchange",
	})
)

func recordCreated()        { sessionsCreated.Inc() }
func recordCreateRejected() { sessionsRejected.Inc() }
func recordExpired()        { sessionsExpired.Inc() }

func setActiveSessions(n int) { sessionsActive.Set(float64(n)) }
