// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package session

import (
	"context"
	"time"

	"github.com/buildsec/bazel-auth-broker/internal/logging"
)

// DefaultSweepInterval is how often the sweeper runs GC.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically garbage-collects the store. It implements
// suture.Service and runs under the supervisor tree.
type Sweeper struct {
	store    *Store
	interval time.Duration
}

// NewSweeper creates a sweeper for the given store. A zero interval uses
// DefaultSweepInterval.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: store, interval: interval}
}

// Serve runs the sweep loop until the context is canceled.
func (sw *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	logging.Debug().Dur("interval", sw.interval).Msg("session sweeper started")

	for {
		select {
		case <-ctx.Done():
			logging.Debug().Msg("session sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			marked, dropped := sw.store.GC()
			if marked > 0 || dropped > 0 {
				logging.Info().
					Int("marked_expired", marked).
					Int("dropped", dropped).
					Int("remaining", sw.store.Len()).
					Msg("session sweep completed")
			}
		}
	}
}

// String returns the service name for supervisor logging.
func (sw *Sweeper) String() string {
	return "session-sweeper"
}
