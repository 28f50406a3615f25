// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package session provides the in-memory store coordinating one
// authentication flow from creation through exchange.
//
// Every record is indexed twice, by session ID (the handle given to
// clients) and by OAuth state (the handle that rejoins the browser
// callback). Both keys point at the same record, and both are unique for
// the life of the record. All mutation goes through Transition, a single
// linearizable compare-and-swap on the status field; that is what makes
// exchange single-use under concurrent requests.
//
// Sessions never survive a process restart. The store is bounded; creates
// beyond the ceiling fail with ErrBackpressure.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states. Transitions only move forward.
const (
	StatusPendingCallback       Status = "PENDING_CALLBACK"
	StatusAwaitingTeamSelection Status = "AWAITING_TEAM_SELECTION"
	StatusReadyForExchange      Status = "READY_FOR_EXCHANGE"
	StatusExchanged             Status = "EXCHANGED"
	StatusFailed                Status = "FAILED"
	StatusExpired               Status = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusExchanged, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// allowedTransitions is the forward-only state machine. A transition not
// listed here is rejected regardless of the caller's from/to claim.
var allowedTransitions = map[Status][]Status{
	StatusPendingCallback: {
		StatusAwaitingTeamSelection,
		StatusReadyForExchange,
		StatusFailed,
		StatusExpired,
	},
	StatusAwaitingTeamSelection: {
		StatusReadyForExchange,
		StatusFailed,
		StatusExpired,
	},
	StatusReadyForExchange: {
		StatusExchanged,
		StatusFailed,
		StatusExpired,
	},
}

// transitionAllowed reports whether from -> to is a legal edge.
func transitionAllowed(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// User is the identity established by a completed IdP callback.
type User struct {
	// Email is the user's email address; also the "user" metadata value
	// on the child token.
	Email string

	// DisplayName is the human-readable name from the ID token.
	DisplayName string

	// Subject is the IdP sub claim.
	Subject string

	// Groups is the IdP group list, in IdP order.
	Groups []string
}

// Session is one in-flight authentication flow.
type Session struct {
	// ID is the opaque handle given to clients.
	ID string

	// State is the OAuth state parameter sent to the IdP.
	State string

	// PKCEVerifier never leaves the broker.
	PKCEVerifier string

	// PKCEChallenge is the S256 digest of the verifier.
	PKCEChallenge string

	// Nonce is checked against the ID token on callback.
	Nonce string

	// Status is the lifecycle state.
	Status Status

	CreatedAt time.Time
	ExpiresAt time.Time

	// User is populated after a successful callback.
	User User

	// CandidateTeams is the ordered team set derived from User.Groups.
	CandidateTeams []string

	// SelectedTeam is one of CandidateTeams once the flow passes team
	// selection (or auto-selection).
	SelectedTeam string
}

// clone returns a deep copy safe to hand outside the store's lock.
func (s *Session) clone() Session {
	out := *s
	out.User.Groups = append([]string(nil), s.User.Groups...)
	out.CandidateTeams = append([]string(nil), s.CandidateTeams...)
	return out
}

// Expired reports whether the session's TTL has passed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
