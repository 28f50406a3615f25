// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store errors.
var (
	// ErrBackpressure indicates the store is at its configured ceiling.
	ErrBackpressure = errors.New("session store at capacity")

	// ErrNotFound indicates no session exists for the given key.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition indicates the session's current status did not
	// match the transition's expected status.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrExpired indicates the session's TTL has passed.
	ErrExpired = errors.New("session expired")
)

// expiredGrace is how long an EXPIRED or otherwise terminal session stays
// resolvable after its TTL, so late pollers get a clean error instead of
// ErrNotFound.
const expiredGrace = 60 * time.Second

// Seed carries the flow secrets a new session is created with. The caller
// generates them (PKCE material is the IdP client's concern); the store
// owns the session ID.
type Seed struct {
	State         string
	Nonce         string
	PKCEVerifier  string
	PKCEChallenge string
}

// Store is a bounded, TTL-enforcing map of sessions with two unique
// indices. All methods are safe for concurrent use. Sessions returned by
// lookup methods are deep copies; mutation happens only inside Transition.
type Store struct {
	mu        sync.RWMutex
	bySession map[string]*Session
	byState   map[string]*Session
	max       int

	// now is the clock; replaced in tests.
	now func() time.Time
}

// NewStore creates a store with the given session ceiling.
func NewStore(max int) *Store {
	return &Store{
		bySession: make(map[string]*Session),
		byState:   make(map[string]*Session),
		max:       max,
		now:       time.Now,
	}
}

// Create inserts a new PENDING_CALLBACK session with the given TTL and
// returns a copy. Fails with ErrBackpressure at the ceiling.
func (st *Store) Create(seed Seed, ttl time.Duration) (Session, error) {
	id, err := newSessionID()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.bySession) >= st.max {
		recordCreateRejected()
		return Session{}, ErrBackpressure
	}
	if _, exists := st.byState[seed.State]; exists {
		return Session{}, fmt.Errorf("state collision: %w", ErrInvalidTransition)
	}

	now := st.now()
	s := &Session{
		ID:            id,
		State:         seed.State,
		PKCEVerifier:  seed.PKCEVerifier,
		PKCEChallenge: seed.PKCEChallenge,
		Nonce:         seed.Nonce,
		Status:        StatusPendingCallback,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	st.bySession[s.ID] = s
	st.byState[s.State] = s

	recordCreated()
	setActiveSessions(len(st.bySession))

	return s.clone(), nil
}

// FindBySession returns a copy of the session with the given ID.
// An expired session is still returned (with ErrExpired) until GC drops
// it, so callers can answer late pollers precisely.
func (st *Store) FindBySession(id string) (Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.bySession[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status == StatusExpired || (s.Expired(st.now()) && !s.Status.Terminal()) {
		return s.clone(), ErrExpired
	}
	return s.clone(), nil
}

// FindByState returns a copy of the session holding the given OAuth state.
func (st *Store) FindByState(state string) (Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.byState[state]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status == StatusExpired || (s.Expired(st.now()) && !s.Status.Terminal()) {
		return s.clone(), ErrExpired
	}
	return s.clone(), nil
}

// Transition atomically moves the session from one status to another,
// applying mutate to the record while the store lock is held. It is the
// single linearization point for the flow: if the current status is not
// exactly `from`, nothing is mutated and ErrInvalidTransition is
// returned. Concurrent exchanges therefore produce exactly one winner.
//
// mutate may be nil. It must not retain the *Session past the call.
func (st *Store) Transition(id string, from, to Status, mutate func(*Session)) (Session, error) {
	if !transitionAllowed(from, to) {
		return Session{}, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.bySession[id]
	if !ok {
		return Session{}, ErrNotFound
	}

	if s.Expired(st.now()) && !s.Status.Terminal() {
		s.Status = StatusExpired
		recordExpired()
		return s.clone(), ErrExpired
	}

	if s.Status != from {
		return s.clone(), fmt.Errorf("session is %s, not %s: %w", s.Status, from, ErrInvalidTransition)
	}

	if mutate != nil {
		mutate(s)
	}
	s.Status = to

	return s.clone(), nil
}

// Fail moves a session to FAILED from whatever non-terminal status it
// holds. Used when an error must poison the flow regardless of where it
// happened.
func (st *Store) Fail(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.bySession[id]
	if !ok || s.Status.Terminal() {
		return
	}
	s.Status = StatusFailed
}

// AbortExchange demotes an EXCHANGED session to FAILED. It exists for
// the exchange path only: the caller claims the session before talking
// to Vault, and a Vault failure after the claim must not leave the
// record looking successfully exchanged.
func (st *Store) AbortExchange(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.bySession[id]
	if !ok || s.Status != StatusExchanged {
		return
	}
	s.Status = StatusFailed
}

// Len returns the number of live records.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.bySession)
}

// GC marks sessions past their TTL as EXPIRED and drops records that
// have been expired or terminal for longer than the grace window.
// Returns (marked, dropped).
func (st *Store) GC() (int, int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	marked, dropped := 0, 0

	for id, s := range st.bySession {
		if s.Expired(now) && !s.Status.Terminal() {
			s.Status = StatusExpired
			marked++
			recordExpired()
		}

		if s.Status.Terminal() && now.After(s.ExpiresAt.Add(expiredGrace)) {
			delete(st.bySession, id)
			delete(st.byState, s.State)
			dropped++
		}
	}

	setActiveSessions(len(st.bySession))
	return marked, dropped
}

// newSessionID returns a URL-safe ID with 256 bits of entropy.
func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
