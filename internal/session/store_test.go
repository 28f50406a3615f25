// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testSeed(state string) Seed {
	return Seed{
		State:         state,
		Nonce:         "nonce-" + state,
		PKCEVerifier:  "verifier-" + state,
		PKCEChallenge: "challenge-" + state,
	}
}

func TestStore_CreateAndLookup(t *testing.T) {
	st := NewStore(10)

	s, err := st.Create(testSeed("st1"), 10*time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Error("session ID is empty")
	}
	if s.Status != StatusPendingCallback {
		t.Errorf("status = %s, want %s", s.Status, StatusPendingCallback)
	}

	byID, err := st.FindBySession(s.ID)
	if err != nil {
		t.Fatalf("FindBySession: %v", err)
	}
	if byID.State != "st1" {
		t.Errorf("State = %s, want st1", byID.State)
	}

	byState, err := st.FindByState("st1")
	if err != nil {
		t.Fatalf("FindByState: %v", err)
	}
	if byState.ID != s.ID {
		t.Errorf("FindByState ID = %s, want %s", byState.ID, s.ID)
	}
}

func TestStore_UnknownKeys(t *testing.T) {
	st := NewStore(10)

	if _, err := st.FindBySession("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindBySession error = %v, want ErrNotFound", err)
	}
	if _, err := st.FindByState("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByState error = %v, want ErrNotFound", err)
	}
}

func TestStore_Backpressure(t *testing.T) {
	st := NewStore(2)

	for i := 0; i < 2; i++ {
		if _, err := st.Create(testSeed(fmt.Sprintf("st%d", i)), time.Minute); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	if _, err := st.Create(testSeed("overflow"), time.Minute); !errors.Is(err, ErrBackpressure) {
		t.Errorf("Create at ceiling error = %v, want ErrBackpressure", err)
	}

	// Existing sessions still work at the ceiling.
	if _, err := st.FindByState("st0"); err != nil {
		t.Errorf("lookup at ceiling: %v", err)
	}
}

func TestStore_TransitionHappyPath(t *testing.T) {
	st := NewStore(10)
	s, _ := st.Create(testSeed("st1"), time.Minute)

	updated, err := st.Transition(s.ID, StatusPendingCallback, StatusReadyForExchange, func(rec *Session) {
		rec.User = User{Email: "alice@ex.com", Groups: []string{"mobile-developers"}}
		rec.SelectedTeam = "mobile-team"
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.Status != StatusReadyForExchange {
		t.Errorf("status = %s, want %s", updated.Status, StatusReadyForExchange)
	}
	if updated.SelectedTeam != "mobile-team" {
		t.Errorf("SelectedTeam = %s", updated.SelectedTeam)
	}
}

func TestStore_TransitionRejectsBackwardEdges(t *testing.T) {
	st := NewStore(10)
	s, _ := st.Create(testSeed("st1"), time.Minute)

	if _, err := st.Transition(s.ID, StatusReadyForExchange, StatusPendingCallback, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("backward edge error = %v, want ErrInvalidTransition", err)
	}
	if _, err := st.Transition(s.ID, StatusExchanged, StatusFailed, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal edge error = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_TransitionRejectsWrongCurrentStatus(t *testing.T) {
	st := NewStore(10)
	s, _ := st.Create(testSeed("st1"), time.Minute)

	// Session is PENDING_CALLBACK; claiming from READY must fail.
	snap, err := st.Transition(s.ID, StatusReadyForExchange, StatusExchanged, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if snap.Status != StatusPendingCallback {
		t.Errorf("returned snapshot status = %s, want %s", snap.Status, StatusPendingCallback)
	}
}

func TestStore_ConcurrentExchangeSingleWinner(t *testing.T) {
	st := NewStore(10)
	s, _ := st.Create(testSeed("st1"), time.Minute)
	if _, err := st.Transition(s.ID, StatusPendingCallback, StatusReadyForExchange, nil); err != nil {
		t.Fatalf("setup transition: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.Transition(s.ID, StatusReadyForExchange, StatusExchanged, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestStore_ExpiryWithInjectedClock(t *testing.T) {
	st := NewStore(10)
	base := time.Now()
	st.now = func() time.Time { return base }

	s, _ := st.Create(testSeed("st1"), 10*time.Minute)

	// Still live just before the TTL.
	st.now = func() time.Time { return base.Add(9 * time.Minute) }
	if _, err := st.FindBySession(s.ID); err != nil {
		t.Fatalf("lookup before TTL: %v", err)
	}

	// Past the TTL a lookup still resolves but reports expiry.
	st.now = func() time.Time { return base.Add(11 * time.Minute) }
	if _, err := st.FindBySession(s.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("lookup after TTL error = %v, want ErrExpired", err)
	}

	// A transition on an expired session marks it EXPIRED.
	snap, err := st.Transition(s.ID, StatusPendingCallback, StatusReadyForExchange, nil)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("transition after TTL error = %v, want ErrExpired", err)
	}
	if snap.Status != StatusExpired {
		t.Errorf("status = %s, want %s", snap.Status, StatusExpired)
	}
}

func TestStore_GCMarksAndDrops(t *testing.T) {
	st := NewStore(10)
	base := time.Now()
	st.now = func() time.Time { return base }

	s, _ := st.Create(testSeed("st1"), time.Minute)

	// First sweep past the TTL marks the session EXPIRED but keeps it
	// resolvable within the grace window.
	st.now = func() time.Time { return base.Add(2 * time.Minute) }
	marked, dropped := st.GC()
	if marked != 1 || dropped != 0 {
		t.Errorf("first sweep = (%d, %d), want (1, 0)", marked, dropped)
	}
	if _, err := st.FindBySession(s.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("lookup in grace window error = %v, want ErrExpired", err)
	}

	// A sweep past the grace window drops the record entirely.
	st.now = func() time.Time { return base.Add(time.Minute + expiredGrace + time.Second) }
	marked, dropped = st.GC()
	if marked != 0 || dropped != 1 {
		t.Errorf("second sweep = (%d, %d), want (0, 1)", marked, dropped)
	}
	if _, err := st.FindBySession(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup after drop error = %v, want ErrNotFound", err)
	}
	if _, err := st.FindByState("st1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("state lookup after drop error = %v, want ErrNotFound", err)
	}
}

func TestStore_Fail(t *testing.T) {
	st := NewStore(10)
	s, _ := st.Create(testSeed("st1"), time.Minute)

	st.Fail(s.ID)

	snap, err := st.FindBySession(s.ID)
	if err != nil {
		t.Fatalf("FindBySession: %v", err)
	}
	if snap.Status != StatusFailed {
		t.Errorf("status = %s, want %s", snap.Status, StatusFailed)
	}

	// Exchange on a failed session is an invalid transition.
	if _, err := st.Transition(s.ID, StatusReadyForExchange, StatusExchanged, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("exchange on failed session error = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_AbortExchange(t *testing.T) {
	st := NewStore(10)
	s, _ := st.Create(testSeed("st1"), time.Minute)
	if _, err := st.Transition(s.ID, StatusPendingCallback, StatusReadyForExchange, nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := st.Transition(s.ID, StatusReadyForExchange, StatusExchanged, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	st.AbortExchange(s.ID)

	snap, _ := st.FindBySession(s.ID)
	if snap.Status != StatusFailed {
		t.Errorf("status after abort = %s, want %s", snap.Status, StatusFailed)
	}
}

func TestStore_CloneIsolation(t *testing.T) {
	st := NewStore(10)
	s, _ := st.Create(testSeed("st1"), time.Minute)

	if _, err := st.Transition(s.ID, StatusPendingCallback, StatusAwaitingTeamSelection, func(rec *Session) {
		rec.CandidateTeams = []string{"mobile-team", "backend-team"}
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	snap, _ := st.FindBySession(s.ID)
	snap.CandidateTeams[0] = "tampered"

	again, _ := st.FindBySession(s.ID)
	if again.CandidateTeams[0] != "mobile-team" {
		t.Error("mutating a returned snapshot leaked into the store")
	}
}
