// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildsec/bazel-auth-broker/internal/config"
	"github.com/buildsec/bazel-auth-broker/internal/idp"
	"github.com/buildsec/bazel-auth-broker/internal/keys"
	"github.com/buildsec/bazel-auth-broker/internal/session"
	"github.com/buildsec/bazel-auth-broker/internal/team"
	"github.com/buildsec/bazel-auth-broker/internal/token"
	"github.com/buildsec/bazel-auth-broker/internal/vault"
)

const testRedirectURI = "http://127.0.0.1:8081/auth/callback"

type testEnv struct {
	broker *Broker
	store  *session.Store
	idp    *idp.MockIdP
	vault  *vault.MockVault
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mockIdP, err := idp.NewMockIdP("test-client", "")
	if err != nil {
		t.Fatalf("NewMockIdP: %v", err)
	}
	t.Cleanup(mockIdP.Close)

	mockVault := vault.NewMockVault()
	t.Cleanup(mockVault.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	km, err := keys.NewFromKey(key)
	if err != nil {
		t.Fatalf("NewFromKey: %v", err)
	}

	store := session.NewStore(100)
	teams := team.NewResolver(config.TeamsConfig{
		GroupToTeam: map[string]string{
			"mobile-developers":  "mobile-team",
			"backend-developers": "backend-team",
			"devops-team":        "devops-team",
		},
		BasePolicy:   "bazel-base",
		PolicyPrefix: "bazel-",
		DevopsTeam:   "devops-team",
		TokenTTLSecs: 7200,
		TokenUses:    10,
	})

	b := New(
		idp.NewClient(idp.Config{
			IssuerURL:   mockIdP.Issuer,
			ClientID:    "test-client",
			RedirectURI: testRedirectURI,
		}),
		store,
		teams,
		token.NewIssuer(km, "bazel-auth-broker", "bazel-vault", 5*time.Minute),
		vault.NewClient(vault.Config{Addr: mockVault.Server.URL}),
		10*time.Minute,
		5*time.Minute,
	)

	return &testEnv{broker: b, store: store, idp: mockIdP, vault: mockVault}
}

// login drives a full IdP leg: start a session, simulate the user
// authenticating at the mock IdP, and deliver the callback.
func (e *testEnv) login(t *testing.T) *CallbackResult {
	t.Helper()

	start, err := e.broker.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	q := authQuery(t, start.AuthURL)
	code := e.idp.CreateAuthorizationCode(q.Get("redirect_uri"), q.Get("code_challenge"), q.Get("nonce"))

	result, err := e.broker.HandleCallback(context.Background(), code, q.Get("state"))
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	return result
}

func authQuery(t *testing.T, authURL string) url.Values {
	t.Helper()
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	return parsed.Query()
}

func TestFlow_SingleTeamEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.idp.Claims.Email = "alice@ex.com"

	result := env.login(t)

	if result.Status != session.StatusReadyForExchange {
		t.Fatalf("status = %s, want %s", result.Status, session.StatusReadyForExchange)
	}
	if result.SelectedTeam != "mobile-team" {
		t.Errorf("selected team = %s, want mobile-team", result.SelectedTeam)
	}

	minted, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{Pipeline: "ci"})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	if !strings.HasPrefix(minted.Token, "hvs.child-") {
		t.Errorf("token = %s, want a child token", minted.Token)
	}
	if minted.TTLSecs != 7200 {
		t.Errorf("ttl = %d, want 7200", minted.TTLSecs)
	}
	if minted.UsesRemaining != 10 {
		t.Errorf("uses = %d, want 10", minted.UsesRemaining)
	}
	wantPolicies := []string{"bazel-base", "bazel-mobile-team"}
	if len(minted.Policies) != 2 || minted.Policies[0] != wantPolicies[0] || minted.Policies[1] != wantPolicies[1] {
		t.Errorf("policies = %v, want %v", minted.Policies, wantPolicies)
	}
	if minted.Metadata["team"] != "mobile-team" {
		t.Errorf("metadata team = %s", minted.Metadata["team"])
	}
	if minted.Metadata["user"] != "alice@ex.com" {
		t.Errorf("metadata user = %s", minted.Metadata["user"])
	}
	if minted.Metadata["pipeline"] != "ci" {
		t.Errorf("metadata pipeline = %s", minted.Metadata["pipeline"])
	}
	if minted.Metadata["source"] != metadataSource {
		t.Errorf("metadata source = %s", minted.Metadata["source"])
	}

	// The JWT login carried the team, not the user, as its subject.
	logins := env.vault.Logins()
	if len(logins) != 1 {
		t.Fatalf("vault logins = %d, want 1", len(logins))
	}
	if logins[0].Sub != "mobile-team" {
		t.Errorf("broker JWT sub = %s, want mobile-team", logins[0].Sub)
	}
	if logins[0].Role != "mobile-team" {
		t.Errorf("login role = %s, want mobile-team", logins[0].Role)
	}
}

func TestFlow_MultiTeamSelection(t *testing.T) {
	env := newTestEnv(t)
	env.idp.Claims.Groups = []string{"mobile-developers", "backend-developers"}

	result := env.login(t)

	if result.Status != session.StatusAwaitingTeamSelection {
		t.Fatalf("status = %s, want %s", result.Status, session.StatusAwaitingTeamSelection)
	}
	if len(result.CandidateTeams) != 2 {
		t.Fatalf("candidates = %v, want 2 teams", result.CandidateTeams)
	}

	// A pick outside the candidates leaves the session where it was.
	if _, err := env.broker.SelectTeam(context.Background(), result.SessionID, "devops-team"); KindOf(err) != KindInvalidTeamSelection {
		t.Errorf("bad selection kind = %s, want %s", KindOf(err), KindInvalidTeamSelection)
	}
	snap, err := env.broker.GetSession(result.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if snap.Status != session.StatusAwaitingTeamSelection {
		t.Errorf("status after bad pick = %s, want %s", snap.Status, session.StatusAwaitingTeamSelection)
	}

	selected, err := env.broker.SelectTeam(context.Background(), result.SessionID, "backend-team")
	if err != nil {
		t.Fatalf("SelectTeam: %v", err)
	}
	if selected.Status != session.StatusReadyForExchange {
		t.Errorf("status = %s, want %s", selected.Status, session.StatusReadyForExchange)
	}
	if selected.SelectedTeam != "backend-team" {
		t.Errorf("selected team = %s, want backend-team", selected.SelectedTeam)
	}

	minted, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if minted.Metadata["team"] != "backend-team" {
		t.Errorf("metadata team = %s, want backend-team", minted.Metadata["team"])
	}
}

func TestSelectTeam_RequiresAwaitingSelection(t *testing.T) {
	env := newTestEnv(t)

	// Single-team session is already READY; selection makes no sense.
	result := env.login(t)
	if _, err := env.broker.SelectTeam(context.Background(), result.SessionID, "mobile-team"); KindOf(err) != KindSessionNotReady {
		t.Errorf("kind = %s, want %s", KindOf(err), KindSessionNotReady)
	}

	if _, err := env.broker.SelectTeam(context.Background(), "missing", "mobile-team"); KindOf(err) != KindSessionNotFound {
		t.Errorf("unknown session kind = %s, want %s", KindOf(err), KindSessionNotFound)
	}
}

func TestExchange_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	result := env.login(t)

	if _, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{}); err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	_, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{})
	if KindOf(err) != KindSessionAlreadyUsed {
		t.Errorf("second exchange kind = %s, want %s", KindOf(err), KindSessionAlreadyUsed)
	}
}

func TestExchange_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	result := env.login(t)

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{}); err == nil {
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
	if got := len(env.vault.Creates()); got != 1 {
		t.Errorf("vault token creates = %d, want 1", got)
	}
}

func TestExchange_NotReadySession(t *testing.T) {
	env := newTestEnv(t)
	env.idp.Claims.Groups = []string{"mobile-developers", "backend-developers"}

	result := env.login(t)

	// Still awaiting team selection.
	if _, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{}); KindOf(err) != KindSessionNotReady {
		t.Errorf("kind = %s, want %s", KindOf(err), KindSessionNotReady)
	}

	if _, err := env.broker.Exchange(context.Background(), "missing", token.Metadata{}); KindOf(err) != KindSessionNotFound {
		t.Errorf("unknown session kind = %s, want %s", KindOf(err), KindSessionNotFound)
	}
}

func TestCallback_ForgedStateNeverReachesIdP(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.broker.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	_, err := env.broker.HandleCallback(context.Background(), "some-code", "forged-state")
	if KindOf(err) != KindInvalidState {
		t.Errorf("kind = %s, want %s", KindOf(err), KindInvalidState)
	}
	if got := env.idp.TokenCalls.Load(); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestCallback_NoTeamAssignmentPoisonsSession(t *testing.T) {
	env := newTestEnv(t)
	env.idp.Claims.Groups = []string{"lunch-club"}

	start, err := env.broker.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	q := authQuery(t, start.AuthURL)
	code := env.idp.CreateAuthorizationCode(q.Get("redirect_uri"), q.Get("code_challenge"), q.Get("nonce"))

	_, err = env.broker.HandleCallback(context.Background(), code, q.Get("state"))
	if KindOf(err) != KindNoTeamAssignment {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindNoTeamAssignment)
	}

	snap, err := env.store.FindBySession(start.SessionID)
	if err != nil {
		t.Fatalf("FindBySession: %v", err)
	}
	if snap.Status != session.StatusFailed {
		t.Errorf("status = %s, want %s", snap.Status, session.StatusFailed)
	}
}

func TestCallback_NonceMismatchPoisonsSession(t *testing.T) {
	env := newTestEnv(t)

	start, err := env.broker.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	q := authQuery(t, start.AuthURL)

	// Code minted for a different nonce than the session stored.
	code := env.idp.CreateAuthorizationCode(q.Get("redirect_uri"), q.Get("code_challenge"), "some-other-nonce")

	_, err = env.broker.HandleCallback(context.Background(), code, q.Get("state"))
	if KindOf(err) != KindIDTokenInvalid {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindIDTokenInvalid)
	}

	snap, _ := env.store.FindBySession(start.SessionID)
	if snap.Status != session.StatusFailed {
		t.Errorf("status = %s, want %s", snap.Status, session.StatusFailed)
	}
}

func TestCallback_SecondDeliveryRejected(t *testing.T) {
	env := newTestEnv(t)

	start, err := env.broker.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	q := authQuery(t, start.AuthURL)
	code := env.idp.CreateAuthorizationCode(q.Get("redirect_uri"), q.Get("code_challenge"), q.Get("nonce"))

	if _, err := env.broker.HandleCallback(context.Background(), code, q.Get("state")); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	// A replayed redirect finds the session past PENDING_CALLBACK.
	if _, err := env.broker.HandleCallback(context.Background(), code, q.Get("state")); KindOf(err) != KindInvalidState {
		t.Errorf("replay kind = %s, want %s", KindOf(err), KindInvalidState)
	}
}

func TestCallback_UserinfoFallbackForGroups(t *testing.T) {
	env := newTestEnv(t)
	env.idp.GroupsInIDToken = false
	env.idp.Claims.Groups = []string{"backend-developers"}

	result := env.login(t)

	if result.Status != session.StatusReadyForExchange {
		t.Fatalf("status = %s, want %s", result.Status, session.StatusReadyForExchange)
	}
	if result.SelectedTeam != "backend-team" {
		t.Errorf("selected team = %s, want backend-team", result.SelectedTeam)
	}
	if got := env.idp.UserinfoCalls.Load(); got == 0 {
		t.Error("userinfo endpoint was never consulted")
	}
}

func TestExchange_VaultFailurePoisonsSession(t *testing.T) {
	env := newTestEnv(t)
	env.vault.RejectCreate = true

	result := env.login(t)

	_, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{})
	if KindOf(err) != KindVaultPolicyDenied {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindVaultPolicyDenied)
	}

	// The claim is demoted, not left as a phantom success.
	snap, err := env.store.FindBySession(result.SessionID)
	if err != nil {
		t.Fatalf("FindBySession: %v", err)
	}
	if snap.Status != session.StatusFailed {
		t.Errorf("status = %s, want %s", snap.Status, session.StatusFailed)
	}

	// And a retry does not mint either.
	if _, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{}); KindOf(err) != KindSessionNotReady {
		t.Errorf("retry kind = %s, want %s", KindOf(err), KindSessionNotReady)
	}
}

func TestExchange_ExpiredPickupWindow(t *testing.T) {
	env := newTestEnv(t)
	env.broker.exchangeTTL = time.Millisecond

	result := env.login(t)
	time.Sleep(20 * time.Millisecond)

	if _, err := env.broker.Exchange(context.Background(), result.SessionID, token.Metadata{}); KindOf(err) != KindSessionExpired {
		t.Errorf("kind = %s, want %s", KindOf(err), KindSessionExpired)
	}
}

func TestExchange_TeamEntityStableAcrossUsers(t *testing.T) {
	env := newTestEnv(t)

	env.idp.Claims = idp.MockClaims{
		Subject: "alice-sub", Email: "alice@ex.com", Name: "Alice", Groups: []string{"mobile-developers"},
	}
	first := env.login(t)
	if _, err := env.broker.Exchange(context.Background(), first.SessionID, token.Metadata{}); err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	env.idp.Claims = idp.MockClaims{
		Subject: "bob-sub", Email: "bob@ex.com", Name: "Bob", Groups: []string{"mobile-developers"},
	}
	second := env.login(t)
	if _, err := env.broker.Exchange(context.Background(), second.SessionID, token.Metadata{}); err != nil {
		t.Fatalf("second exchange: %v", err)
	}

	logins := env.vault.Logins()
	if len(logins) != 2 {
		t.Fatalf("vault logins = %d, want 2", len(logins))
	}
	// Both users logged in as the team subject, so Vault sees one entity.
	for i, call := range logins {
		if call.Sub != "mobile-team" {
			t.Errorf("login %d sub = %s, want mobile-team", i, call.Sub)
		}
	}
	if env.vault.EntityID("mobile-team") == "" {
		t.Error("no entity recorded for the team role")
	}
}

func TestStartSession_Backpressure(t *testing.T) {
	env := newTestEnv(t)
	small := session.NewStore(1)
	env.broker.sessions = small
	env.store = small

	if _, err := env.broker.StartSession(context.Background()); err != nil {
		t.Fatalf("first session: %v", err)
	}
	if _, err := env.broker.StartSession(context.Background()); KindOf(err) != KindBackpressure {
		t.Errorf("kind = %s, want %s", KindOf(err), KindBackpressure)
	}
}
