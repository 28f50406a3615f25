// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package vault

import (
	"context"
	"errors"
	"testing"
	"time"
)

// signedTestJWT is a structurally valid compact JWS with sub=mobile-team.
// The mock does not verify signatures.
const signedTestJWT = "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9." +
	"eyJzdWIiOiJtb2JpbGUtdGVhbSIsImlzcyI6ImJhemVsLWF1dGgtYnJva2VyIn0." +
	"c2lnbmF0dXJl"

func newTestClient(t *testing.T) (*Client, *MockVault) {
	t.Helper()
	mock := NewMockVault()
	t.Cleanup(mock.Close)

	client := NewClient(Config{Addr: mock.Server.URL})
	return client, mock
}

func TestLoginAsTeam(t *testing.T) {
	client, mock := newTestClient(t)

	auth, err := client.LoginAsTeam(context.Background(), "mobile-team", signedTestJWT)
	if err != nil {
		t.Fatalf("LoginAsTeam: %v", err)
	}
	if auth.ClientToken == "" {
		t.Error("auth missing client token")
	}
	if auth.EntityID == "" {
		t.Error("auth missing entity ID")
	}

	logins := mock.Logins()
	if len(logins) != 1 {
		t.Fatalf("login calls = %d, want 1", len(logins))
	}
	if logins[0].Role != "mobile-team" {
		t.Errorf("role = %s, want mobile-team", logins[0].Role)
	}
	if logins[0].Sub != "mobile-team" {
		t.Errorf("jwt sub = %s, want mobile-team", logins[0].Sub)
	}
}

func TestLoginAsTeam_EntityStablePerRole(t *testing.T) {
	client, mock := newTestClient(t)
	ctx := context.Background()

	first, err := client.LoginAsTeam(ctx, "mobile-team", signedTestJWT)
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := client.LoginAsTeam(ctx, "mobile-team", signedTestJWT)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	if first.EntityID != second.EntityID {
		t.Errorf("entity IDs differ: %s vs %s", first.EntityID, second.EntityID)
	}
	if first.ClientToken == second.ClientToken {
		t.Error("parent tokens should be unique per login")
	}

	other, err := client.LoginAsTeam(ctx, "backend-team", signedTestJWT)
	if err != nil {
		t.Fatalf("other-team login: %v", err)
	}
	if other.EntityID == first.EntityID {
		t.Error("different roles share an entity")
	}
	if first.EntityID != mock.EntityID("mobile-team") {
		t.Error("entity ID does not match the role's stable entity")
	}
}

func TestLoginAsTeam_Rejected(t *testing.T) {
	client, mock := newTestClient(t)
	mock.RejectLogin = true

	_, err := client.LoginAsTeam(context.Background(), "unknown-team", signedTestJWT)
	if !errors.Is(err, ErrRoleMissing) {
		t.Errorf("error = %v, want ErrRoleMissing", err)
	}
}

func TestCreateChildToken(t *testing.T) {
	client, mock := newTestClient(t)
	ctx := context.Background()

	auth, err := client.LoginAsTeam(ctx, "mobile-team", signedTestJWT)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	child, err := client.CreateChildToken(ctx, auth.ClientToken, "mobile-team-token", ChildTokenRequest{
		Policies:    []string{"bazel-base", "bazel-mobile-team"},
		Metadata:    map[string]string{"team": "mobile-team", "user": "alice@ex.com"},
		TTLSecs:     7200,
		NumUses:     10,
		DisplayName: "bazel-mobile-team-alice",
	})
	if err != nil {
		t.Fatalf("CreateChildToken: %v", err)
	}

	if child.Token == "" {
		t.Error("child token empty")
	}
	if child.TTLSecs != 7200 {
		t.Errorf("ttl = %d, want 7200", child.TTLSecs)
	}
	if child.UsesRemaining != 10 {
		t.Errorf("uses = %d, want 10", child.UsesRemaining)
	}

	creates := mock.Creates()
	if len(creates) != 1 {
		t.Fatalf("create calls = %d, want 1", len(creates))
	}
	call := creates[0]
	if call.Role != "mobile-team-token" {
		t.Errorf("role = %s, want mobile-team-token", call.Role)
	}
	if call.ParentToken != auth.ClientToken {
		t.Error("child was not created under the login's parent token")
	}
	if call.TTL != "7200s" {
		t.Errorf("ttl = %s, want 7200s", call.TTL)
	}
	if call.Metadata["user"] != "alice@ex.com" {
		t.Errorf("metadata = %v", call.Metadata)
	}
}

func TestCreateChildToken_UnknownParentRejected(t *testing.T) {
	client, _ := newTestClient(t)

	// Vault answers an unknown parent token with a plain permission
	// denied, not a policy violation.
	_, err := client.CreateChildToken(context.Background(), "hvs.forged", "mobile-team-token", ChildTokenRequest{
		Policies: []string{"bazel-base"},
		TTLSecs:  7200,
		NumUses:  10,
	})
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("error = %v, want ErrAuthRejected", err)
	}
	if errors.Is(err, ErrPolicyDenied) {
		t.Error("a rejected parent token must not classify as a policy violation")
	}
}

func TestCreateChildToken_PolicyDenied(t *testing.T) {
	client, mock := newTestClient(t)
	ctx := context.Background()

	auth, err := client.LoginAsTeam(ctx, "mobile-team", signedTestJWT)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	mock.RejectCreate = true
	_, err = client.CreateChildToken(ctx, auth.ClientToken, "mobile-team-token", ChildTokenRequest{
		Policies: []string{"bazel-base", "bazel-devops-team"},
		TTLSecs:  7200,
		NumUses:  10,
	})
	if !errors.Is(err, ErrPolicyDenied) {
		t.Errorf("error = %v, want ErrPolicyDenied", err)
	}
}

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	client, mock := newTestClient(t)
	mock.FailuresBeforeSuccess = 2

	auth, err := client.LoginAsTeam(context.Background(), "mobile-team", signedTestJWT)
	if err != nil {
		t.Fatalf("login after transient failures: %v", err)
	}
	if auth.ClientToken == "" {
		t.Error("auth missing client token")
	}
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	client, mock := newTestClient(t)
	mock.FailuresBeforeSuccess = 10

	start := time.Now()
	_, err := client.LoginAsTeam(context.Background(), "mobile-team", signedTestJWT)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}

	if mock.FailuresBeforeSuccess != 10-maxAttempts {
		t.Errorf("attempts consumed = %d, want %d", 10-mock.FailuresBeforeSuccess, maxAttempts)
	}

	// The initial try plus one retry per backoff entry: giving up must
	// have slept through the whole 250ms + 1s + 4s schedule.
	if elapsed := time.Since(start); elapsed < 5*time.Second {
		t.Errorf("gave up after %v, want the full backoff schedule", elapsed)
	}
}

func TestWithRetry_NoRetryOnRejection(t *testing.T) {
	client, mock := newTestClient(t)
	mock.RejectLogin = true

	// A rejection returns immediately; the retry schedule would add at
	// least 1.25s of backoff.
	start := time.Now()
	if _, err := client.LoginAsTeam(context.Background(), "mobile-team", signedTestJWT); err == nil {
		t.Fatal("expected rejection")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("rejection took %v, rejections must not be retried", elapsed)
	}
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	client, mock := newTestClient(t)
	mock.FailuresBeforeSuccess = 10

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.LoginAsTeam(ctx, "mobile-team", signedTestJWT); !errors.Is(err, ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable wrapping context error", err)
	}
}
