// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package broker orchestrates one authentication flow end to end: session
// creation, the IdP callback, team selection, and the final exchange that
// turns a READY session into a bounded Vault child token. The HTTP layer
// translates requests into these operations and broker errors into wire
// responses; all flow decisions live here.
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/buildsec/bazel-auth-broker/internal/idp"
	"github.com/buildsec/bazel-auth-broker/internal/logging"
	"github.com/buildsec/bazel-auth-broker/internal/session"
	"github.com/buildsec/bazel-auth-broker/internal/team"
	"github.com/buildsec/bazel-auth-broker/internal/token"
	"github.com/buildsec/bazel-auth-broker/internal/vault"
)

// metadataSource is stamped into every child token's metadata so Vault
// audit logs show where the token came from.
const metadataSource = "oidc-broker"

// Broker wires the flow components together.
type Broker struct {
	idp      *idp.Client
	sessions *session.Store
	teams    *team.Resolver
	issuer   *token.Issuer
	vault    *vault.Client

	sessionTTL  time.Duration
	exchangeTTL time.Duration
}

// New creates a broker. sessionTTL bounds the login window (start to
// callback); exchangeTTL bounds the pickup window (READY to exchange).
func New(idpClient *idp.Client, sessions *session.Store, teams *team.Resolver, issuer *token.Issuer, vaultClient *vault.Client, sessionTTL, exchangeTTL time.Duration) *Broker {
	return &Broker{
		idp:         idpClient,
		sessions:    sessions,
		teams:       teams,
		issuer:      issuer,
		vault:       vaultClient,
		sessionTTL:  sessionTTL,
		exchangeTTL: exchangeTTL,
	}
}

// StartResult is the handle pack a new flow gets: the session ID to poll
// and exchange with, and the IdP URL to open in a browser.
type StartResult struct {
	SessionID string
	State     string
	AuthURL   string
	ExpiresIn int
}

// StartSession creates a session with fresh flow secrets and builds the
// authorization URL for it.
func (b *Broker) StartSession(_ context.Context) (*StartResult, error) {
	secrets, err := idp.NewFlowSecrets()
	if err != nil {
		return nil, wrap(KindInternal, err)
	}

	s, err := b.sessions.Create(session.Seed{
		State:         secrets.State,
		Nonce:         secrets.Nonce,
		PKCEVerifier:  secrets.PKCEVerifier,
		PKCEChallenge: secrets.PKCEChallenge,
	}, b.sessionTTL)
	if err != nil {
		return nil, wrap(classify(err), err)
	}

	logging.Info().
		Str("session_id", s.ID).
		Msg("session created")

	return &StartResult{
		SessionID: s.ID,
		State:     s.State,
		AuthURL:   b.idp.AuthorizeURL(s.State, s.PKCEChallenge, s.Nonce),
		ExpiresIn: int(b.sessionTTL.Seconds()),
	}, nil
}

// CallbackResult describes where the flow stands after the callback or a
// team selection.
type CallbackResult struct {
	SessionID      string
	Status         session.Status
	SelectedTeam   string
	CandidateTeams []string
	UserEmail      string
}

// HandleCallback completes the IdP leg of the flow: it rejoins the
// browser redirect to its session by OAuth state, redeems the code with
// the stored PKCE verifier, verifies the ID token against the stored
// nonce, derives the candidate teams, and advances the session. With a
// single candidate the team is selected automatically and the session
// becomes READY_FOR_EXCHANGE; with several it parks in
// AWAITING_TEAM_SELECTION.
//
// Any failure after the session is located poisons it: a session never
// retries the callback.
func (b *Broker) HandleCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	s, err := b.sessions.FindByState(state)
	if err != nil {
		if kind := classify(err); kind == KindSessionExpired {
			return nil, wrap(KindSessionExpired, err)
		}
		// Unknown state is indistinguishable from a forged redirect.
		return nil, wrap(KindInvalidState, err)
	}

	if s.Status != session.StatusPendingCallback {
		return nil, wrap(KindInvalidState, session.ErrInvalidTransition)
	}

	tokens, err := b.idp.ExchangeCode(ctx, code, s.PKCEVerifier)
	if err != nil {
		b.failCallback(s.ID, "code exchange failed", err)
		recordCallback("failed")
		return nil, wrap(classify(err), err)
	}

	claims, err := b.idp.VerifyIDToken(ctx, tokens.IDToken, s.Nonce)
	if err != nil {
		b.failCallback(s.ID, "id token rejected", err)
		recordCallback("failed")
		return nil, wrap(classify(err), err)
	}

	user := session.User{
		Email:       claims.Email,
		DisplayName: claims.Name,
		Subject:     claims.Subject,
		Groups:      claims.Groups,
	}

	// Some IdPs omit groups (or email) from the ID token; userinfo is
	// the fallback, authorized by the access token from the same
	// exchange.
	if len(user.Groups) == 0 || user.Email == "" {
		info, err := b.idp.FetchUserinfo(ctx, tokens.AccessToken)
		if err != nil {
			b.failCallback(s.ID, "userinfo fetch failed", err)
			recordCallback("failed")
			return nil, wrap(classify(err), err)
		}
		if len(user.Groups) == 0 {
			user.Groups = info.Groups
		}
		if user.Email == "" {
			user.Email = info.Email
		}
		if user.DisplayName == "" {
			user.DisplayName = info.Name
		}
	}

	candidates, err := b.teams.CandidateTeams(user.Groups)
	if err != nil {
		b.failCallback(s.ID, "no team assignment", err)
		recordCallback("failed")
		return nil, wrap(classify(err), err)
	}

	var updated session.Session
	if len(candidates) == 1 {
		selected := candidates[0]
		updated, err = b.sessions.Transition(s.ID, session.StatusPendingCallback, session.StatusReadyForExchange, func(rec *session.Session) {
			rec.User = user
			rec.CandidateTeams = candidates
			rec.SelectedTeam = selected
			rec.ExpiresAt = time.Now().Add(b.exchangeTTL)
		})
	} else {
		updated, err = b.sessions.Transition(s.ID, session.StatusPendingCallback, session.StatusAwaitingTeamSelection, func(rec *session.Session) {
			rec.User = user
			rec.CandidateTeams = candidates
		})
	}
	if err != nil {
		return nil, wrap(classify(err), err)
	}

	if updated.Status == session.StatusReadyForExchange {
		recordCallback("ready")
	} else {
		recordCallback("awaiting_selection")
	}

	logging.Info().
		Str("session_id", updated.ID).
		Str("status", string(updated.Status)).
		Str("user", updated.User.Email).
		Strs("candidate_teams", updated.CandidateTeams).
		Msg("callback completed")

	return callbackResult(updated), nil
}

// SelectTeam resolves a multi-team session: the selection must be one of
// the session's candidates, and a valid selection moves the session to
// READY_FOR_EXCHANGE with a fresh pickup window.
func (b *Broker) SelectTeam(_ context.Context, sessionID, selected string) (*CallbackResult, error) {
	s, err := b.sessions.FindBySession(sessionID)
	if err != nil {
		return nil, wrap(classify(err), err)
	}

	if s.Status != session.StatusAwaitingTeamSelection {
		return nil, wrap(KindSessionNotReady, session.ErrInvalidTransition)
	}

	if err := b.teams.ValidateSelection(selected, s.CandidateTeams); err != nil {
		// A bad pick is recoverable; the session stays put.
		return nil, wrap(classify(err), err)
	}

	updated, err := b.sessions.Transition(s.ID, session.StatusAwaitingTeamSelection, session.StatusReadyForExchange, func(rec *session.Session) {
		rec.SelectedTeam = selected
		rec.ExpiresAt = time.Now().Add(b.exchangeTTL)
	})
	if err != nil {
		return nil, wrap(classify(err), err)
	}

	logging.Info().
		Str("session_id", updated.ID).
		Str("team", selected).
		Msg("team selected")

	return callbackResult(updated), nil
}

// GetSession returns a read-only snapshot for status and selection pages.
func (b *Broker) GetSession(sessionID string) (*CallbackResult, error) {
	s, err := b.sessions.FindBySession(sessionID)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	return callbackResult(s), nil
}

// ExchangeResult is the minted child token handed to the caller.
type ExchangeResult struct {
	Token         string
	TTLSecs       int
	UsesRemaining int
	Policies      []string
	Metadata      map[string]string
}

// Exchange redeems a READY_FOR_EXCHANGE session for a Vault child token.
//
// The session is claimed first: the EXCHANGED transition is the
// compare-and-swap that makes the exchange single-use, so concurrent
// calls produce exactly one winner before any Vault traffic happens.
// If Vault then fails, the claim is demoted to FAILED and the error is
// surfaced; the session cannot be retried.
func (b *Broker) Exchange(ctx context.Context, sessionID string, meta token.Metadata) (*ExchangeResult, error) {
	start := time.Now()

	s, err := b.sessions.Transition(sessionID, session.StatusReadyForExchange, session.StatusExchanged, nil)
	if err != nil {
		recordExchange("", "claim_rejected", time.Since(start))
		return nil, wrap(exchangeClaimKind(s, err), err)
	}

	result, err := b.mintChildToken(ctx, s, meta)
	if err != nil {
		b.sessions.AbortExchange(s.ID)
		recordExchange(s.SelectedTeam, "vault_failed", time.Since(start))
		logging.Error().
			Err(err).
			Str("session_id", s.ID).
			Str("team", s.SelectedTeam).
			Msg("exchange failed after claim")
		return nil, wrap(classify(err), err)
	}

	recordExchange(s.SelectedTeam, "ok", time.Since(start))
	logging.Info().
		Str("session_id", s.ID).
		Str("team", s.SelectedTeam).
		Str("user", s.User.Email).
		Int("ttl_secs", result.TTLSecs).
		Msg("session exchanged")

	return result, nil
}

// mintChildToken performs the Vault leg: broker JWT, team login, child
// token creation.
func (b *Broker) mintChildToken(ctx context.Context, s session.Session, meta token.Metadata) (*ExchangeResult, error) {
	teamName := s.SelectedTeam

	brokerJWT, err := b.issuer.Mint(teamName, token.Identity{
		Email:   s.User.Email,
		Name:    s.User.DisplayName,
		Subject: s.User.Subject,
		Groups:  s.User.Groups,
	}, meta)
	if err != nil {
		return nil, err
	}

	auth, err := b.vault.LoginAsTeam(ctx, b.teams.JWTRole(teamName), brokerJWT)
	if err != nil {
		return nil, err
	}

	child, err := b.vault.CreateChildToken(ctx, auth.ClientToken, b.teams.TokenRole(teamName), vault.ChildTokenRequest{
		Policies:    b.teams.Policies(teamName),
		Metadata:    childMetadata(s, meta),
		TTLSecs:     b.teams.TokenTTLSecs(),
		NumUses:     b.teams.TokenUses(),
		DisplayName: b.teams.DisplayName(teamName, s.User.Email),
	})
	if err != nil {
		return nil, err
	}

	return &ExchangeResult{
		Token:         child.Token,
		TTLSecs:       child.TTLSecs,
		UsesRemaining: child.UsesRemaining,
		Policies:      child.Policies,
		Metadata:      child.Metadata,
	}, nil
}

// VaultReachable probes Vault for the health endpoint.
func (b *Broker) VaultReachable(ctx context.Context) bool {
	return b.vault.Reachable(ctx)
}

// childMetadata assembles the audit metadata written onto the child
// token.
func childMetadata(s session.Session, meta token.Metadata) map[string]string {
	md := map[string]string{
		"team":   s.SelectedTeam,
		"user":   s.User.Email,
		"name":   s.User.DisplayName,
		"source": metadataSource,
		"groups": strings.Join(s.User.Groups, ","),
	}
	if meta.Pipeline != "" {
		md["pipeline"] = meta.Pipeline
	}
	if meta.Repo != "" {
		md["repo"] = meta.Repo
	}
	if meta.Target != "" {
		md["target"] = meta.Target
	}
	if meta.RunID != "" {
		md["run_id"] = meta.RunID
	}
	return md
}

// exchangeClaimKind maps a failed exchange claim to the precise wire
// error: a session that already went through is ALREADY_USED, anything
// else that is not READY is NOT_READY.
func exchangeClaimKind(s session.Session, err error) ErrorKind {
	kind := classify(err)
	if kind == KindSessionNotReady && s.Status == session.StatusExchanged {
		return KindSessionAlreadyUsed
	}
	return kind
}

// failCallback poisons a session after a callback-leg failure.
func (b *Broker) failCallback(sessionID, reason string, err error) {
	b.sessions.Fail(sessionID)
	logging.Warn().
		Err(err).
		Str("session_id", sessionID).
		Msg(reason)
}

// callbackResult copies the snapshot fields the HTTP layer exposes.
func callbackResult(s session.Session) *CallbackResult {
	return &CallbackResult{
		SessionID:      s.ID,
		Status:         s.Status,
		SelectedTeam:   s.SelectedTeam,
		CandidateTeams: s.CandidateTeams,
		UserEmail:      s.User.Email,
	}
}
