// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/buildsec/bazel-auth-broker/internal/broker"
	"github.com/buildsec/bazel-auth-broker/internal/keys"
	"github.com/buildsec/bazel-auth-broker/internal/session"
	"github.com/buildsec/bazel-auth-broker/internal/token"
)

// maxMetadataBytes bounds each exchange metadata field. Oversized fields
// reject the request before any state transition.
const maxMetadataBytes = 256

// stateCookie carries the OAuth state through the browser flow for a
// CSRF cross-check on callback.
const stateCookie = "broker_state"

// Handler serves the broker's HTTP surface.
type Handler struct {
	broker      *broker.Broker
	keys        *keys.Manager
	exchangeTTL int
}

// NewHandler creates the HTTP handler set.
func NewHandler(b *broker.Broker, km *keys.Manager, exchangeTTLSecs int) *Handler {
	return &Handler{
		broker:      b,
		keys:        km,
		exchangeTTL: exchangeTTLSecs,
	}
}

// Health reports broker liveness and whether Vault answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"auth_method":     "okta_oidc",
		"vault_reachable": h.broker.VaultReachable(r.Context()),
	})
}

// JWKS publishes the broker's signing keys. Vault's JWT auth mount reads
// this document to verify broker JWTs.
func (h *Handler) JWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.keys.JWKS())
}

// CLIStart begins a CLI flow: it creates a session and returns the
// pre-built authorization URL for the caller to open in a browser.
func (h *Handler) CLIStart(w http.ResponseWriter, r *http.Request) {
	result, err := h.broker.StartSession(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": result.SessionID,
		"state":      result.State,
		"auth_url":   result.AuthURL,
		"expires_in": result.ExpiresIn,
	})
}

// Home serves the login landing page.
func (h *Handler) Home(w http.ResponseWriter, _ *http.Request) {
	renderHTML(w, homeTemplate, http.StatusOK, nil)
}

// Login begins a browser flow: create a session, set the state cookie,
// redirect to the IdP.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	result, err := h.broker.StartSession(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    result.State,
		Path:     "/auth",
		MaxAge:   result.ExpiresIn,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, result.AuthURL, http.StatusFound)
}

// Callback finishes the IdP leg. A single-candidate user lands on the
// callback page with their session ID; a multi-candidate user is sent to
// team selection.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeErrorKind(w, r, broker.KindInvalidState)
		return
	}

	// Browser flows carry the state in a cookie too; a mismatch means
	// the redirect was not initiated by this browser. CLI flows have no
	// cookie and rely on the server-side state check alone.
	if cookie, err := r.Cookie(stateCookie); err == nil && cookie.Value != state {
		writeErrorKind(w, r, broker.KindInvalidState)
		return
	}

	result, err := h.broker.HandleCallback(r.Context(), code, state)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if result.Status == session.StatusAwaitingTeamSelection {
		http.Redirect(w, r, "/auth/select-team?session_id="+url.QueryEscape(result.SessionID), http.StatusFound)
		return
	}

	renderHTML(w, callbackTemplate, http.StatusOK, callbackPage{
		SessionID: result.SessionID,
		Team:      result.SelectedTeam,
		BaseURL:   baseURL(r),
		ExpiresIn: h.exchangeTTL,
	})
}

// SelectTeamPage renders the candidate list for a parked session.
func (h *Handler) SelectTeamPage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeErrorKind(w, r, broker.KindSessionNotFound)
		return
	}

	snap, err := h.broker.GetSession(sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if snap.Status != session.StatusAwaitingTeamSelection {
		writeErrorKind(w, r, broker.KindSessionNotReady)
		return
	}

	renderHTML(w, selectTeamTemplate, http.StatusOK, selectTeamPage{
		SessionID: snap.SessionID,
		Teams:     snap.CandidateTeams,
	})
}

// SelectTeam accepts the user's pick. It takes either a JSON body or a
// browser form post.
func (h *Handler) SelectTeam(w http.ResponseWriter, r *http.Request) {
	sessionID, teamName, fromForm := readSelection(r)
	if sessionID == "" || teamName == "" {
		writeErrorKind(w, r, broker.KindInvalidTeamSelection)
		return
	}

	result, err := h.broker.SelectTeam(r.Context(), sessionID, teamName)
	if err != nil {
		// A bad pick from a browser form re-renders the selection page.
		if fromForm && broker.KindOf(err) == broker.KindInvalidTeamSelection {
			if snap, serr := h.broker.GetSession(sessionID); serr == nil {
				renderHTML(w, selectTeamTemplate, http.StatusBadRequest, selectTeamPage{
					SessionID: snap.SessionID,
					Teams:     snap.CandidateTeams,
					Error:     "That team is not one of your candidates.",
				})
				return
			}
		}
		writeError(w, r, err)
		return
	}

	if fromForm {
		renderHTML(w, callbackTemplate, http.StatusOK, callbackPage{
			SessionID: result.SessionID,
			Team:      result.SelectedTeam,
			BaseURL:   baseURL(r),
			ExpiresIn: h.exchangeTTL,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":    result.SessionID,
		"status":        string(result.Status),
		"selected_team": result.SelectedTeam,
	})
}

// exchangeRequest is the /exchange body. Unknown fields are ignored.
type exchangeRequest struct {
	SessionID string `json:"session_id"`
	Pipeline  string `json:"pipeline"`
	Repo      string `json:"repo"`
	Target    string `json:"target"`
	RunID     string `json:"run_id"`
}

// Exchange redeems a READY session for a Vault child token.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     string(broker.KindInvalidState),
			Message:   "request body is not valid JSON",
			RequestID: RequestIDFromContext(r.Context()),
		})
		return
	}
	if req.SessionID == "" {
		writeErrorKind(w, r, broker.KindSessionNotFound)
		return
	}

	// Metadata is untrusted client input; oversized fields reject the
	// request before any state transition happens.
	for _, field := range []string{req.Pipeline, req.Repo, req.Target, req.RunID} {
		if len(field) > maxMetadataBytes {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:     string(broker.KindInvalidState),
				Message:   "metadata fields are limited to 256 bytes",
				RequestID: RequestIDFromContext(r.Context()),
			})
			return
		}
	}

	result, err := h.broker.Exchange(r.Context(), req.SessionID, token.Metadata{
		Pipeline: req.Pipeline,
		Repo:     req.Repo,
		Target:   req.Target,
		RunID:    req.RunID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":          result.Token,
		"ttl":            result.TTLSecs,
		"uses_remaining": result.UsesRemaining,
		"policies":       result.Policies,
		"metadata":       result.Metadata,
	})
}

// readSelection pulls session_id and team from a JSON body or form post.
func readSelection(r *http.Request) (sessionID, teamName string, fromForm bool) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var body struct {
			SessionID string `json:"session_id"`
			Team      string `json:"team"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", "", false
		}
		return body.SessionID, body.Team, false
	}

	if err := r.ParseForm(); err != nil {
		return "", "", true
	}
	return r.PostFormValue("session_id"), r.PostFormValue("team"), true
}

// baseURL reconstructs the externally visible base URL for the curl
// examples on the callback page.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
