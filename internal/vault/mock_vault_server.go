// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package vault

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// MockVault is a fake Vault for tests. It implements the two write paths
// the broker uses plus sys/health, records every login for assertion, and
// returns a stable entity ID per JWT role so tests can verify team-entity
// stability.
type MockVault struct {
	Server *httptest.Server

	// FailuresBeforeSuccess makes the next N requests answer 503, to
	// exercise the retry path.
	FailuresBeforeSuccess int

	// RejectLogin makes jwt/login answer 400 with a role error.
	RejectLogin bool

	// RejectCreate makes token/create answer 403.
	RejectCreate bool

	mu           sync.Mutex
	logins       []LoginCall
	creates      []CreateCall
	entityByRole map[string]string
	parentTokens map[string]string // parent token -> role
	tokenSeq     int
}

// LoginCall records one auth/jwt/login request.
type LoginCall struct {
	Role string
	// Sub is the sub claim of the presented JWT, decoded without
	// verification. The fake does not validate signatures.
	Sub    string
	Claims map[string]interface{}
}

// CreateCall records one auth/token/create/<role> request.
type CreateCall struct {
	Role        string
	ParentToken string
	Policies    []string
	Metadata    map[string]string
	TTL         string
	NumUses     int
	DisplayName string
}

// NewMockVault starts a fake Vault.
func NewMockVault() *MockVault {
	mock := &MockVault{
		entityByRole: make(map[string]string),
		parentTokens: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/jwt/login", mock.handleLogin)
	mux.HandleFunc("/v1/auth/token/create/", mock.handleCreate)
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mock.Server = httptest.NewServer(mux)
	return mock
}

// Close shuts down the fake.
func (m *MockVault) Close() {
	if m.Server != nil {
		m.Server.Close()
	}
}

// Logins returns the recorded login calls.
func (m *MockVault) Logins() []LoginCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LoginCall(nil), m.logins...)
}

// Creates returns the recorded token-create calls.
func (m *MockVault) Creates() []CreateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CreateCall(nil), m.creates...)
}

// EntityID returns the stable entity ID assigned to a role.
func (m *MockVault) EntityID(role string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entityByRole[role]
}

// failNext consumes one configured failure.
func (m *MockVault) failNext(w http.ResponseWriter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailuresBeforeSuccess > 0 {
		m.FailuresBeforeSuccess--
		http.Error(w, `{"errors":["internal error"]}`, http.StatusServiceUnavailable)
		return true
	}
	return false
}

func (m *MockVault) handleLogin(w http.ResponseWriter, r *http.Request) {
	if m.failNext(w) {
		return
	}

	var body struct {
		JWT  string `json:"jwt"`
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendVaultError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if m.RejectLogin {
		sendVaultError(w, http.StatusBadRequest, fmt.Sprintf("role %q could not be found", body.Role))
		return
	}

	claims := decodeJWTClaims(body.JWT)
	sub, _ := claims["sub"].(string)

	m.mu.Lock()
	m.logins = append(m.logins, LoginCall{Role: body.Role, Sub: sub, Claims: claims})

	entity, ok := m.entityByRole[body.Role]
	if !ok {
		entity = "entity-" + body.Role
		m.entityByRole[body.Role] = entity
	}

	m.tokenSeq++
	parent := fmt.Sprintf("hvs.parent-%d", m.tokenSeq)
	m.parentTokens[parent] = body.Role
	m.mu.Unlock()

	writeAuth(w, map[string]interface{}{
		"client_token":   parent,
		"entity_id":      entity,
		"policies":       []string{"default", "bazel-base", "bazel-" + body.Role},
		"lease_duration": 3600,
	})
}

func (m *MockVault) handleCreate(w http.ResponseWriter, r *http.Request) {
	if m.failNext(w) {
		return
	}

	role := strings.TrimPrefix(r.URL.Path, "/v1/auth/token/create/")
	parent := r.Header.Get("X-Vault-Token")

	m.mu.Lock()
	_, knownParent := m.parentTokens[parent]
	m.mu.Unlock()

	if !knownParent {
		sendVaultError(w, http.StatusForbidden, "permission denied")
		return
	}
	if m.RejectCreate {
		sendVaultError(w, http.StatusForbidden, "token policies are not a subset of allowed policies")
		return
	}

	var body struct {
		Policies    []string          `json:"policies"`
		Metadata    map[string]string `json:"metadata"`
		TTL         string            `json:"ttl"`
		NumUses     int               `json:"num_uses"`
		DisplayName string            `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendVaultError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m.mu.Lock()
	m.creates = append(m.creates, CreateCall{
		Role:        role,
		ParentToken: parent,
		Policies:    body.Policies,
		Metadata:    body.Metadata,
		TTL:         body.TTL,
		NumUses:     body.NumUses,
		DisplayName: body.DisplayName,
	})
	m.tokenSeq++
	child := fmt.Sprintf("hvs.child-%d", m.tokenSeq)
	m.mu.Unlock()

	ttlSecs := 0
	_, _ = fmt.Sscanf(body.TTL, "%ds", &ttlSecs)

	writeAuth(w, map[string]interface{}{
		"client_token":   child,
		"policies":       body.Policies,
		"metadata":       body.Metadata,
		"lease_duration": ttlSecs,
		"num_uses":       body.NumUses,
	})
}

// decodeJWTClaims extracts the payload of a compact JWS without verifying.
func decodeJWTClaims(jwt string) map[string]interface{} {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return claims
}

func writeAuth(w http.ResponseWriter, auth map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // response encoding failure is not recoverable in a test mock
	json.NewEncoder(w).Encode(map[string]interface{}{"auth": auth})
}

func sendVaultError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // response encoding failure is not recoverable in a test mock
	json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{msg}})
}
