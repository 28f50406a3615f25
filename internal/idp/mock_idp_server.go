// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package idp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// MockIdP is a fake identity provider for tests. It serves the Okta
// endpoint layout the client expects:
//
//	/v1/authorize  - redirects back with a single-use code
//	/v1/token      - code-for-token exchange with S256 verification
//	/v1/userinfo   - configured claims, Bearer-gated
//	/v1/keys       - JWKS for the signing key
//
// TokenCalls and UserinfoCalls count requests so tests can assert that a
// rejected callback never reached the token endpoint.
type MockIdP struct {
	Server *httptest.Server

	Issuer       string
	ClientID     string
	ClientSecret string

	// Claims is the identity handed out on the next flow.
	Claims MockClaims

	// GroupsInIDToken controls whether the groups claim is embedded in
	// the ID token. When false, groups only appear at /v1/userinfo,
	// which exercises the broker's userinfo fallback.
	GroupsInIDToken bool

	// TokenCalls counts POSTs to /v1/token.
	TokenCalls atomic.Int64

	// UserinfoCalls counts GETs to /v1/userinfo.
	UserinfoCalls atomic.Int64

	privateKey *rsa.PrivateKey
	keyID      string

	mu        sync.Mutex
	authCodes map[string]*mockAuthCode
}

// MockClaims configures the identity the mock asserts.
type MockClaims struct {
	Subject string
	Email   string
	Name    string
	Groups  []string
}

// mockAuthCode is a single-use authorization code.
type mockAuthCode struct {
	Code          string
	RedirectURI   string
	CodeChallenge string
	Nonce         string
	ExpiresAt     time.Time
	Used          bool
	Claims        MockClaims
}

// NewMockIdP starts a fake IdP with a fresh 2048-bit signing key.
func NewMockIdP(clientID, clientSecret string) (*MockIdP, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	mock := &MockIdP{
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		GroupsInIDToken: true,
		privateKey:      privateKey,
		keyID:           generateRandomString(16),
		authCodes:       make(map[string]*mockAuthCode),
		Claims: MockClaims{
			Subject: "user123",
			Email:   "user@example.com",
			Name:    "Test User",
			Groups:  []string{"mobile-developers"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/authorize", mock.handleAuthorize)
	mux.HandleFunc("/v1/token", mock.handleToken)
	mux.HandleFunc("/v1/userinfo", mock.handleUserinfo)
	mux.HandleFunc("/v1/keys", mock.handleJWKS)

	mock.Server = httptest.NewServer(mux)
	mock.Issuer = mock.Server.URL

	return mock, nil
}

// Close shuts down the mock server.
func (m *MockIdP) Close() {
	if m.Server != nil {
		m.Server.Close()
	}
}

// KeyID returns the kid of the mock's signing key.
func (m *MockIdP) KeyID() string {
	return m.keyID
}

// CreateAuthorizationCode mints a code bound to the given flow parameters,
// as if the user had just logged in at the authorize endpoint.
func (m *MockIdP) CreateAuthorizationCode(redirectURI, codeChallenge, nonce string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	code := generateRandomString(32)
	m.authCodes[code] = &mockAuthCode{
		Code:          code,
		RedirectURI:   redirectURI,
		CodeChallenge: codeChallenge,
		Nonce:         nonce,
		ExpiresAt:     time.Now().Add(5 * time.Minute),
		Claims:        m.Claims,
	}

	return code
}

// handleAuthorize validates the client and redirects back with a code,
// simulating a user who authenticates without interaction.
func (m *MockIdP) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("client_id") != m.ClientID {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge_method") != "S256" {
		http.Error(w, "unsupported code_challenge_method", http.StatusBadRequest)
		return
	}

	redirectURI := q.Get("redirect_uri")
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := m.CreateAuthorizationCode(redirectURI, q.Get("code_challenge"), q.Get("nonce"))

	query := parsed.Query()
	query.Set("code", code)
	query.Set("state", q.Get("state"))
	parsed.RawQuery = query.Encode()
	http.Redirect(w, r, parsed.String(), http.StatusFound)
}

// handleToken performs the code-for-token exchange.
func (m *MockIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	m.TokenCalls.Add(1)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if r.FormValue("grant_type") != "authorization_code" {
		m.sendTokenError(w, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	code := r.FormValue("code")

	m.mu.Lock()
	authCode, ok := m.authCodes[code]
	if !ok {
		m.mu.Unlock()
		m.sendTokenError(w, "invalid_grant", "authorization code not found")
		return
	}
	if authCode.Used {
		m.mu.Unlock()
		m.sendTokenError(w, "invalid_grant", "authorization code already used")
		return
	}
	authCode.Used = true

	if time.Now().After(authCode.ExpiresAt) {
		m.mu.Unlock()
		m.sendTokenError(w, "invalid_grant", "authorization code expired")
		return
	}
	if r.FormValue("client_id") != m.ClientID {
		m.mu.Unlock()
		m.sendTokenError(w, "invalid_client", "invalid client_id")
		return
	}
	if m.ClientSecret != "" && r.FormValue("client_secret") != m.ClientSecret {
		m.mu.Unlock()
		m.sendTokenError(w, "invalid_client", "invalid client_secret")
		return
	}
	if r.FormValue("redirect_uri") != authCode.RedirectURI {
		m.mu.Unlock()
		m.sendTokenError(w, "invalid_grant", "invalid redirect_uri")
		return
	}

	if authCode.CodeChallenge != "" {
		verifier := r.FormValue("code_verifier")
		if GeneratePKCECodeChallenge(verifier) != authCode.CodeChallenge {
			m.mu.Unlock()
			m.sendTokenError(w, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	claims := authCode.Claims
	nonce := authCode.Nonce
	m.mu.Unlock()

	idToken, err := m.generateIDToken(claims, nonce, time.Now().Add(time.Hour))
	if err != nil {
		m.sendTokenError(w, "server_error", "failed to generate ID token")
		return
	}

	response := map[string]interface{}{
		"access_token": generateRandomString(32),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleUserinfo returns the configured claims, Bearer-gated.
func (m *MockIdP) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	m.UserinfoCalls.Add(1)

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	response := map[string]interface{}{
		"sub":    m.Claims.Subject,
		"email":  m.Claims.Email,
		"name":   m.Claims.Name,
		"groups": m.Claims.Groups,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleJWKS serves the mock's public key. The ETag is derived from the
// key ID and honored on If-None-Match revalidations.
func (m *MockIdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	etag := `"` + m.keyID + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	pub := &m.privateKey.PublicKey
	jwks := map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "RSA",
				"kid": m.keyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}

// generateIDToken signs an ID token for the given claims.
func (m *MockIdP) generateIDToken(claims MockClaims, nonce string, expiry time.Time) (string, error) {
	now := time.Now()

	jwtClaims := jwt.MapClaims{
		"iss":   m.Issuer,
		"sub":   claims.Subject,
		"aud":   m.ClientID,
		"exp":   expiry.Unix(),
		"iat":   now.Unix(),
		"email": claims.Email,
		"name":  claims.Name,
	}
	if nonce != "" {
		jwtClaims["nonce"] = nonce
	}
	if m.GroupsInIDToken && len(claims.Groups) > 0 {
		jwtClaims["groups"] = claims.Groups
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwtClaims)
	token.Header["kid"] = m.keyID

	tokenString, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return tokenString, nil
}

// GenerateExpiredIDToken generates an expired ID token for error-path tests.
func (m *MockIdP) GenerateExpiredIDToken() (string, error) {
	return m.generateIDToken(m.Claims, "", time.Now().Add(-1*time.Hour))
}

// GenerateValidIDToken generates a currently-valid ID token.
func (m *MockIdP) GenerateValidIDToken(nonce string) (string, error) {
	return m.generateIDToken(m.Claims, nonce, time.Now().Add(time.Hour))
}

// GenerateIDTokenWithWrongAudience generates an ID token for a different client.
func (m *MockIdP) GenerateIDTokenWithWrongAudience() (string, error) {
	now := time.Now()
	jwtClaims := jwt.MapClaims{
		"iss": m.Issuer,
		"sub": m.Claims.Subject,
		"aud": "wrong-client-id",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwtClaims)
	token.Header["kid"] = m.keyID
	return token.SignedString(m.privateKey)
}

// GenerateIDTokenWithWrongIssuer generates an ID token from a different issuer.
func (m *MockIdP) GenerateIDTokenWithWrongIssuer() (string, error) {
	now := time.Now()
	jwtClaims := jwt.MapClaims{
		"iss": "https://wrong-issuer.example.com",
		"sub": m.Claims.Subject,
		"aud": m.ClientID,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwtClaims)
	token.Header["kid"] = m.keyID
	return token.SignedString(m.privateKey)
}

// generateRandomString generates a random URL-safe string.
func generateRandomString(length int) string {
	bytes := make([]byte, length)
	//nolint:errcheck // crypto/rand.Read failure is not recoverable in a test mock
	rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)[:length]
}

// sendTokenError sends an OAuth error response.
func (m *MockIdP) sendTokenError(w http.ResponseWriter, errorCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	//nolint:errcheck // error response encoding failure is not recoverable in a test mock
	json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
