// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package idp implements the OIDC relying-party side of the broker: PKCE
// parameter generation, authorization-URL construction, the code-for-token
// exchange, ID-token verification against the IdP's JWKS, and the
// userinfo fallback for providers that omit groups from the ID token.
//
// The package is Okta-shaped (endpoints live under <issuer>/v1/) but
// carries no Okta SDK; everything is the plain OIDC wire contract.
package idp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Default timeouts and cache bounds.
const (
	defaultRequestTimeout = 5 * time.Second

	// jwksTTLFloor and jwksTTLCap bound how long IdP keys are cached.
	jwksTTLFloor = 5 * time.Minute
	jwksTTLCap   = 1 * time.Hour

	defaultClockSkew = 60 * time.Second
)

// Config holds the IdP connection settings.
type Config struct {
	// IssuerURL is the OIDC issuer, e.g.
	// "https://dev-123456.okta.com/oauth2/default".
	IssuerURL string

	// ClientID is the OIDC client identifier.
	ClientID string

	// ClientSecret is optional; PKCE makes a public client acceptable.
	ClientSecret string

	// RedirectURI is the broker's registered callback URL.
	RedirectURI string

	// Scopes requested at authorization.
	Scopes []string

	// RequestTimeout bounds each outbound call. Default 5s.
	RequestTimeout time.Duration

	// JWKSCacheTTL bounds IdP key caching. Clamped to [5m, 1h].
	JWKSCacheTTL time.Duration

	// HTTPClient overrides the transport; tests inject one.
	HTTPClient *http.Client
}

// TokenResponse is the IdP's answer to a successful code exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// UserInfo is the subset of the userinfo response the broker consumes.
type UserInfo struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Groups  []string `json:"groups"`
}

// Client is the broker's OIDC relying-party client.
type Client struct {
	cfg        Config
	httpClient *http.Client

	authorizeEndpoint string
	tokenEndpoint     string
	userinfoEndpoint  string

	jwksCache *JWKSCache
	validator *IDTokenValidator
}

// NewClient constructs a client for the given issuer. Endpoint paths
// follow the Okta layout: <issuer>/v1/{authorize,token,userinfo,keys}.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile", "email", "groups"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	jwksTTL := cfg.JWKSCacheTTL
	if jwksTTL < jwksTTLFloor {
		jwksTTL = jwksTTLFloor
	}
	if jwksTTL > jwksTTLCap {
		jwksTTL = jwksTTLCap
	}

	issuer := strings.TrimRight(cfg.IssuerURL, "/")
	jwksCache := NewJWKSCache(issuer+"/v1/keys", httpClient, jwksTTL)

	return &Client{
		cfg:               cfg,
		httpClient:        httpClient,
		authorizeEndpoint: issuer + "/v1/authorize",
		tokenEndpoint:     issuer + "/v1/token",
		userinfoEndpoint:  issuer + "/v1/userinfo",
		jwksCache:         jwksCache,
		validator: NewIDTokenValidator(ValidationConfig{
			Issuer:    issuer,
			ClientID:  cfg.ClientID,
			ClockSkew: defaultClockSkew,
		}, jwksCache),
	}
}

// AuthorizeURL builds the IdP authorization URL for one flow.
func (c *Client) AuthorizeURL(state, pkceChallenge, nonce string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("redirect_uri", c.cfg.RedirectURI)
	params.Set("scope", strings.Join(c.cfg.Scopes, " "))
	params.Set("state", state)
	params.Set("nonce", nonce)
	params.Set("code_challenge", pkceChallenge)
	params.Set("code_challenge_method", "S256")

	return c.authorizeEndpoint + "?" + params.Encode()
}

// ExchangeCode swaps an authorization code for tokens at the IdP token
// endpoint. The response must carry an ID token.
func (c *Client) ExchangeCode(ctx context.Context, code, pkceVerifier string) (*TokenResponse, error) {
	start := time.Now()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("code_verifier", pkceVerifier)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordIdPRequest("token", "unreachable", time.Since(start))
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		recordIdPRequest("token", "rejected", time.Since(start))
		return nil, fmt.Errorf("%w: status %d: %s", ErrTokenExchangeFailed, resp.StatusCode, string(body))
	}

	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		recordIdPRequest("token", "bad_response", time.Since(start))
		return nil, fmt.Errorf("%w: decode token response: %s", ErrBadResponse, err.Error())
	}
	if tokens.IDToken == "" {
		recordIdPRequest("token", "bad_response", time.Since(start))
		return nil, fmt.Errorf("%w: response missing id_token", ErrTokenExchangeFailed)
	}

	recordIdPRequest("token", "ok", time.Since(start))
	return &tokens, nil
}

// VerifyIDToken validates the ID token's signature and claims against the
// IdP JWKS and the expected nonce.
func (c *Client) VerifyIDToken(ctx context.Context, idToken, expectedNonce string) (*Claims, error) {
	return c.validator.ValidateAndParse(ctx, idToken, expectedNonce)
}

// FetchUserinfo retrieves the userinfo document. Used when the ID token
// carries no groups claim.
func (c *Client) FetchUserinfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoEndpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordIdPRequest("userinfo", "unreachable", time.Since(start))
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		recordIdPRequest("userinfo", "rejected", time.Since(start))
		return nil, fmt.Errorf("%w: userinfo status %d", ErrBadResponse, resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		recordIdPRequest("userinfo", "bad_response", time.Since(start))
		return nil, fmt.Errorf("%w: decode userinfo: %s", ErrBadResponse, err.Error())
	}

	recordIdPRequest("userinfo", "ok", time.Since(start))
	return &info, nil
}
