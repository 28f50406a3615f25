// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package vault is the broker's HTTP client for HashiCorp Vault. Two
// operations matter: logging in as a team with a broker JWT (which binds
// to the team's stable identity entity), and creating the bounded child
// token from the team's token role. Transport failures and 5xx answers
// are retried with exponential backoff behind a circuit breaker; auth and
// policy rejections are not retried.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/buildsec/bazel-auth-broker/internal/logging"
)

// Backoff schedule for retryable failures: one initial try plus one
// retry per entry, sleeping 250ms, then 1s, then 4s between attempts.
var retryBackoff = [...]time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

const maxAttempts = 1 + len(retryBackoff)

// Config holds Vault connection settings.
type Config struct {
	// Addr is the Vault base URL without trailing slash.
	Addr string

	// RequestTimeout bounds each outbound call. Default 5s.
	RequestTimeout time.Duration

	// HTTPClient overrides the transport; tests inject one.
	HTTPClient *http.Client
}

// Auth is the result of a JWT login: the parent authentication the child
// token is created under. It is request-scoped and used at most once.
type Auth struct {
	ClientToken   string
	EntityID      string
	Policies      []string
	LeaseDuration int
	NumUses       int
	Metadata      map[string]string
}

// ChildTokenRequest describes the child token to mint.
type ChildTokenRequest struct {
	Policies    []string
	Metadata    map[string]string
	TTLSecs     int
	NumUses     int
	DisplayName string
}

// ChildToken is the minted token returned to the exchange caller.
type ChildToken struct {
	Token         string
	TTLSecs       int
	UsesRemaining int
	Policies      []string
	Metadata      map[string]string
}

// Client talks to the Vault HTTP API.
type Client struct {
	addr       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient creates a Vault client.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "vault",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("vault circuit breaker state change")
		},
	})

	return &Client{
		addr:       strings.TrimRight(cfg.Addr, "/"),
		httpClient: httpClient,
		breaker:    breaker,
	}
}

// authResponse is the auth stanza Vault returns on login and token create.
type authResponse struct {
	Auth struct {
		ClientToken   string            `json:"client_token"`
		EntityID      string            `json:"entity_id"`
		Policies      []string          `json:"policies"`
		TokenPolicies []string          `json:"token_policies"`
		Metadata      map[string]string `json:"metadata"`
		LeaseDuration int               `json:"lease_duration"`
		NumUses       int               `json:"num_uses"`
	} `json:"auth"`
	Errors []string `json:"errors"`
}

// LoginAsTeam authenticates to Vault with a broker JWT against the team's
// JWT role. Because the JWT subject equals the team and the role's
// user_claim is sub, Vault binds the login to the team's stable entity;
// two users on the same team share one entity. Retryable failures are
// retried per the backoff schedule.
func (c *Client) LoginAsTeam(ctx context.Context, teamRole, brokerJWT string) (*Auth, error) {
	body := map[string]string{
		"jwt":  brokerJWT,
		"role": teamRole,
	}

	var result *Auth
	err := c.withRetry(ctx, "jwt_login", func() error {
		resp, err := c.post(ctx, "/v1/auth/jwt/login", "", body)
		if err != nil {
			return err
		}
		auth, err := decodeAuth(resp, classifyLoginStatus)
		if err != nil {
			return err
		}
		result = auth
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateChildToken mints a child token from the team's token role using
// the parent auth token from LoginAsTeam. The role enforces policy and
// TTL bounds; the request's metadata is echoed back on token lookup.
func (c *Client) CreateChildToken(ctx context.Context, parentToken, tokenRole string, req ChildTokenRequest) (*ChildToken, error) {
	body := map[string]interface{}{
		"policies":     req.Policies,
		"metadata":     req.Metadata,
		"ttl":          fmt.Sprintf("%ds", req.TTLSecs),
		"num_uses":     req.NumUses,
		"renewable":    false,
		"display_name": req.DisplayName,
	}

	var result *ChildToken
	err := c.withRetry(ctx, "token_create", func() error {
		resp, err := c.post(ctx, "/v1/auth/token/create/"+tokenRole, parentToken, body)
		if err != nil {
			return err
		}
		auth, err := decodeAuth(resp, classifyCreateStatus)
		if err != nil {
			return err
		}

		policies := auth.Policies
		ttl := auth.LeaseDuration
		if ttl == 0 {
			ttl = req.TTLSecs
		}
		uses := auth.NumUses
		if uses == 0 {
			uses = req.NumUses
		}

		result = &ChildToken{
			Token:         auth.ClientToken,
			TTLSecs:       ttl,
			UsesRemaining: uses,
			Policies:      policies,
			Metadata:      auth.Metadata,
		}
		if result.Metadata == nil {
			result.Metadata = req.Metadata
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reachable probes Vault liveness. Any HTTP answer counts; sys/health
// responds with non-200 codes for sealed or standby nodes, which are
// still reachable.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/v1/sys/health", http.NoBody)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// post issues one JSON POST through the circuit breaker.
func (c *Client) post(ctx context.Context, path, token string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal vault request: %w", err)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("X-Vault-Token", token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnreachable, err.Error())
		}
		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, string(body))
		}
		return resp, nil
	})
	if err != nil {
		if gobreakerOpen(err) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnreachable)
		}
		return nil, err
	}
	return resp, nil
}

// gobreakerOpen reports whether the error came from the breaker itself.
func gobreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// statusClassifier maps a non-2xx status plus Vault's error strings to a
// sentinel error.
type statusClassifier func(status int, errs []string) error

// classifyLoginStatus classifies auth/jwt/login failures. Any non-2xx
// that is not an unknown-role answer means Vault rejected the broker
// credential.
func classifyLoginStatus(status int, errs []string) error {
	msg := strings.Join(errs, "; ")
	if containsRoleMissing(errs) {
		return fmt.Errorf("%w: %s", ErrRoleMissing, msg)
	}
	return fmt.Errorf("%w: status %d: %s", ErrAuthRejected, status, msg)
}

// classifyCreateStatus classifies auth/token/create failures. Vault
// phrases role-bound policy violations in terms of policies; a 403
// without policy language is the parent token itself being rejected.
func classifyCreateStatus(status int, errs []string) error {
	msg := strings.Join(errs, "; ")
	switch {
	case containsRoleMissing(errs):
		return fmt.Errorf("%w: %s", ErrRoleMissing, msg)
	case containsPolicyLanguage(errs):
		return fmt.Errorf("%w: status %d: %s", ErrPolicyDenied, status, msg)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuthRejected, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrPolicyDenied, status, msg)
	}
}

// containsPolicyLanguage detects policy-violation phrasing, e.g. "token
// policies are not a subset of allowed policies".
func containsPolicyLanguage(errs []string) bool {
	for _, e := range errs {
		if strings.Contains(strings.ToLower(e), "polic") {
			return true
		}
	}
	return false
}

// containsRoleMissing detects Vault's unknown-role error strings.
func containsRoleMissing(errs []string) bool {
	for _, e := range errs {
		lower := strings.ToLower(e)
		if strings.Contains(lower, "role") && (strings.Contains(lower, "not found") || strings.Contains(lower, "could not be found") || strings.Contains(lower, "does not exist")) {
			return true
		}
	}
	return false
}

// decodeAuth reads a Vault response and extracts the auth stanza,
// classifying non-2xx statuses with the given classifier.
func decodeAuth(resp *http.Response, classify statusClassifier) (*Auth, error) {
	defer func() { _ = resp.Body.Close() }()

	var parsed authResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read vault response: %s", ErrUnreachable, err.Error())
	}
	// Vault error bodies are JSON too; decode errors on a failed status
	// are not themselves fatal.
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classify(resp.StatusCode, parsed.Errors)
	}

	if parsed.Auth.ClientToken == "" {
		return nil, fmt.Errorf("%w: response missing client_token", ErrAuthRejected)
	}

	policies := parsed.Auth.Policies
	if len(policies) == 0 {
		policies = parsed.Auth.TokenPolicies
	}

	return &Auth{
		ClientToken:   parsed.Auth.ClientToken,
		EntityID:      parsed.Auth.EntityID,
		Policies:      policies,
		LeaseDuration: parsed.Auth.LeaseDuration,
		NumUses:       parsed.Auth.NumUses,
		Metadata:      parsed.Auth.Metadata,
	}, nil
}

// withRetry runs op up to maxAttempts times, backing off between
// attempts. Only ErrUnreachable is retried.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	start := time.Now()

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				recordVaultRequest(op, "canceled", time.Since(start))
				return fmt.Errorf("%w: %s", ErrUnreachable, ctx.Err().Error())
			case <-time.After(retryBackoff[attempt-1]):
			}
			logging.Debug().Str("op", op).Int("attempt", attempt+1).Msg("retrying vault request")
		}

		err = fn()
		if err == nil {
			recordVaultRequest(op, "ok", time.Since(start))
			return nil
		}
		if !isRetryable(err) {
			recordVaultRequest(op, "rejected", time.Since(start))
			return err
		}
	}

	recordVaultRequest(op, "unreachable", time.Since(start))
	return err
}

// isRetryable reports whether the error is a transport-class failure.
func isRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
