// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package token mints the broker's own RS256 JWTs. A broker JWT is the
// credential presented to Vault's JWT auth mount: its subject is the
// selected team (never the user), so every same-team login binds to the
// same Vault identity alias. The user's identity rides along as plain
// claims for audit and token metadata.
//
// Broker JWTs are ephemeral; they live for at most five minutes and are
// never stored.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/buildsec/bazel-auth-broker/internal/keys"
)

// Identity is the authenticated user woven into a broker JWT.
type Identity struct {
	Email   string
	Name    string
	Subject string
	Groups  []string
}

// Metadata is the optional build context supplied at exchange time.
// Values are untrusted client input, size-bounded at the HTTP boundary.
type Metadata struct {
	Pipeline string
	Repo     string
	Target   string
	RunID    string
}

// Issuer signs broker JWTs with the key manager's active key.
type Issuer struct {
	keys     *keys.Manager
	issuer   string
	audience string
	ttl      time.Duration
}

// NewIssuer creates an issuer. ttl is capped at five minutes.
func NewIssuer(km *keys.Manager, issuer, audience string, ttl time.Duration) *Issuer {
	if ttl <= 0 || ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return &Issuer{
		keys:     km,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
	}
}

// Mint signs a broker JWT whose sub claim is exactly the selected team.
func (i *Issuer) Mint(selectedTeam string, user Identity, meta Metadata) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":        i.issuer,
		"aud":        i.audience,
		"sub":        selectedTeam,
		"iat":        now.Unix(),
		"exp":        now.Add(i.ttl).Unix(),
		"user_email": user.Email,
		"user_name":  user.Name,
		"user_sub":   user.Subject,
		"groups":     user.Groups,
	}
	if meta.Pipeline != "" {
		claims["pipeline"] = meta.Pipeline
	}
	if meta.Repo != "" {
		claims["repo"] = meta.Repo
	}
	if meta.Target != "" {
		claims["target"] = meta.Target
	}
	if meta.RunID != "" {
		claims["run_id"] = meta.RunID
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.keys.KID()

	signed, err := tok.SignedString(i.keys.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("sign broker JWT: %w", err)
	}
	return signed, nil
}

// TTL returns the configured broker JWT lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}
