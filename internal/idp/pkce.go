// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package idp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GeneratePKCECodeVerifier generates a PKCE code verifier with 256 bits
// of entropy, base64url-encoded per RFC 7636.
func GeneratePKCECodeVerifier() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GeneratePKCECodeChallenge computes the S256 code challenge for a verifier.
func GeneratePKCECodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// GenerateState generates an OAuth state parameter with 256 bits of entropy.
func GenerateState() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateNonce generates an OIDC nonce with 256 bits of entropy.
func GenerateNonce() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// FlowSecrets bundles the per-session secrets for one authorization flow.
type FlowSecrets struct {
	State         string
	Nonce         string
	PKCEVerifier  string
	PKCEChallenge string
}

// NewFlowSecrets generates state, nonce, and a PKCE pair for a new flow.
func NewFlowSecrets() (FlowSecrets, error) {
	state, err := GenerateState()
	if err != nil {
		return FlowSecrets{}, err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return FlowSecrets{}, err
	}
	verifier, err := GeneratePKCECodeVerifier()
	if err != nil {
		return FlowSecrets{}, err
	}

	return FlowSecrets{
		State:         state,
		Nonce:         nonce,
		PKCEVerifier:  verifier,
		PKCEChallenge: GeneratePKCECodeChallenge(verifier),
	}, nil
}
