// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package idp

import "errors"

// IdP client errors. ErrUnreachable is the only retryable class; the
// others indicate a flow or configuration problem that a retry cannot fix.
var (
	// ErrUnreachable indicates a transport-level failure talking to the IdP.
	ErrUnreachable = errors.New("idp unreachable")

	// ErrBadResponse indicates the IdP answered with an unusable payload.
	ErrBadResponse = errors.New("idp returned a bad response")

	// ErrTokenExchangeFailed indicates the code-for-token exchange was
	// rejected or returned no ID token.
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrIDTokenInvalid indicates the ID token failed signature or claim
	// validation.
	ErrIDTokenInvalid = errors.New("invalid ID token")

	// ErrIDTokenExpired indicates the ID token has expired.
	ErrIDTokenExpired = errors.New("ID token expired")

	// ErrNonceMismatch indicates the ID token nonce does not match the
	// session's nonce.
	ErrNonceMismatch = errors.New("nonce mismatch")
)
