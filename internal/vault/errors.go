// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package vault

import "errors"

// Vault client errors. Only ErrUnreachable is retryable; the others
// indicate Vault-side configuration or authorization problems.
var (
	// ErrUnreachable indicates a transport-level failure or 5xx from Vault.
	ErrUnreachable = errors.New("vault unreachable")

	// ErrAuthRejected indicates Vault rejected the broker JWT at login.
	ErrAuthRejected = errors.New("vault rejected broker JWT")

	// ErrRoleMissing indicates the named JWT or token role does not exist.
	ErrRoleMissing = errors.New("vault role not found")

	// ErrPolicyDenied indicates the token role refused the requested
	// policies.
	ErrPolicyDenied = errors.New("vault token role denied requested policies")
)
