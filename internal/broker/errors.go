// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package broker

import (
	"errors"
	"net/http"

	"github.com/buildsec/bazel-auth-broker/internal/idp"
	"github.com/buildsec/bazel-auth-broker/internal/session"
	"github.com/buildsec/bazel-auth-broker/internal/team"
	"github.com/buildsec/bazel-auth-broker/internal/vault"
)

// ErrorKind is the closed set of wire-visible error values. Internal
// errors are mapped onto this taxonomy at the HTTP boundary and never
// leak through it.
type ErrorKind string

// Wire error kinds.
const (
	KindBackpressure         ErrorKind = "BACKPRESSURE"
	KindInvalidState         ErrorKind = "INVALID_STATE"
	KindIDTokenInvalid       ErrorKind = "ID_TOKEN_INVALID"
	KindNoTeamAssignment     ErrorKind = "NO_TEAM_ASSIGNMENT"
	KindInvalidTeamSelection ErrorKind = "INVALID_TEAM_SELECTION"
	KindSessionNotFound      ErrorKind = "SESSION_NOT_FOUND"
	KindSessionNotReady      ErrorKind = "SESSION_NOT_READY"
	KindSessionExpired       ErrorKind = "SESSION_EXPIRED"
	KindSessionAlreadyUsed   ErrorKind = "SESSION_ALREADY_USED"
	KindIdPUnreachable       ErrorKind = "IDP_UNREACHABLE"
	KindVaultUnreachable     ErrorKind = "VAULT_UNREACHABLE"
	KindVaultAuthRejected    ErrorKind = "VAULT_AUTH_REJECTED"
	KindVaultPolicyDenied    ErrorKind = "VAULT_POLICY_DENIED"
	KindInternal             ErrorKind = "INTERNAL"
)

// HTTPStatus maps an error kind to its response status.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBackpressure:
		return http.StatusServiceUnavailable
	case KindInvalidState, KindIDTokenInvalid, KindInvalidTeamSelection:
		return http.StatusBadRequest
	case KindNoTeamAssignment:
		return http.StatusForbidden
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindSessionNotReady, KindSessionAlreadyUsed:
		return http.StatusConflict
	case KindSessionExpired:
		return http.StatusGone
	case KindIdPUnreachable, KindVaultUnreachable, KindVaultAuthRejected, KindVaultPolicyDenied:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error pairs a wire kind with its underlying cause. The cause is logged
// server-side; only the kind crosses the wire.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// wrap builds a classified error.
func wrap(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the wire kind from any error. Unclassified errors are
// INTERNAL.
func KindOf(err error) ErrorKind {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Kind
	}
	return classify(err)
}

// classify maps component sentinel errors onto the wire taxonomy.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, session.ErrBackpressure):
		return KindBackpressure
	case errors.Is(err, session.ErrNotFound):
		return KindSessionNotFound
	case errors.Is(err, session.ErrExpired):
		return KindSessionExpired
	case errors.Is(err, session.ErrInvalidTransition):
		return KindSessionNotReady
	case errors.Is(err, team.ErrNoTeamAssignment):
		return KindNoTeamAssignment
	case errors.Is(err, team.ErrInvalidTeamSelection):
		return KindInvalidTeamSelection
	case errors.Is(err, idp.ErrUnreachable):
		return KindIdPUnreachable
	case errors.Is(err, idp.ErrIDTokenInvalid),
		errors.Is(err, idp.ErrIDTokenExpired),
		errors.Is(err, idp.ErrNonceMismatch),
		errors.Is(err, idp.ErrTokenExchangeFailed),
		errors.Is(err, idp.ErrBadResponse):
		return KindIDTokenInvalid
	case errors.Is(err, vault.ErrUnreachable):
		return KindVaultUnreachable
	case errors.Is(err, vault.ErrAuthRejected), errors.Is(err, vault.ErrRoleMissing):
		return KindVaultAuthRejected
	case errors.Is(err, vault.ErrPolicyDenied):
		return KindVaultPolicyDenied
	default:
		return KindInternal
	}
}
