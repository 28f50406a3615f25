// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/buildsec/bazel-auth-broker/internal/broker"
	"github.com/buildsec/bazel-auth-broker/internal/logging"
)

// errorResponse is the wire shape for every failed request. The error
// field carries exactly one taxonomy kind; message is advisory.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(body)
}

// writeError converts any error into its taxonomy response. The cause is
// logged here with the request ID; the response carries only the kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := broker.KindOf(err)
	requestID := RequestIDFromContext(r.Context())

	logging.Warn().
		Err(err).
		Str("kind", string(kind)).
		Str("request_id", requestID).
		Str("path", r.URL.Path).
		Msg("request failed")

	writeJSON(w, kind.HTTPStatus(), errorResponse{
		Error:     string(kind),
		Message:   clientMessage(kind),
		RequestID: requestID,
	})
}

// writeErrorKind writes a taxonomy error without an underlying cause.
func writeErrorKind(w http.ResponseWriter, r *http.Request, kind broker.ErrorKind) {
	writeJSON(w, kind.HTTPStatus(), errorResponse{
		Error:     string(kind),
		Message:   clientMessage(kind),
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// clientMessage is the advisory text per kind. It never carries internal
// detail.
func clientMessage(kind broker.ErrorKind) string {
	switch kind {
	case broker.KindBackpressure:
		return "too many sessions in flight, retry with backoff"
	case broker.KindInvalidState:
		return "state parameter missing or mismatched, restart the flow"
	case broker.KindIDTokenInvalid:
		return "identity token rejected, restart the flow"
	case broker.KindNoTeamAssignment:
		return "none of your groups map to a team, contact an administrator"
	case broker.KindInvalidTeamSelection:
		return "selected team is not one of your candidates"
	case broker.KindSessionNotFound:
		return "unknown session"
	case broker.KindSessionNotReady:
		return "session is not ready for exchange"
	case broker.KindSessionExpired:
		return "session expired, restart the flow"
	case broker.KindSessionAlreadyUsed:
		return "session was already exchanged"
	case broker.KindIdPUnreachable:
		return "identity provider unreachable, retry"
	case broker.KindVaultUnreachable:
		return "vault unreachable, retry"
	case broker.KindVaultAuthRejected:
		return "vault rejected the broker credential"
	case broker.KindVaultPolicyDenied:
		return "vault refused the requested policies"
	default:
		return "internal error"
	}
}
