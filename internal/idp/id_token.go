// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package idp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of ID-token claims the broker consumes.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt int64
	IssuedAt  int64
	Nonce     string

	Email  string
	Name   string
	Groups []string
}

// ValidationConfig holds ID-token validation settings.
type ValidationConfig struct {
	// Issuer is the expected iss claim.
	Issuer string

	// ClientID is the expected aud claim.
	ClientID string

	// ClockSkew allows for clock differences between the IdP and the
	// broker. Default 1 minute.
	ClockSkew time.Duration
}

// IDTokenValidator validates and parses OIDC ID tokens against the IdP JWKS.
type IDTokenValidator struct {
	config    ValidationConfig
	jwksCache *JWKSCache
}

// NewIDTokenValidator creates a new ID token validator.
func NewIDTokenValidator(config ValidationConfig, jwksCache *JWKSCache) *IDTokenValidator {
	if config.ClockSkew == 0 {
		config.ClockSkew = 1 * time.Minute
	}
	return &IDTokenValidator{
		config:    config,
		jwksCache: jwksCache,
	}
}

// ValidateAndParse validates an ID token and returns the parsed claims.
// The signature is checked against the JWKS key named by the token's kid
// header; iss, aud, exp, iat, sub, and nonce are validated after parse.
func (v *IDTokenValidator) ValidateAndParse(ctx context.Context, idToken, expectedNonce string) (*Claims, error) {
	if idToken == "" {
		return nil, ErrIDTokenInvalid
	}

	token, err := jwt.Parse(idToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kidVal, ok := token.Header["kid"]
		if !ok {
			return nil, errors.New("token missing kid header")
		}
		kid, ok := kidVal.(string)
		if !ok {
			return nil, errors.New("token kid header is not a string")
		}

		key, err := v.jwksCache.GetKey(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get key for kid %s: %w", kid, err)
		}

		return key, nil
	}, jwt.WithLeeway(v.config.ClockSkew), jwt.WithIssuedAt())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrIDTokenExpired
		}
		if errors.Is(err, ErrUnreachable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrIDTokenInvalid, err.Error())
	}

	if !token.Valid {
		return nil, ErrIDTokenInvalid
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrIDTokenInvalid
	}

	claims := parseMapClaims(mapClaims)

	if claims.Issuer != v.config.Issuer {
		return nil, fmt.Errorf("%w: issuer %q, want %q", ErrIDTokenInvalid, claims.Issuer, v.config.Issuer)
	}
	if !containsAudience(claims.Audience, v.config.ClientID) {
		return nil, fmt.Errorf("%w: client ID %s not in audience %v", ErrIDTokenInvalid, v.config.ClientID, claims.Audience)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrIDTokenInvalid)
	}
	if expectedNonce != "" && claims.Nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}

	return claims, nil
}

// parseMapClaims parses jwt.MapClaims into Claims.
func parseMapClaims(claims jwt.MapClaims) *Claims {
	return &Claims{
		Subject:   getStringClaim(claims, "sub"),
		Issuer:    getStringClaim(claims, "iss"),
		Audience:  parseAudienceClaim(claims["aud"]),
		ExpiresAt: getTimestampClaim(claims, "exp"),
		IssuedAt:  getTimestampClaim(claims, "iat"),
		Nonce:     getStringClaim(claims, "nonce"),
		Email:     getStringClaim(claims, "email"),
		Name:      getStringClaim(claims, "name"),
		Groups:    parseStringSlice(claims, "groups"),
	}
}

// getStringClaim extracts a string claim value.
func getStringClaim(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// getTimestampClaim extracts a numeric timestamp claim as int64.
func getTimestampClaim(claims jwt.MapClaims, key string) int64 {
	if val, ok := claims[key].(float64); ok {
		return int64(val)
	}
	return 0
}

// parseAudienceClaim parses the aud claim, which can be a string or array.
func parseAudienceClaim(aud interface{}) []string {
	switch a := aud.(type) {
	case string:
		return []string{a}
	case []interface{}:
		result := make([]string, 0, len(a))
		for _, item := range a {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return a
	default:
		return nil
	}
}

// parseStringSlice extracts a string slice from claims.
func parseStringSlice(claims jwt.MapClaims, key string) []string {
	val, ok := claims[key]
	if !ok {
		return nil
	}

	switch v := val.(type) {
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// containsAudience checks whether the audience list contains the expected value.
func containsAudience(audience []string, expected string) bool {
	for _, aud := range audience {
		if aud == expected {
			return true
		}
	}
	return false
}
