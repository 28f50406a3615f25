// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package token

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/buildsec/bazel-auth-broker/internal/keys"
)

func testIssuer(t *testing.T) (*Issuer, *keys.Manager) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	km, err := keys.NewFromKey(key)
	if err != nil {
		t.Fatalf("NewFromKey: %v", err)
	}
	return NewIssuer(km, "bazel-auth-broker", "bazel-vault", 5*time.Minute), km
}

func testIdentity() Identity {
	return Identity{
		Email:   "alice@ex.com",
		Name:    "Alice Example",
		Subject: "u1",
		Groups:  []string{"mobile-developers", "backend-developers"},
	}
}

func parseBrokerJWT(t *testing.T, km *keys.Manager, signed string) (jwt.MapClaims, map[string]interface{}) {
	t.Helper()
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (interface{}, error) {
		return km.PublicKey(), nil
	})
	if err != nil {
		t.Fatalf("parse broker JWT: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("broker JWT did not verify")
	}
	return claims, parsed.Header
}

func TestMint_SubjectIsSelectedTeam(t *testing.T) {
	issuer, km := testIssuer(t)

	signed, err := issuer.Mint("mobile-team", testIdentity(), Metadata{})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, header := parseBrokerJWT(t, km, signed)

	if claims["sub"] != "mobile-team" {
		t.Errorf("sub = %v, want mobile-team", claims["sub"])
	}
	if claims["iss"] != "bazel-auth-broker" {
		t.Errorf("iss = %v, want bazel-auth-broker", claims["iss"])
	}
	if claims["aud"] != "bazel-vault" {
		t.Errorf("aud = %v, want bazel-vault", claims["aud"])
	}
	if claims["user_email"] != "alice@ex.com" {
		t.Errorf("user_email = %v", claims["user_email"])
	}
	if claims["user_sub"] != "u1" {
		t.Errorf("user_sub = %v", claims["user_sub"])
	}

	if header["kid"] != km.KID() {
		t.Errorf("kid = %v, want %v", header["kid"], km.KID())
	}
	if header["alg"] != "RS256" {
		t.Errorf("alg = %v, want RS256", header["alg"])
	}
}

func TestMint_ExpiryBounded(t *testing.T) {
	issuer, km := testIssuer(t)

	signed, err := issuer.Mint("mobile-team", testIdentity(), Metadata{})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, _ := parseBrokerJWT(t, km, signed)

	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	if exp-iat > 300 {
		t.Errorf("JWT lifetime = %ds, want at most 300s", exp-iat)
	}
	if exp <= time.Now().Unix() {
		t.Error("JWT already expired at mint time")
	}
}

func TestMint_TTLCap(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	km, _ := keys.NewFromKey(key)

	// Requesting an hour is clamped to five minutes.
	issuer := NewIssuer(km, "bazel-auth-broker", "bazel-vault", time.Hour)
	if issuer.TTL() != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", issuer.TTL())
	}
}

func TestMint_MetadataClaims(t *testing.T) {
	issuer, km := testIssuer(t)

	signed, err := issuer.Mint("mobile-team", testIdentity(), Metadata{
		Pipeline: "ci",
		Repo:     "github.com/buildsec/app",
		RunID:    "run-42",
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, _ := parseBrokerJWT(t, km, signed)

	if claims["pipeline"] != "ci" {
		t.Errorf("pipeline = %v, want ci", claims["pipeline"])
	}
	if claims["run_id"] != "run-42" {
		t.Errorf("run_id = %v, want run-42", claims["run_id"])
	}
	// Unset metadata fields are omitted, not empty.
	if _, present := claims["target"]; present {
		t.Error("target claim present despite empty metadata field")
	}
}
