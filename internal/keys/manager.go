// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package keys holds the broker's RSA signing keypair and publishes its
// public half as a JWKS document.
//
// Key material is generated out of band and loaded from PEM files at
// startup; a missing or malformed key file is a fatal configuration
// error. The manager is read-only after construction and safe for
// concurrent use without locking. The key ID is derived from the SHA-256
// digest of the DER-encoded public key, so it is stable across restarts
// and collision-free across distinct keys, which lets the JWKS document
// carry multiple keys during a future rotation.
package keys

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Key loading errors.
var (
	// ErrNotPEM indicates the key file held no PEM block.
	ErrNotPEM = errors.New("key file does not contain a PEM block")

	// ErrNotRSA indicates the key file held a non-RSA key.
	ErrNotRSA = errors.New("key is not an RSA key")

	// ErrKeyTooSmall indicates the RSA modulus is under 2048 bits.
	ErrKeyTooSmall = errors.New("RSA key must be at least 2048 bits")

	// ErrKeyMismatch indicates the public key file does not match the
	// private key file.
	ErrKeyMismatch = errors.New("public key does not match private key")
)

const minKeyBits = 2048

// Manager holds the active signing keypair. Read-only after Load.
type Manager struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	kid     string
	jwks    Document
}

// Load reads the RSA keypair from the given PEM files and derives the
// key ID. Both files must exist; generation is out of band.
func Load(privateKeyFile, publicKeyFile string) (*Manager, error) {
	priv, err := loadPrivateKey(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load private key %s: %w", privateKeyFile, err)
	}

	pub, err := loadPublicKey(publicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load public key %s: %w", publicKeyFile, err)
	}

	if priv.N.Cmp(pub.N) != 0 || priv.E != pub.E {
		return nil, ErrKeyMismatch
	}
	if pub.N.BitLen() < minKeyBits {
		return nil, ErrKeyTooSmall
	}

	kid, err := KeyID(pub)
	if err != nil {
		return nil, fmt.Errorf("derive key id: %w", err)
	}

	m := &Manager{
		private: priv,
		public:  pub,
		kid:     kid,
	}
	m.jwks = Document{Keys: []JWK{publicJWK(pub, kid)}}

	return m, nil
}

// NewFromKey constructs a manager from an in-memory private key.
// Used by tests; production paths load from files.
func NewFromKey(priv *rsa.PrivateKey) (*Manager, error) {
	if priv.N.BitLen() < minKeyBits {
		return nil, ErrKeyTooSmall
	}

	kid, err := KeyID(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("derive key id: %w", err)
	}

	m := &Manager{
		private: priv,
		public:  &priv.PublicKey,
		kid:     kid,
	}
	m.jwks = Document{Keys: []JWK{publicJWK(m.public, kid)}}

	return m, nil
}

// PrivateKey returns the active signing key.
func (m *Manager) PrivateKey() *rsa.PrivateKey {
	return m.private
}

// PublicKey returns the public half of the active signing key.
func (m *Manager) PublicKey() *rsa.PublicKey {
	return m.public
}

// KID returns the key ID of the active signing key.
func (m *Manager) KID() string {
	return m.kid
}

// JWKS returns the published JWKS document. The document always contains
// the public half of the active signing key.
func (m *Manager) JWKS() Document {
	return m.jwks
}

// KeyID derives a stable key ID from the SHA-256 of the DER-encoded
// public key.
func KeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// loadPrivateKey parses an RSA private key from a PEM file.
// PKCS#1 and PKCS#8 encodings are accepted.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNotPEM
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return key, nil
}

// loadPublicKey parses an RSA public key from a PEM file.
// PKIX and PKCS#1 encodings are accepted.
func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNotPEM
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, ErrNotRSA
		}
		return key, nil
	}

	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}
