// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package config provides layered configuration for the broker.
//
// Configuration is loaded with Koanf v2 in three layers with clear
// precedence: environment variables > optional YAML file > built-in
// defaults. Environment variable names follow the deployment contract
// (OKTA_*, VAULT_*, BROKER_*) and are mapped explicitly to config paths;
// unrecognized variables are ignored.
package config

import (
	"time"
)

// Config is the root configuration for the broker process.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Okta    OktaConfig    `koanf:"okta"`
	Vault   VaultConfig   `koanf:"vault"`
	Broker  BrokerConfig  `koanf:"broker"`
	Teams   TeamsConfig   `koanf:"teams"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Bind is the listen address, e.g. ":8081".
	Bind string `koanf:"bind" validate:"required"`

	// ReadTimeout bounds the time spent reading a request.
	ReadTimeout time.Duration `koanf:"read_timeout"`

	// WriteTimeout bounds the time spent writing a response.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown on SIGTERM.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// OktaConfig holds the IdP connection settings.
type OktaConfig struct {
	// Domain is the Okta org domain, e.g. "dev-123456.okta.com".
	Domain string `koanf:"domain" validate:"required"`

	// ClientID is the OIDC client identifier.
	ClientID string `koanf:"client_id" validate:"required"`

	// ClientSecret is optional; a public client with PKCE may omit it.
	ClientSecret string `koanf:"client_secret"`

	// AuthServerID selects a custom authorization server.
	// Empty selects the org's "default" server.
	AuthServerID string `koanf:"auth_server_id"`

	// RedirectURI is the broker callback URL registered with the IdP.
	RedirectURI string `koanf:"redirect_uri" validate:"required,url"`

	// Scopes requested at authorization. groups must be included for
	// team resolution.
	Scopes []string `koanf:"scopes"`

	// RequestTimeout bounds each outbound call to the IdP.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// IssuerURL returns the OIDC issuer for the configured authorization server.
func (o OktaConfig) IssuerURL() string {
	server := o.AuthServerID
	if server == "" {
		server = "default"
	}
	return "https://" + o.Domain + "/oauth2/" + server
}

// VaultConfig holds the Vault connection settings.
type VaultConfig struct {
	// Addr is the Vault base URL, e.g. "http://vault:8200".
	Addr string `koanf:"addr" validate:"required,url"`

	// RootToken is the parent authentication material for dev/demo
	// deployments. Production deployments substitute an AppRole-derived
	// token with equivalent permissions.
	RootToken string `koanf:"root_token"`

	// RequestTimeout bounds each outbound call to Vault.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// BrokerConfig holds the broker's own token-issuance settings.
type BrokerConfig struct {
	// Issuer is the iss claim stamped on broker JWTs.
	Issuer string `koanf:"issuer" validate:"required"`

	// JWTAudience is the aud claim stamped on broker JWTs. It must match
	// the bound_audiences of every Vault JWT role.
	JWTAudience string `koanf:"jwt_audience" validate:"required"`

	// JWTTTLSecs is the lifetime of a broker JWT in seconds. Capped at 300.
	JWTTTLSecs int `koanf:"jwt_ttl_secs" validate:"gt=0,lte=300"`

	// SessionTTLSecs is the lifetime of a session awaiting its callback.
	SessionTTLSecs int `koanf:"session_ttl_secs" validate:"gt=0"`

	// ExchangeTTLSecs is the lifetime granted when a session becomes
	// ready for exchange.
	ExchangeTTLSecs int `koanf:"exchange_ttl_secs" validate:"gt=0"`

	// SessionMax is the session-store ceiling. Creates beyond it are
	// rejected with backpressure.
	SessionMax int `koanf:"session_max" validate:"gt=0"`

	// PrivateKeyFile is the path to the RSA private key PEM used to sign
	// broker JWTs. Key generation is out of band; a missing file is a
	// startup error.
	PrivateKeyFile string `koanf:"private_key_file" validate:"required"`

	// PublicKeyFile is the path to the matching public key PEM.
	PublicKeyFile string `koanf:"public_key_file" validate:"required"`
}

// SessionTTL returns the pending-session TTL as a duration.
func (b BrokerConfig) SessionTTL() time.Duration {
	return time.Duration(b.SessionTTLSecs) * time.Second
}

// ExchangeTTL returns the ready-session TTL as a duration.
func (b BrokerConfig) ExchangeTTL() time.Duration {
	return time.Duration(b.ExchangeTTLSecs) * time.Second
}

// JWTTTL returns the broker JWT lifetime as a duration.
func (b BrokerConfig) JWTTTL() time.Duration {
	return time.Duration(b.JWTTTLSecs) * time.Second
}

// TeamsConfig holds the static team table.
type TeamsConfig struct {
	// GroupToTeam maps IdP group names to team names.
	GroupToTeam map[string]string `koanf:"group_to_team" validate:"required,min=1"`

	// BasePolicy is the Vault policy every child token carries.
	BasePolicy string `koanf:"base_policy" validate:"required"`

	// PolicyPrefix prefixes per-team Vault policy names,
	// e.g. "bazel-" yields "bazel-mobile-team".
	PolicyPrefix string `koanf:"policy_prefix"`

	// DevopsTeam names the team whose token role may carry every other
	// team's policy. Empty disables the cross-team grant.
	DevopsTeam string `koanf:"devops_team"`

	// TokenTTLSecs is the child-token TTL in seconds.
	TokenTTLSecs int `koanf:"token_ttl_secs" validate:"gt=0"`

	// TokenUses is the child-token use count.
	TokenUses int `koanf:"token_uses" validate:"gt=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`

	// Caller includes caller file and line in log output.
	Caller bool `koanf:"caller"`
}
