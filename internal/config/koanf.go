// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"broker.yaml",
	"broker.yml",
	"/etc/bazel-auth-broker/broker.yaml",
	"/etc/bazel-auth-broker/broker.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "BROKER_CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            ":8081",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Okta: OktaConfig{
			Domain:         "",
			ClientID:       "",
			ClientSecret:   "",
			AuthServerID:   "",
			RedirectURI:    "http://localhost:8081/auth/callback",
			Scopes:         []string{"openid", "profile", "email", "groups"},
			RequestTimeout: 5 * time.Second,
		},
		Vault: VaultConfig{
			Addr:           "http://127.0.0.1:8200",
			RootToken:      "",
			RequestTimeout: 5 * time.Second,
		},
		Broker: BrokerConfig{
			Issuer:          "bazel-auth-broker",
			JWTAudience:     "bazel-vault",
			JWTTTLSecs:      300,
			SessionTTLSecs:  600,
			ExchangeTTLSecs: 300,
			SessionMax:      10000,
			PrivateKeyFile:  "keys/broker-jwt-private.pem",
			PublicKeyFile:   "keys/broker-jwt-public.pem",
		},
		Teams: TeamsConfig{
			GroupToTeam: map[string]string{
				"mobile-developers":   "mobile-team",
				"backend-developers":  "backend-team",
				"frontend-developers": "frontend-team",
				"devops-team":         "devops-team",
			},
			BasePolicy:   "bazel-base",
			PolicyPrefix: "bazel-",
			DevopsTeam:   "devops-team",
			TokenTTLSecs: 7200,
			TokenUses:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in values above
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// OKTA_DOMAIN -> okta.domain, BROKER_SESSION_TTL_SECS -> broker.session_ttl_secs
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths are parsed as
// comma-separated slices when they arrive from env vars.
var sliceConfigPaths = []string{
	"okta.scopes",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings; the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML or defaults)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps recognized environment variable names to config
// paths. Unmapped keys return empty string and are skipped, so arbitrary
// environment variables never pollute the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// IdP
		"okta_domain":          "okta.domain",
		"okta_client_id":       "okta.client_id",
		"okta_client_secret":   "okta.client_secret",
		"okta_auth_server_id":  "okta.auth_server_id",
		"okta_redirect_uri":    "okta.redirect_uri",
		"okta_scopes":          "okta.scopes",
		"okta_request_timeout": "okta.request_timeout",

		// Vault
		"vault_addr":            "vault.addr",
		"vault_root_token":      "vault.root_token",
		"vault_request_timeout": "vault.request_timeout",

		// Broker
		"broker_bind":              "server.bind",
		"broker_issuer":            "broker.issuer",
		"broker_jwt_audience":      "broker.jwt_audience",
		"broker_jwt_ttl_secs":      "broker.jwt_ttl_secs",
		"broker_session_ttl_secs":  "broker.session_ttl_secs",
		"broker_exchange_ttl_secs": "broker.exchange_ttl_secs",
		"broker_session_max":       "broker.session_max",

		// Key manager
		"broker_jwt_private_key_file": "broker.private_key_file",
		"broker_jwt_public_key_file":  "broker.public_key_file",

		// Teams
		"broker_base_policy":     "teams.base_policy",
		"broker_policy_prefix":   "teams.policy_prefix",
		"broker_devops_team":     "teams.devops_team",
		"broker_token_ttl_secs":  "teams.token_ttl_secs",
		"broker_token_uses":      "teams.token_uses",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	return ""
}
