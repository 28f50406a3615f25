// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package main is the entry point for the bazel-auth-broker server.
//
// The broker turns an interactive IdP login into a short-lived,
// team-scoped Vault child token for Bazel builds. Startup order:
//
//  1. Configuration: environment variables > optional YAML > defaults (Koanf v2)
//  2. Key manager: load the broker's RSA signing keypair from disk
//  3. Clients: OIDC relying party, Vault client, team resolver, JWT issuer
//  4. Supervision tree: session GC sweeper and the HTTP server
//
// Exit codes: 0 clean shutdown, 1 configuration or key error, 2 fatal
// runtime error.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/buildsec/bazel-auth-broker/internal/broker"
	"github.com/buildsec/bazel-auth-broker/internal/config"
	"github.com/buildsec/bazel-auth-broker/internal/httpapi"
	"github.com/buildsec/bazel-auth-broker/internal/idp"
	"github.com/buildsec/bazel-auth-broker/internal/keys"
	"github.com/buildsec/bazel-auth-broker/internal/logging"
	"github.com/buildsec/bazel-auth-broker/internal/session"
	"github.com/buildsec/bazel-auth-broker/internal/supervisor"
	"github.com/buildsec/bazel-auth-broker/internal/team"
	"github.com/buildsec/bazel-auth-broker/internal/token"
	"github.com/buildsec/bazel-auth-broker/internal/vault"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load configuration")
		return exitConfig
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("bind", cfg.Server.Bind).
		Str("issuer", cfg.Broker.Issuer).
		Str("idp", cfg.Okta.IssuerURL()).
		Str("vault", cfg.Vault.Addr).
		Msg("starting bazel-auth-broker")

	keyManager, err := keys.Load(cfg.Broker.PrivateKeyFile, cfg.Broker.PublicKeyFile)
	if err != nil {
		logging.Error().Err(err).Msg("failed to load signing keys")
		return exitConfig
	}
	logging.Info().Str("kid", keyManager.KID()).Msg("signing key loaded")

	idpClient := idp.NewClient(idp.Config{
		IssuerURL:      cfg.Okta.IssuerURL(),
		ClientID:       cfg.Okta.ClientID,
		ClientSecret:   cfg.Okta.ClientSecret,
		RedirectURI:    cfg.Okta.RedirectURI,
		Scopes:         cfg.Okta.Scopes,
		RequestTimeout: cfg.Okta.RequestTimeout,
	})

	vaultClient := vault.NewClient(vault.Config{
		Addr:           cfg.Vault.Addr,
		RequestTimeout: cfg.Vault.RequestTimeout,
	})

	sessions := session.NewStore(cfg.Broker.SessionMax)
	teams := team.NewResolver(cfg.Teams)
	issuer := token.NewIssuer(keyManager, cfg.Broker.Issuer, cfg.Broker.JWTAudience, cfg.Broker.JWTTTL())

	b := broker.New(idpClient, sessions, teams, issuer, vaultClient,
		cfg.Broker.SessionTTL(), cfg.Broker.ExchangeTTL())

	handler := httpapi.NewHandler(b, keyManager, cfg.Broker.ExchangeTTLSecs)
	router := httpapi.NewRouter(handler, httpapi.DefaultRouterConfig())

	server := &http.Server{
		Addr:         cfg.Server.Bind,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddSessionService(session.NewSweeper(sessions, 0))
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("shutdown error")
			return exitRuntime
		}
		logging.Info().Msg("shutdown complete")
		return exitOK

	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree failed")
			return exitRuntime
		}
		return exitOK
	}
}
