// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validation errors.
var (
	// ErrMissingOpenIDScope indicates the openid scope was removed from
	// the scope list. Without it the IdP will not return an ID token.
	ErrMissingOpenIDScope = errors.New("okta.scopes must include \"openid\"")

	// ErrMissingGroupsScope indicates the groups scope was removed.
	// Without it team resolution has no input.
	ErrMissingGroupsScope = errors.New("okta.scopes must include \"groups\"")

	// ErrUnknownDevopsTeam indicates teams.devops_team names a team no
	// group maps to.
	ErrUnknownDevopsTeam = errors.New("teams.devops_team is not a mapped team")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for structural and cross-field errors.
// It is called by Load; call it directly when constructing a Config by hand.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("config validation: %w", err)
		}

		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return err
	}

	if !slices.Contains(c.Okta.Scopes, "openid") {
		return ErrMissingOpenIDScope
	}
	if !slices.Contains(c.Okta.Scopes, "groups") {
		return ErrMissingGroupsScope
	}

	if c.Teams.DevopsTeam != "" && !c.Teams.mapsToTeam(c.Teams.DevopsTeam) {
		return ErrUnknownDevopsTeam
	}

	if strings.HasSuffix(c.Vault.Addr, "/") {
		c.Vault.Addr = strings.TrimRight(c.Vault.Addr, "/")
	}

	return nil
}

// mapsToTeam reports whether any group resolves to the given team.
func (t TeamsConfig) mapsToTeam(team string) bool {
	for _, mapped := range t.GroupToTeam {
		if mapped == team {
			return true
		}
	}
	return false
}

// Teams returns the distinct team names in the mapping, sorted.
func (t TeamsConfig) Teams() []string {
	seen := make(map[string]struct{}, len(t.GroupToTeam))
	teams := make([]string, 0, len(t.GroupToTeam))
	for _, team := range t.GroupToTeam {
		if _, ok := seen[team]; ok {
			continue
		}
		seen[team] = struct{}{}
		teams = append(teams, team)
	}
	slices.Sort(teams)
	return teams
}
