// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package team maps IdP group claims onto the broker's team model: which
// teams a user may act as, which Vault roles and policies each team
// carries, and how child tokens for a team are named.
//
// The mapping is static configuration; the resolver is read-only after
// construction.
package team

import (
	"errors"
	"slices"
	"strings"

	"github.com/buildsec/bazel-auth-broker/internal/config"
)

// Resolution errors.
var (
	// ErrNoTeamAssignment indicates none of the user's groups map to a team.
	ErrNoTeamAssignment = errors.New("no team assignment for user groups")

	// ErrInvalidTeamSelection indicates the selected team is not among the
	// user's candidates.
	ErrInvalidTeamSelection = errors.New("selected team not in candidate teams")
)

// Resolver answers team questions from the static team table.
type Resolver struct {
	groupToTeam  map[string]string
	basePolicy   string
	policyPrefix string
	devopsTeam   string
	tokenTTLSecs int
	tokenUses    int

	// allTeams is the sorted distinct team set, used for the devops
	// cross-team policy grant.
	allTeams []string
}

// NewResolver builds a resolver from the teams configuration.
func NewResolver(cfg config.TeamsConfig) *Resolver {
	return &Resolver{
		groupToTeam:  cfg.GroupToTeam,
		basePolicy:   cfg.BasePolicy,
		policyPrefix: cfg.PolicyPrefix,
		devopsTeam:   cfg.DevopsTeam,
		tokenTTLSecs: cfg.TokenTTLSecs,
		tokenUses:    cfg.TokenUses,
		allTeams:     cfg.Teams(),
	}
}

// CandidateTeams derives the ordered team set for the given groups:
// the order in which teams first appear iterating groups left to right,
// deduplicated. Unmapped groups are skipped. An empty result is
// ErrNoTeamAssignment.
func (r *Resolver) CandidateTeams(groups []string) ([]string, error) {
	seen := make(map[string]struct{}, len(groups))
	candidates := make([]string, 0, len(groups))

	for _, group := range groups {
		mapped, ok := r.groupToTeam[group]
		if !ok {
			continue
		}
		if _, dup := seen[mapped]; dup {
			continue
		}
		seen[mapped] = struct{}{}
		candidates = append(candidates, mapped)
	}

	if len(candidates) == 0 {
		return nil, ErrNoTeamAssignment
	}
	return candidates, nil
}

// ValidateSelection checks that the selected team is a candidate.
func (r *Resolver) ValidateSelection(selected string, candidates []string) error {
	if !slices.Contains(candidates, selected) {
		return ErrInvalidTeamSelection
	}
	return nil
}

// Policies returns the Vault policy set for a team's child token: the
// base policy plus the team policy. The devops team additionally carries
// every other team's policy.
func (r *Resolver) Policies(teamName string) []string {
	if r.devopsTeam != "" && teamName == r.devopsTeam {
		policies := make([]string, 0, len(r.allTeams)+1)
		policies = append(policies, r.basePolicy)
		for _, t := range r.allTeams {
			policies = append(policies, r.policyPrefix+t)
		}
		return policies
	}
	return []string{r.basePolicy, r.policyPrefix + teamName}
}

// JWTRole returns the Vault JWT auth role for a team. Roles are named
// after the team itself.
func (r *Resolver) JWTRole(teamName string) string {
	return teamName
}

// TokenRole returns the Vault token role for a team.
func (r *Resolver) TokenRole(teamName string) string {
	return teamName + "-token"
}

// DisplayName builds the child token's display name from the team and the
// local part of the user's email.
func (r *Resolver) DisplayName(teamName, email string) string {
	local := email
	if at := strings.Index(email, "@"); at > 0 {
		local = email[:at]
	}
	return "bazel-" + teamName + "-" + local
}

// TokenTTLSecs returns the child-token TTL bound in seconds.
func (r *Resolver) TokenTTLSecs() int {
	return r.tokenTTLSecs
}

// TokenUses returns the child-token use count.
func (r *Resolver) TokenUses() int {
	return r.tokenUses
}
