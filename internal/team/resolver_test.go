// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package team

import (
	"errors"
	"reflect"
	"testing"

	"github.com/buildsec/bazel-auth-broker/internal/config"
)

func testResolver() *Resolver {
	return NewResolver(config.TeamsConfig{
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
	})
}

func TestCandidateTeams_OrderAndDedup(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name   string
		groups []string
		want   []string
	}{
		{
			name:   "single mapped group",
			groups: []string{"mobile-developers"},
			want:   []string{"mobile-team"},
		},
		{
			name:   "order follows first appearance",
			groups: []string{"backend-developers", "mobile-developers"},
			want:   []string{"backend-team", "mobile-team"},
		},
		{
			name:   "unmapped groups skipped",
			groups: []string{"everyone", "mobile-developers", "lunch-club"},
			want:   []string{"mobile-team"},
		},
		{
			name:   "duplicate mapping collapses",
			groups: []string{"mobile-developers", "mobile-developers", "backend-developers"},
			want:   []string{"mobile-team", "backend-team"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.CandidateTeams(tt.groups)
			if err != nil {
				t.Fatalf("CandidateTeams: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CandidateTeams = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCandidateTeams_NoAssignment(t *testing.T) {
	r := testResolver()

	if _, err := r.CandidateTeams(nil); !errors.Is(err, ErrNoTeamAssignment) {
		t.Errorf("empty groups error = %v, want ErrNoTeamAssignment", err)
	}
	if _, err := r.CandidateTeams([]string{"everyone", "lunch-club"}); !errors.Is(err, ErrNoTeamAssignment) {
		t.Errorf("unmapped groups error = %v, want ErrNoTeamAssignment", err)
	}
}

func TestValidateSelection(t *testing.T) {
	r := testResolver()
	candidates := []string{"mobile-team", "backend-team"}

	if err := r.ValidateSelection("backend-team", candidates); err != nil {
		t.Errorf("valid selection rejected: %v", err)
	}
	if err := r.ValidateSelection("frontend-team", candidates); !errors.Is(err, ErrInvalidTeamSelection) {
		t.Errorf("invalid selection error = %v, want ErrInvalidTeamSelection", err)
	}
	if err := r.ValidateSelection("", candidates); !errors.Is(err, ErrInvalidTeamSelection) {
		t.Errorf("empty selection error = %v, want ErrInvalidTeamSelection", err)
	}
}

func TestPolicies_RegularTeam(t *testing.T) {
	r := testResolver()

	got := r.Policies("mobile-team")
	want := []string{"bazel-base", "bazel-mobile-team"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Policies = %v, want %v", got, want)
	}
}

func TestPolicies_DevopsCarriesAllTeams(t *testing.T) {
	r := testResolver()

	got := r.Policies("devops-team")

	if got[0] != "bazel-base" {
		t.Errorf("first policy = %s, want bazel-base", got[0])
	}
	wantMembers := []string{"bazel-backend-team", "bazel-devops-team", "bazel-frontend-team", "bazel-mobile-team"}
	if !reflect.DeepEqual(got[1:], wantMembers) {
		t.Errorf("devops team policies = %v, want %v", got[1:], wantMembers)
	}
}

func TestRoleAndTokenNames(t *testing.T) {
	r := testResolver()

	if got := r.JWTRole("mobile-team"); got != "mobile-team" {
		t.Errorf("JWTRole = %s, want mobile-team", got)
	}
	if got := r.TokenRole("mobile-team"); got != "mobile-team-token" {
		t.Errorf("TokenRole = %s, want mobile-team-token", got)
	}
}

func TestDisplayName(t *testing.T) {
	r := testResolver()

	tests := []struct {
		team, email, want string
	}{
		{"mobile-team", "alice@ex.com", "bazel-mobile-team-alice"},
		{"backend-team", "bob.builder@corp.example", "bazel-backend-team-bob.builder"},
		{"mobile-team", "no-at-sign", "bazel-mobile-team-no-at-sign"},
	}

	for _, tt := range tests {
		if got := r.DisplayName(tt.team, tt.email); got != tt.want {
			t.Errorf("DisplayName(%s, %s) = %s, want %s", tt.team, tt.email, got, tt.want)
		}
	}
}
