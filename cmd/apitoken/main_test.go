package main

import (
	"testing"
	"time"

	"callscore/internal/auth"
	"callscore/internal/config"
	"callscore/internal/rbac"
)

func TestIssueRoundTrip(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: "test-secret", JWTIssuer: "callscore", TokenTTL: time.Hour}
	now := time.Now()

	tok, err := issue(cfg, auth.Identity{Subject: "ops-bot", OrgID: "org1", Role: rbac.RoleOperator}, 0, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	id, err := m.Verify(tok, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.OrgID != "org1" || id.Role != rbac.RoleOperator || id.Subject != "ops-bot" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	now := time.Now()
	if _, err := issue(config.AuthConfig{JWTSecret: "s"}, auth.Identity{Subject: "a", OrgID: "o", Role: "root"}, 0, now); err == nil {
		t.Fatalf("expected unknown role error")
	}
	if _, err := issue(config.AuthConfig{}, auth.Identity{Subject: "a", OrgID: "o", Role: rbac.RoleAdmin}, 0, now); err == nil {
		t.Fatalf("expected missing secret error")
	}
	if _, err := issue(config.AuthConfig{JWTSecret: "s"}, auth.Identity{OrgID: "o", Role: rbac.RoleAdmin}, 0, now); err == nil {
		t.Fatalf("expected missing subject error")
	}
}
