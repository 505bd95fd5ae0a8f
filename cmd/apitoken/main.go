// Command apitoken prints a signed API token for one org and role, using
// API_JWT_SECRET and the other JWT settings from the environment.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"callscore/internal/auth"
	"callscore/internal/config"
	"callscore/internal/rbac"

	"github.com/joho/godotenv"
)

func main() {
	subject := flag.String("sub", "", "token subject, e.g. a user or service name (required)")
	org := flag.String("org", "", "organization id; empty uses DEFAULT_ORG_ID")
	role := flag.String("role", rbac.RoleViewer, "viewer, operator or admin")
	ttl := flag.Duration("ttl", 0, "lifetime; 0 uses API_TOKEN_TTL")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("env file not loaded", "err", err)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if *org == "" {
		*org = cfg.Org.ID
	}

	token, err := issue(cfg.Auth, auth.Identity{Subject: *subject, OrgID: *org, Role: *role}, *ttl, time.Now())
	if err != nil {
		slog.Error("token not issued", "err", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func issue(cfg config.AuthConfig, id auth.Identity, ttl time.Duration, now time.Time) (string, error) {
	if !rbac.Valid(id.Role) {
		return "", fmt.Errorf("unknown role %q", id.Role)
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		return "", err
	}
	return m.Issue(now, id, ttl)
}
