package auth

import (
	"errors"
	"time"

	"callscore/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL applies when API_TOKEN_TTL is unset.
const DefaultTTL = 30 * 24 * time.Hour

type Manager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("API_JWT_SECRET is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		ttl:      ttl,
	}, nil
}

func (m *Manager) TTL() time.Duration { return m.ttl }

/* ===================== ISSUE TOKEN ===================== */

// Issue signs an org-scoped token for subject. ttl <= 0 uses the manager
// default.
func (m *Manager) Issue(now time.Time, id Identity, ttl time.Duration) (string, error) {
	if id.Subject == "" || id.OrgID == "" || id.Role == "" {
		return "", errors.New("subject, org_id and role are required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    m.issuer,
			Audience:  audienceOrNil(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		OrgID: id.OrgID,
		Role:  id.Role,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

/* ===================== VERIFY TOKEN ===================== */

func (m *Manager) Verify(tokenString string, now time.Time) (Identity, error) {
	var claims Claims

	// Time checks run in the validator below against now.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	if err := jwt.NewValidator(opts...).Validate(claims.RegisteredClaims); err != nil {
		return Identity{}, err
	}

	if claims.Subject == "" {
		return Identity{}, errors.New("sub missing")
	}
	if claims.OrgID == "" {
		return Identity{}, errors.New("org_id missing")
	}
	if claims.Role == "" {
		return Identity{}, errors.New("role missing")
	}
	return Identity{Subject: claims.Subject, OrgID: claims.OrgID, Role: claims.Role}, nil
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
