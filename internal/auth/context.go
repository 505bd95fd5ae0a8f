package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxSubject ctxKey = iota
	ctxOrgID
	ctxRole
)

// Identity is the caller resolved from a token, or the default identity
// when API auth is off.
type Identity struct {
	Subject string `json:"subject"`
	OrgID   string `json:"org_id"`
	Role    string `json:"role"`
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, ctxSubject, id.Subject)
	ctx = context.WithValue(ctx, ctxOrgID, id.OrgID)
	ctx = context.WithValue(ctx, ctxRole, id.Role)
	return ctx
}

func Subject(ctx context.Context) (string, error) {
	v := ctx.Value(ctxSubject)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("subject not in context")
}

func OrgID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxOrgID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("org_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
