package httpapi

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller extracted from a bearer token. The
// engine treats all three fields as opaque.
type Identity struct {
	UserID   string
	Username string
	Email    string
}

type ctxKey string

const identityKey ctxKey = "collab.identity"

// WithIdentity stores the authenticated identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the authenticated identity from the context.
func IdentityFromCtx(ctx context.Context) (Identity, bool) {
	v := ctx.Value(identityKey)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// parseToken verifies an HS256 bearer token and extracts the identity claims.
func parseToken(raw string, signKey []byte) (Identity, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signKey, nil
	})
	if err != nil {
		return Identity{}, err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return Identity{}, fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("missing sub claim")
	}
	username, _ := claims["username"].(string)
	email, _ := claims["email"].(string)
	return Identity{UserID: sub, Username: username, Email: email}, nil
}
