package httpapi

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "alice",
		"username": "Alice",
		"email":    "alice@example.com",
	}).SignedString(testKey)
	require.NoError(t, err)

	id, err := parseToken(raw, testKey)
	require.NoError(t, err)
	require.Equal(t, Identity{UserID: "alice", Username: "Alice", Email: "alice@example.com"}, id)
}

func TestParseToken_MissingSub(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "Alice",
	}).SignedString(testKey)
	require.NoError(t, err)

	_, err = parseToken(raw, testKey)
	require.Error(t, err)
}

func TestParseToken_WrongAlg(t *testing.T) {
	// Unsigned tokens must be rejected even if the payload is well formed.
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = parseToken(raw, testKey)
	require.Error(t, err)
}

func TestIdentityFromCtx(t *testing.T) {
	_, ok := IdentityFromCtx(context.Background())
	require.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "bob"})
	id, ok := IdentityFromCtx(ctx)
	require.True(t, ok)
	require.Equal(t, "bob", id.UserID)
}
