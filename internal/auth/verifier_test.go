package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentim/agentim/internal/types"
)

func mint(t *testing.T, secret []byte, typ types.TokenType, iat time.Time) string {
	t.Helper()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(15 * time.Minute)),
		},
		Username: "alice",
		Type:     typ,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

type fakeRevocation struct{ revoked bool }

func (f fakeRevocation) IsRevoked(string, int64) bool { return f.revoked }

func TestVerifyAccepted(t *testing.T) {
	secret := []byte("current-secret")
	v := NewVerifier(secret, nil, fakeRevocation{})

	tok := mint(t, secret, types.TokenAccess, time.Now())
	claims, err := v.Verify(tok, true)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Sub)
	assert.Equal(t, types.TokenAccess, claims.Type)
}

func TestVerifyFallsBackToPreviousSecret(t *testing.T) {
	prev := []byte("previous-secret")
	curr := []byte("current-secret")
	v := NewVerifier(curr, prev, fakeRevocation{})

	tok := mint(t, prev, types.TokenAccess, time.Now())
	_, err := v.Verify(tok, true)
	require.NoError(t, err)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := NewVerifier([]byte("current"), []byte("previous"), fakeRevocation{})
	tok := mint(t, []byte("wrong"), types.TokenAccess, time.Now())

	_, err := v.Verify(tok, true)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsWrongType(t *testing.T) {
	secret := []byte("current-secret")
	v := NewVerifier(secret, nil, fakeRevocation{})

	tok := mint(t, secret, types.TokenRefresh, time.Now())
	_, err := v.Verify(tok, true)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestVerifyRejectsRevoked(t *testing.T) {
	secret := []byte("current-secret")
	v := NewVerifier(secret, nil, fakeRevocation{revoked: true})

	tok := mint(t, secret, types.TokenAccess, time.Now())
	_, err := v.Verify(tok, true)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestVerifyRejectsExpired(t *testing.T) {
	secret := []byte("current-secret")
	v := NewVerifier(secret, nil, fakeRevocation{})

	tok := mint(t, secret, types.TokenAccess, time.Now().Add(-time.Hour))
	_, err := v.Verify(tok, true)
	assert.ErrorIs(t, err, ErrExpired)
}
