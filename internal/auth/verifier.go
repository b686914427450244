// Package auth implements the Token Verifier (§4.1): HS256 bearer-token
// verification with a current/previous secret rotation window, issuer and
// audience checks, and a Revocation Registry consultation.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentim/agentim/internal/types"
)

const (
	issuer   = "agentim"
	audience = "agentim"
)

// RevocationChecker is the narrow interface the Token Verifier consumes
// from the Revocation Registry (§4.2).
type RevocationChecker interface {
	IsRevoked(userID string, iatMs int64) bool
}

// claims is the JWT claim set AgentIM issues. The verifier only reads it;
// issuance is an external collaborator per §1.
type claims struct {
	jwt.RegisteredClaims
	Username string          `json:"username"`
	Type     types.TokenType `json:"type"`
}

// Verifier verifies access/refresh/challenge tokens per §4.1.
type Verifier struct {
	currentSecret  []byte
	previousSecret []byte
	revocation     RevocationChecker
}

// NewVerifier builds a Verifier. previousSecret may be nil once a rotation
// window has closed; it is only consulted as a fallback.
func NewVerifier(currentSecret, previousSecret []byte, revocation RevocationChecker) *Verifier {
	return &Verifier{
		currentSecret:  currentSecret,
		previousSecret: previousSecret,
		revocation:     revocation,
	}
}

// Verify decodes and validates a bearer token, returning the caller's
// claims on success. requireAccess, when true, rejects refresh/challenge
// tokens with ErrWrongType (§4.1, B3).
func (v *Verifier) Verify(tokenString string, requireAccess bool) (types.Claims, error) {
	parsed, err := v.parseWithRotation(tokenString)
	if err != nil {
		return types.Claims{}, err
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return types.Claims{}, ErrMalformed
	}

	if c.Subject == "" || c.Username == "" || !validType(c.Type) {
		return types.Claims{}, ErrMalformed
	}
	if !issuerAudienceOK(c) {
		return types.Claims{}, ErrWrongIssuerOrAudience
	}
	if requireAccess && c.Type != types.TokenAccess {
		return types.Claims{}, ErrWrongType
	}

	iat := c.IssuedAt.Time
	if v.revocation != nil && v.revocation.IsRevoked(c.Subject, iat.UnixMilli()) {
		return types.Claims{}, ErrRevoked
	}

	return types.Claims{
		Sub:      c.Subject,
		Username: c.Username,
		Type:     c.Type,
		IssuedAt: iat,
	}, nil
}

// parseWithRotation tries the current secret first, then the previous
// secret (key rotation window, §4.1).
func (v *Verifier) parseWithRotation(tokenString string) (*jwt.Token, error) {
	parse := func(secret []byte) (*jwt.Token, error) {
		return jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrBadSignature
			}
			return secret, nil
		})
	}

	tok, err := parse(v.currentSecret)
	if err == nil {
		return tok, nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpired
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return nil, ErrMalformed
	}

	if len(v.previousSecret) > 0 {
		tok, err2 := parse(v.previousSecret)
		if err2 == nil {
			return tok, nil
		}
		if errors.Is(err2, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
	}

	return nil, ErrBadSignature
}

func validType(t types.TokenType) bool {
	switch t {
	case types.TokenAccess, types.TokenRefresh, types.TokenChallenge:
		return true
	default:
		return false
	}
}

func issuerAudienceOK(c *claims) bool {
	if c.Issuer != issuer {
		return false
	}
	for _, a := range c.Audience {
		if a == audience {
			return true
		}
	}
	return false
}

// WireMessage maps a Verify error to the short, non-discriminating string
// surfaced to peers at the wire boundary (§4.1 failure semantics, §6).
func WireMessage(err error) string {
	switch {
	case errors.Is(err, ErrRevoked):
		return "Token revoked"
	case errors.Is(err, ErrWrongType):
		return "Invalid token type"
	case errors.Is(err, ErrExpired):
		return "Invalid or expired token"
	default:
		return "Invalid or expired token"
	}
}
