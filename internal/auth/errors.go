package auth

import "errors"

// Sentinel errors returned by the Token Verifier. Callers should use
// errors.Is for comparison; none of these are discriminated at the wire
// boundary (§4.1) except to decide refresh-vs-relogin prompting.
var (
	// ErrMalformed is returned when the token cannot be parsed at all.
	ErrMalformed = errors.New("auth: malformed token")

	// ErrBadSignature is returned when neither the current nor the previous
	// secret verifies the token's signature.
	ErrBadSignature = errors.New("auth: bad signature")

	// ErrExpired is returned when the token's exp claim has passed.
	ErrExpired = errors.New("auth: token expired")

	// ErrWrongIssuerOrAudience is returned when iss/aud don't match "agentim".
	ErrWrongIssuerOrAudience = errors.New("auth: wrong issuer or audience")

	// ErrWrongType is returned when an endpoint requiring type=access is
	// presented a refresh or challenge token.
	ErrWrongType = errors.New("auth: invalid token type")

	// ErrRevoked is returned when the Revocation Registry holds a watermark
	// at or after the token's iat.
	ErrRevoked = errors.New("auth: token revoked")
)
