package gatewaystore

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrips(t *testing.T) {
	c := NewCipher("host-a", "alice", "/home/alice")

	enc, err := c.Encrypt("super-secret-token")
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-token", enc)

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", dec)
}

func TestCipherEmptyStringRoundTrips(t *testing.T) {
	c := NewCipher("host-a", "alice", "/home/alice")

	enc, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", enc)

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "", dec)
}

func TestCipherFallsBackToLegacyKey(t *testing.T) {
	c := NewCipher("host-a", "alice", "/home/alice")

	legacyGCM, err := newGCM(legacyKey("host-a", "alice", "/home/alice"))
	require.NoError(t, err)
	nonce := make([]byte, legacyGCM.NonceSize())
	sealed := legacyGCM.Seal(nil, nonce, []byte("legacy-token"), nil)
	tagSize := legacyGCM.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	wire := append(append(append([]byte{}, nonce...), tag...), ciphertext...)
	encoded := base64.StdEncoding.EncodeToString(wire)

	dec, err := c.Decrypt(encoded)
	require.NoError(t, err)
	assert.Equal(t, "legacy-token", dec)
}

func TestCipherDifferentIdentityCannotDecrypt(t *testing.T) {
	a := NewCipher("host-a", "alice", "/home/alice")
	b := NewCipher("host-b", "bob", "/home/bob")

	enc, err := a.Encrypt("token")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	assert.Error(t, err)
}
