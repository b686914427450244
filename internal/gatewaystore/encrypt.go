// Package gatewaystore persists a gateway's configuration and local daemon
// registry under ~/.agentim (§6): the access/refresh tokens, the assigned
// gatewayId, and one JSON file per locally-started agent process used to
// detect stale entries across restarts.
package gatewaystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 600_000
	keyLength        = 32
	// appSalt is fixed and public; the secret half of the key derivation is
	// the per-machine hostname:username:homedir tuple, not this salt.
	appSalt = "agentim-config-v2"
)

// deriveKey computes the AES-256 key from the per-machine identity tuple
// per §6: PBKDF2-SHA256(hostname:username:homedir, appSalt, 600000, 32).
func deriveKey(hostname, username, homedir string) []byte {
	passphrase := hostname + ":" + username + ":" + homedir
	return pbkdf2.Key([]byte(passphrase), []byte(appSalt), pbkdf2Iterations, keyLength, sha256.New)
}

// legacyKey derives the fallback key for decrypting values written before
// the PBKDF2 derivation was introduced — a flat SHA-256 of the same
// identity tuple, no iteration stretching.
func legacyKey(hostname, username, homedir string) []byte {
	sum := sha256.Sum256([]byte(hostname + ":" + username + ":" + homedir))
	return sum[:]
}

// Cipher encrypts and decrypts the sensitive fields of a gateway config
// file (tokens) with AES-256-GCM, per §6's "base64(iv[12] || tag[16] ||
// ct)" wire format.
type Cipher struct {
	key    []byte
	legacy []byte
}

// NewCipher builds a Cipher bound to one machine identity tuple.
func NewCipher(hostname, username, homedir string) *Cipher {
	return &Cipher{
		key:    deriveKey(hostname, username, homedir),
		legacy: legacyKey(hostname, username, homedir),
	}
}

// Encrypt seals plaintext under the current key and returns the
// base64(iv || tag || ciphertext) string stored in config.json.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := newGCM(c.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("gatewaystore: failed to generate nonce: %w", err)
	}

	// gcm.Seal appends as ciphertext||tag; split and reassemble as
	// iv||tag||ct to match the documented wire format.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagSize := gcm.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, len(nonce)+len(tag)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. It tries the current key
// first, then the legacy SHA-256 key for back-compat with config files
// written before PBKDF2 derivation was introduced (§6).
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("gatewaystore: invalid base64: %w", err)
	}

	if plaintext, err := open(c.key, data); err == nil {
		return plaintext, nil
	}
	if plaintext, err := open(c.legacy, data); err == nil {
		return plaintext, nil
	}
	return "", errors.New("gatewaystore: failed to decrypt value with current or legacy key")
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("gatewaystore: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gatewaystore: failed to create GCM: %w", err)
	}
	return gcm, nil
}

func open(key, data []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	tagSize := gcm.Overhead()
	if len(data) < nonceSize+tagSize {
		return "", errors.New("gatewaystore: ciphertext too short")
	}
	nonce := data[:nonceSize]
	tag := data[nonceSize : nonceSize+tagSize]
	ciphertext := data[nonceSize+tagSize:]

	// gcm.Open expects ciphertext||tag; data is stored as iv||tag||ct.
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
