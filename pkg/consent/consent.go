// Package consent provides the salted one-way hashing used wherever a
// caller-supplied secret must be stored or compared without persisting
// the plaintext.
package consent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// DefaultSalt is used when no salt is configured. Deployments should set
// CONSENT_SALT so hashes are unlinkable across installations.
const DefaultSalt = "reveal-consent-salt"

type Hasher struct {
	salt []byte
}

func NewHasher(salt string) *Hasher {
	if salt == "" {
		salt = DefaultSalt
	}
	return &Hasher{salt: []byte(salt)}
}

// Hash returns the salted HMAC-SHA256 hex digest of secret. Deterministic
// for a fixed salt; not invertible.
func (h *Hasher) Hash(secret string) string {
	mac := hmac.New(sha256.New, h.salt)
	_, _ = mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares secret against a stored digest in constant time.
func (h *Hasher) Matches(secret, storedHex string) bool {
	computed := h.Hash(secret)
	return hmac.Equal([]byte(computed), []byte(storedHex))
}
