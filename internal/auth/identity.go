// Package auth issues and verifies session tokens, hashes external identities
// and talks to the Google OAuth provider.
package auth

import (
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/blake2b"
)

const (
	ProviderGoogle = "google"
	ProviderLocal  = "local"
)

// IdentityHasher derives the stable lookup key stored in
// users.external_identity_hash from a provider subject.
type IdentityHasher struct {
	key []byte
}

// NewIdentityHasher keys the hash with pepper. Peppers longer than the BLAKE2b
// key limit are compressed first.
func NewIdentityHasher(pepper string) *IdentityHasher {
	key := []byte(pepper)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &IdentityHasher{key: key}
}

// Hash returns the hex keyed BLAKE2b-256 of "provider:subject". The result is
// deterministic so it can be looked up.
func (h *IdentityHasher) Hash(provider, subject string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// key length is bounded in NewIdentityHasher
		panic(err)
	}
	mac.Write([]byte(provider))
	mac.Write([]byte{':'})
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashPassword hashes a local account password with bcrypt.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
