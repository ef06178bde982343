package auth

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// tokenBytes is the entropy of an issued credential before hex encoding.
const tokenBytes = 48

// Hasher derives the lookup key stored in place of a credential. With a
// pepper it is a keyed BLAKE2b-256, so a leaked identity table cannot be
// matched against guessed tokens without the server secret.
type Hasher struct {
	key []byte
}

func NewHasher(pepper string) *Hasher {
	key := []byte(pepper)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Hasher{key: key}
}

// Hash returns the hex-encoded digest of credential.
func (h *Hasher) Hash(credential string) string {
	// New256 only fails for keys longer than 64 bytes, which NewHasher
	// rules out.
	d, _ := blake2b.New256(h.key)
	d.Write([]byte(credential))
	return hex.EncodeToString(d.Sum(nil))
}

// NewToken returns a fresh random credential.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
