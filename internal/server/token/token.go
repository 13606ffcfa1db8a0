// Package token generates the public share tokens and derives the peppered
// lookup digests under which shares are stored. The raw token only ever lives
// in the URL handed to the uploader; the database sees the digest.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// DefaultLength is the visible length of a generated share token.
// 10 characters over a 62-char alphabet is just under 60 bits of entropy.
const DefaultLength = 10

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generate produces a cryptographically random, URL-safe token of the given
// length. It fails only if the system entropy source is unavailable.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = alphabet[n.Int64()]
	}
	return string(result), nil
}

// Hash derives the storage lookup key for a token. The pepper is a
// server-held secret; rotating it orphans every outstanding link.
func Hash(token, pepper string) string {
	sum := sha256.Sum256([]byte(token + pepper))
	return hex.EncodeToString(sum[:])
}

// NewID returns a fresh opaque identifier for a share record. IDs are not
// secret and carry no authorization weight.
func NewID() string {
	return uuid.NewString()
}
