// Package token generates opaque identifiers: guest slugs and admin
// session ids.
package token

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateOpaque returns nBytes of randomness as lowercase hex.
func GenerateOpaque(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
