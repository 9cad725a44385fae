// Package sha256 names archived pages by their content.
package sha256

import (
	"crypto/sha256"
	"fmt"
)

// Hasher implements harvest.Hasher. Identical pages get the same archive key,
// so a page served twice is stored once.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex SHA-256 digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
