// Package sha256 provides the content hashing used by the asset store.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher produces hex SHA-256 digests. A digest is the storage key for a
// blob, so two byte-identical bodies always map to the same key.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader streams r through the hash, for bodies too large to buffer.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	hs := sha256.New()
	if _, err := io.Copy(hs, r); err != nil {
		return "", fmt.Errorf("hash reader: %w", err)
	}
	return hex.EncodeToString(hs.Sum(nil)), nil
}

// Short returns the first 12 hex characters of the digest of data. It backs
// deterministic page directory names so resume runs reuse the same paths.
func Short(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}
