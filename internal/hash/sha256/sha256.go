// Package sha256 fingerprints fetched content and item identities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements pipeline.Hasher with SHA-256 hex digests. The digest is
// the basis for both posting content hashes and checkpoint item IDs.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. Empty input is rejected: an empty page
// body or identity string always signals a bug upstream, and a shared digest
// for it would silently collapse distinct items.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("hash empty input")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
