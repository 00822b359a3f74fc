// Package checksum computes the digests anchored on the ledger.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"github.com/starford/healthvault/internal/models"
)

// Keccak256 returns the legacy keccak-256 digest of data.
func Keccak256(data []byte) models.Hash {
	var out models.Hash
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	h.Sum(out[:0])
	return out
}

// RecordType derives the on-ledger record-type tag from its label.
func RecordType(label string) models.Hash {
	return Keccak256([]byte(label))
}

// Sum returns the hex-encoded SHA-256 digest of data. Used for content pointers.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
