// Package envelope implements the per-record key and cipher primitives:
// AES-256-GCM for payloads and x25519-xsalsa20-poly1305 for wrapping keys.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/starford/healthvault/internal/apperr"
)

const (
	// KeySize is the symmetric key length in bytes (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// Algorithm identifies the payload cipher on the wire.
	Algorithm = "AES-256-GCM"
)

// Sealed is the output of Encrypt.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Algorithm  string
}

// GenerateKey returns n bytes from the system CSPRNG.
// There is no fallback source: an RNG failure is returned as-is.
func GenerateKey(n int) ([]byte, error) {
	if n <= 0 {
		return nil, apperr.Invalid("key length %d", n)
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: read random: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext, key []byte) (Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("envelope: read nonce: %w", err)
	}
	return Sealed{
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		Algorithm:  Algorithm,
	}, nil
}

// Decrypt opens ciphertext. A tag mismatch (tampering or wrong key) is
// reported as apperr.ErrAuthenticationFailure.
func Decrypt(ciphertext, iv, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != NonceSize {
		return nil, apperr.Invalid("iv length %d, want %d", len(iv), NonceSize)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: decrypt: %w", apperr.ErrAuthenticationFailure)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, apperr.Invalid("key length %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new gcm: %w", err)
	}
	return gcm, nil
}
