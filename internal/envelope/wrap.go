package envelope

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/box"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/models"
)

// WrapVersion is the wallet encryption scheme understood by eth_decrypt.
const WrapVersion = "x25519-xsalsa20-poly1305"

// WrappedKey is the JSON object stored on the ledger for each consent entry.
type WrappedKey struct {
	Version        string `json:"version"`
	Nonce          string `json:"nonce"`
	EphemPublicKey string `json:"ephemPublicKey"`
	Ciphertext     string `json:"ciphertext"`
}

// Decrypter is the wallet capability needed to unwrap a key. The private key
// never leaves the implementation.
type Decrypter interface {
	Decrypt(ctx context.Context, wrapped []byte, identity models.Identity) ([]byte, error)
}

// ParsePublicKey decodes a base64 x25519 public key as exported by a wallet.
func ParsePublicKey(s string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != 32 {
		return nil, apperr.Invalid("encryption public key must be 32 bytes of base64")
	}
	var pub [32]byte
	copy(pub[:], raw)
	return &pub, nil
}

// WrapKey encrypts key for the holder of recipientPublicKey. Every call uses
// a new ephemeral keypair and nonce, so two wraps of one key are unlinkable.
func WrapKey(key []byte, recipientPublicKey string) ([]byte, error) {
	if len(key) != KeySize {
		return nil, apperr.Invalid("key length %d, want %d", len(key), KeySize)
	}
	pub, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: ephemeral key: %w", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: read nonce: %w", err)
	}

	// The sealed message is the base64 text of the key, matching what
	// wallets hand back from eth_decrypt.
	msg := []byte(base64.StdEncoding.EncodeToString(key))
	sealed := box.Seal(nil, msg, &nonce, pub, ephPriv)

	return json.Marshal(WrappedKey{
		Version:        WrapVersion,
		Nonce:          base64.StdEncoding.EncodeToString(nonce[:]),
		EphemPublicKey: base64.StdEncoding.EncodeToString(ephPub[:]),
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
	})
}

// OpenWrapped decrypts a wrapped blob with an x25519 private key and returns
// the sealed message. Only wallet implementations call this.
func OpenWrapped(wrapped []byte, priv *[32]byte) ([]byte, error) {
	var w WrappedKey
	if err := json.Unmarshal(wrapped, &w); err != nil {
		return nil, fmt.Errorf("%w: wrapped key is not JSON", apperr.ErrSchemaMismatch)
	}
	if w.Version != WrapVersion {
		return nil, fmt.Errorf("%w: wrap version %q", apperr.ErrSchemaMismatch, w.Version)
	}
	nonceRaw, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil || len(nonceRaw) != 24 {
		return nil, fmt.Errorf("%w: wrap nonce", apperr.ErrSchemaMismatch)
	}
	ephRaw, err := base64.StdEncoding.DecodeString(w.EphemPublicKey)
	if err != nil || len(ephRaw) != 32 {
		return nil, fmt.Errorf("%w: ephemeral public key", apperr.ErrSchemaMismatch)
	}
	ct, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap ciphertext", apperr.ErrSchemaMismatch)
	}

	var nonce [24]byte
	var eph [32]byte
	copy(nonce[:], nonceRaw)
	copy(eph[:], ephRaw)

	msg, ok := box.Open(nil, ct, &nonce, &eph, priv)
	if !ok {
		return nil, fmt.Errorf("envelope: open wrapped key: %w", apperr.ErrAuthenticationFailure)
	}
	return msg, nil
}

// UnwrapKey asks the wallet to decrypt wrapped on behalf of identity and
// decodes the recovered key. An empty blob or a wallet refusal is
// apperr.ErrAccessDenied.
func UnwrapKey(ctx context.Context, d Decrypter, wrapped []byte, identity models.Identity) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("envelope: no wrapped key for %s: %w", identity.Short(), apperr.ErrAccessDenied)
	}
	msg, err := d.Decrypt(ctx, wrapped, identity)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("envelope: wallet decrypt: %w", apperr.ErrUpstreamTimeout)
		case errors.Is(err, context.Canceled):
			return nil, err
		}
		return nil, fmt.Errorf("envelope: wallet decrypt: %w: %w", apperr.ErrAccessDenied, err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(msg)))
	if err != nil || len(key) != KeySize {
		return nil, fmt.Errorf("%w: wallet returned a malformed key", apperr.ErrSchemaMismatch)
	}
	return key, nil
}
