// Package wallet provides the identity-bound decryption capability used to
// unwrap record keys. Private keys never leave a Provider.
package wallet

import (
	"context"
	"errors"

	"github.com/starford/healthvault/internal/models"
)

// ErrUnknownIdentity is returned when the provider holds no key for an identity.
var ErrUnknownIdentity = errors.New("wallet: unknown identity")

// ErrRefused is returned when the holder declines a decryption request.
var ErrRefused = errors.New("wallet: request refused")

// Provider is an external wallet.
type Provider interface {
	// PublicKey returns the base64 x25519 encryption public key of identity.
	PublicKey(ctx context.Context, identity models.Identity) (string, error)
	// Decrypt opens a wrapped key addressed to identity and returns the
	// sealed message (the base64 text of the record key).
	Decrypt(ctx context.Context, wrapped []byte, identity models.Identity) ([]byte, error)
}
