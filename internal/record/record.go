// Package record converts sealed payloads to and from the blob-store wire format.
package record

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/envelope"
	"github.com/starford/healthvault/internal/models"
)

// Schema is the only blob format version this package reads or writes.
const Schema = "health-record:v1"

// Document is the plaintext sealed inside every record.
type Document struct {
	Record    json.RawMessage `json:"record"`
	CreatedAt time.Time       `json:"createdAt"`
	Uploader  models.Identity `json:"uploader"`
}

// EncryptedPayload is the object persisted in the content store.
type EncryptedPayload struct {
	CiphertextB64 string `json:"ciphertextB64"`
	IVB64         string `json:"ivB64"`
	Algo          string `json:"algo"`
	Schema        string `json:"schema"`
}

// Validate checks the schema tag and algorithm before any decoding of key
// material happens.
func (p EncryptedPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Schema, validation.Required, validation.In(Schema)),
		validation.Field(&p.Algo, validation.Required, validation.In(envelope.Algorithm)),
		validation.Field(&p.IVB64, validation.Required, validation.By(decodesTo(envelope.NonceSize))),
		validation.Field(&p.CiphertextB64, validation.Required, validation.By(decodesTo(0))),
	)
}

func decodesTo(n int) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return errors.New("must be base64")
		}
		if n > 0 && len(raw) != n {
			return fmt.Errorf("must decode to %d bytes", n)
		}
		return nil
	}
}

// Encode packages a sealed payload into the blob-store JSON object.
func Encode(s envelope.Sealed) ([]byte, error) {
	if s.Algorithm != envelope.Algorithm {
		return nil, fmt.Errorf("%w: algorithm %q", apperr.ErrSchemaMismatch, s.Algorithm)
	}
	if len(s.IV) != envelope.NonceSize {
		return nil, fmt.Errorf("%w: iv length %d", apperr.ErrSchemaMismatch, len(s.IV))
	}
	return json.Marshal(EncryptedPayload{
		CiphertextB64: base64.StdEncoding.EncodeToString(s.Ciphertext),
		IVB64:         base64.StdEncoding.EncodeToString(s.IV),
		Algo:          s.Algorithm,
		Schema:        Schema,
	})
}

// Decode parses a blob and rejects unknown schema or algorithm tags with
// apperr.ErrSchemaMismatch.
func Decode(blob []byte) (envelope.Sealed, error) {
	var p EncryptedPayload
	if err := json.Unmarshal(blob, &p); err != nil {
		return envelope.Sealed{}, fmt.Errorf("%w: %v", apperr.ErrSchemaMismatch, err)
	}
	if err := p.Validate(); err != nil {
		return envelope.Sealed{}, fmt.Errorf("%w: %v", apperr.ErrSchemaMismatch, err)
	}
	ct, _ := base64.StdEncoding.DecodeString(p.CiphertextB64)
	iv, _ := base64.StdEncoding.DecodeString(p.IVB64)
	return envelope.Sealed{Ciphertext: ct, IV: iv, Algorithm: p.Algo}, nil
}

// MarshalDocument builds the plaintext for a new record.
func MarshalDocument(payload json.RawMessage, uploader models.Identity, now time.Time) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, apperr.Invalid("record payload is not valid JSON")
	}
	return json.Marshal(Document{Record: payload, CreatedAt: now.UTC(), Uploader: uploader})
}

// UnmarshalDocument parses decrypted plaintext.
func UnmarshalDocument(plaintext []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(plaintext, &d); err != nil {
		return nil, fmt.Errorf("%w: decrypted document: %v", apperr.ErrSchemaMismatch, err)
	}
	return &d, nil
}
