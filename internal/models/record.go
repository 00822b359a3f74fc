// Package models defines the domain types shared by the Health Vault packages.
package models

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var identityRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Identity is a wallet address ("0x" followed by 40 hex digits).
// Comparisons are case-insensitive.
type Identity string

// Valid reports whether id is a well-formed address.
func (id Identity) Valid() bool {
	return identityRe.MatchString(string(id))
}

// Equal compares two identities ignoring hex case.
func (id Identity) Equal(other Identity) bool {
	return strings.EqualFold(string(id), string(other))
}

// Normalize returns the lower-case form used as a map key.
func (id Identity) Normalize() Identity {
	return Identity(strings.ToLower(string(id)))
}

// Short renders the identity as 0x1234...abcd for log lines.
func (id Identity) Short() string {
	s := string(id)
	if len(s) < 10 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}

// IdentityPattern exposes the address pattern for validators.
func IdentityPattern() *regexp.Regexp { return identityRe }

// RecordID is the ledger-assigned record identifier.
type RecordID uint64

// ParseRecordID parses a decimal record id.
func ParseRecordID(s string) (RecordID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return RecordID(n), nil
}

func (id RecordID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Hash is a 32-byte digest (keccak-256 in practice).
type Hash [32]byte

// Hex returns the 0x-prefixed lower-case hex form.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// IsZero reports whether h is all zeroes.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return h.Hex() }

// MarshalText encodes the hash as 0x-hex.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText decodes a 0x-hex digest.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 0x-prefixed 32-byte hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash %q", s)
	}
	copy(h[:], raw)
	return h, nil
}

// RecordMeta is the immutable on-ledger metadata of a record.
type RecordMeta struct {
	ID             RecordID  `json:"id"`
	Patient        Identity  `json:"patient"`
	Uploader       Identity  `json:"uploader"`
	ContentPointer string    `json:"cid"`
	IntegrityHash  Hash      `json:"data_hash"`
	RecordType     Hash      `json:"record_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConsentEntry is one viewer's slot in a record's consent table.
// An empty WrappedKey means no access. ExpiresAt zero means no expiry.
type ConsentEntry struct {
	RecordID   RecordID `json:"record_id"`
	Viewer     Identity `json:"viewer"`
	WrappedKey []byte   `json:"wrapped_key,omitempty"`
	ExpiresAt  uint64   `json:"expires_at"`
}

// Active reports whether the entry grants access at the given unix time.
func (e ConsentEntry) Active(now int64) bool {
	if len(e.WrappedKey) == 0 {
		return false
	}
	return e.ExpiresAt == 0 || int64(e.ExpiresAt) > now
}
