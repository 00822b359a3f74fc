// Package apperr defines the error taxonomy shared by every pipeline.
package apperr

import (
	"errors"
	"fmt"

	"github.com/starford/healthvault/internal/models"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrContractNotDeployed   = errors.New("contract not deployed")
	ErrNotFound              = errors.New("not found")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrAccessDenied          = errors.New("access denied")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrSchemaMismatch        = errors.New("schema mismatch")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrLedgerWriteFailed     = errors.New("ledger write failed")
	ErrUpstreamTimeout       = errors.New("upstream timeout")
	ErrRiskBlocked           = errors.New("blocked by risk check")
)

// Party names whose action a failure is attributed to.
type Party string

const (
	PartyCaller Party = "caller"
	PartyData   Party = "data"
	PartyInfra  Party = "infra"
)

// PartyOf classifies err so the UI can route remediation.
func PartyOf(err error) Party {
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrRiskBlocked):
		return PartyCaller
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAuthenticationFailure),
		errors.Is(err, ErrSchemaMismatch):
		return PartyData
	default:
		return PartyInfra
	}
}

// Hint returns a short remediation message for err.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "check the submitted address, record id or JSON"
	case errors.Is(err, ErrNotAuthorized):
		return "this record belongs to a different wallet; switch wallet account"
	case errors.Is(err, ErrAccessDenied):
		return "no valid consent for this wallet; ask the patient to grant access"
	case errors.Is(err, ErrRiskBlocked):
		return "security check failed; try again later"
	case errors.Is(err, ErrNotFound):
		return "no record with this id"
	case errors.Is(err, ErrAuthenticationFailure):
		return "wrong key or corrupted data"
	case errors.Is(err, ErrSchemaMismatch):
		return "stored payload has an unknown format"
	case errors.Is(err, ErrContractNotDeployed):
		return "contract not found at the configured address; check settings"
	case errors.Is(err, ErrStorageUnavailable):
		return "content store unreachable; check network settings"
	case errors.Is(err, ErrLedgerWriteFailed):
		return "ledger rejected or dropped the transaction; retry with the returned pointer"
	case errors.Is(err, ErrUpstreamTimeout):
		return "ledger or content store did not respond; check network settings"
	default:
		return "unexpected error"
	}
}

// Anchor is everything needed to (re)submit addRecord for an uploaded blob.
type Anchor struct {
	Patient        models.Identity `json:"patient"`
	ContentPointer string          `json:"content_pointer"`
	IntegrityHash  models.Hash     `json:"integrity_hash"`
	RecordType     models.Hash     `json:"record_type"`
	RecordLabel    string          `json:"record_label"`
	WrappedKey     []byte          `json:"wrapped_key"`
}

// LedgerWriteError reports a failed addRecord after the blob was stored.
// Pending carries the already-uploaded pointer so a retry can skip re-uploading.
type LedgerWriteError struct {
	Pending Anchor
	Err     error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write failed for %s: %v", e.Pending.ContentPointer, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *LedgerWriteError) Unwrap() []error {
	return []error{ErrLedgerWriteFailed, e.Err}
}

// Invalid wraps ErrInvalidInput with a field description.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
