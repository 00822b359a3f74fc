// Package ledger wraps the consent contract behind a typed client.
package ledger

import (
	"context"
	"errors"

	"github.com/starford/healthvault/internal/models"
)

// Errors a Backend returns for contract-level outcomes. Transport failures
// are returned as-is.
var (
	ErrUnknownRecord = errors.New("record does not exist")
	ErrNotPatient    = errors.New("sender is not the record patient")
	ErrReverted      = errors.New("transaction reverted")
)

// AddRecordInput is the argument list of the contract's addRecord.
type AddRecordInput struct {
	Patient        models.Identity
	ContentPointer string
	IntegrityHash  models.Hash
	RecordType     models.Hash
	WrappedKey     []byte
}

// Backend is the external consent contract. Methods taking from are sent
// or called as that identity; the contract, not the client, enforces who
// receives a wrapped key and when a consent entry expires.
type Backend interface {
	Code(ctx context.Context, address string) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	// Genesis identifies the ledger instance. A chain answers with its
	// genesis block hash; it differs whenever the ledger was reset.
	Genesis(ctx context.Context) (string, error)

	AddRecord(ctx context.Context, from models.Identity, in AddRecordInput) (models.RecordID, error)
	GrantAccess(ctx context.Context, from models.Identity, id models.RecordID, viewer models.Identity, wrappedKey []byte, expiresAt uint64) error
	RevokeAccess(ctx context.Context, from models.Identity, id models.RecordID, viewer models.Identity) error

	GetRecord(ctx context.Context, id models.RecordID) (models.RecordMeta, error)
	GetEncryptedDEK(ctx context.Context, from models.Identity, id models.RecordID) ([]byte, error)
	CanView(ctx context.Context, id models.RecordID, viewer models.Identity) (bool, error)
	PatientRecordIDs(ctx context.Context, from models.Identity) ([]models.RecordID, error)
	ViewerRecordIDs(ctx context.Context, from models.Identity) ([]models.RecordID, error)

	PastEvents(ctx context.Context, kind models.EventKind, fromBlock, toBlock uint64) ([]models.LedgerEvent, error)
}
