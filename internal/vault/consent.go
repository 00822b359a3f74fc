package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/envelope"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/risk"
)

// GrantRequest is the input of Grant. Caller must be the record's patient.
type GrantRequest struct {
	Caller          models.Identity
	RecordID        models.RecordID
	Viewer          models.Identity
	ViewerPublicKey string // base64 x25519; looked up in the wallet when empty
	ExpiresAt       uint64 // unix seconds; zero means no expiry
}

// Grant re-wraps the record key for a viewer. Expiry is enforced by the
// ledger, never locally.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (err error) {
	defer func(start time.Time) { s.metrics.ObserveOp("grant", start, err) }(time.Now())

	if err := requireIdentity("caller", req.Caller); err != nil {
		return err
	}
	if err := requireIdentity("viewer", req.Viewer); err != nil {
		return err
	}
	if err := s.checkRisk(ctx, risk.Request{Action: risk.ActionGrant, Caller: req.Caller, RecordID: req.RecordID, Target: req.Viewer}); err != nil {
		return err
	}

	meta, err := s.ledger.GetRecord(ctx, req.RecordID)
	if err != nil {
		return err
	}
	if !meta.Patient.Equal(req.Caller) {
		return fmt.Errorf("vault: grant on record %s by %s: %w", req.RecordID, req.Caller.Short(), apperr.ErrNotAuthorized)
	}
	pub, err := s.publicKey(ctx, req.Viewer, req.ViewerPublicKey)
	if err != nil {
		return err
	}
	if _, err := envelope.ParsePublicKey(pub); err != nil {
		return err
	}

	own, err := s.ledger.GetEncryptedKeyFor(ctx, req.RecordID, req.Caller)
	if err != nil {
		return err
	}
	key, err := envelope.UnwrapKey(ctx, s.wallet, own, req.Caller)
	if err != nil {
		return err
	}
	wrapped, err := envelope.WrapKey(key, pub)
	if err != nil {
		return err
	}

	submitCtx, err := s.submit(ctx, Mutation{Method: "grantAccess", Caller: req.Caller, RecordID: req.RecordID, Viewer: req.Viewer})
	if err != nil {
		return err
	}
	if err := s.ledger.GrantAccess(submitCtx, req.Caller, req.RecordID, req.Viewer, wrapped, req.ExpiresAt); err != nil {
		return err
	}
	s.logger.Info("vault: access granted",
		slog.String("record_id", req.RecordID.String()),
		slog.String("viewer", req.Viewer.Short()),
		slog.Uint64("expires_at", req.ExpiresAt))
	return nil
}

// Revoke clears a viewer's consent entry. The record key is not rotated: a
// viewer who already unwrapped it keeps that copy, and only future reads
// through the ledger are blocked.
func (s *Service) Revoke(ctx context.Context, caller models.Identity, id models.RecordID, viewer models.Identity) (err error) {
	defer func(start time.Time) { s.metrics.ObserveOp("revoke", start, err) }(time.Now())

	if err := requireIdentity("caller", caller); err != nil {
		return err
	}
	if err := requireIdentity("viewer", viewer); err != nil {
		return err
	}
	meta, err := s.ledger.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if !meta.Patient.Equal(caller) {
		return fmt.Errorf("vault: revoke on record %s by %s: %w", id, caller.Short(), apperr.ErrNotAuthorized)
	}
	if meta.Patient.Equal(viewer) {
		return apperr.Invalid("the patient's own entry cannot be revoked")
	}

	submitCtx, err := s.submit(ctx, Mutation{Method: "revokeAccess", Caller: caller, RecordID: id, Viewer: viewer})
	if err != nil {
		return err
	}
	if err := s.ledger.RevokeAccess(submitCtx, caller, id, viewer); err != nil {
		return err
	}
	s.logger.Info("vault: access revoked",
		slog.String("record_id", id.String()),
		slog.String("viewer", viewer.Short()))
	return nil
}

// CanView reports whether viewer currently holds a valid consent entry.
func (s *Service) CanView(ctx context.Context, id models.RecordID, viewer models.Identity) (bool, error) {
	if err := requireIdentity("viewer", viewer); err != nil {
		return false, err
	}
	return s.ledger.CanView(ctx, id, viewer)
}

// Meta returns a record's ledger metadata.
func (s *Service) Meta(ctx context.Context, id models.RecordID) (models.RecordMeta, error) {
	return s.ledger.GetRecord(ctx, id)
}

// RecordLists holds the records a caller owns and the records shared with it.
type RecordLists struct {
	Patient []models.RecordID `json:"patient"`
	Viewer  []models.RecordID `json:"viewer"`
}

// MyRecords returns caller's patient-side and viewer-side record ids.
func (s *Service) MyRecords(ctx context.Context, caller models.Identity) (RecordLists, error) {
	if err := requireIdentity("caller", caller); err != nil {
		return RecordLists{}, err
	}
	owned, err := s.ledger.MyPatientRecords(ctx, caller)
	if err != nil {
		return RecordLists{}, err
	}
	shared, err := s.ledger.MyViewerRecords(ctx, caller)
	if err != nil {
		return RecordLists{}, err
	}
	if owned == nil {
		owned = []models.RecordID{}
	}
	if shared == nil {
		shared = []models.RecordID{}
	}
	return RecordLists{Patient: owned, Viewer: shared}, nil
}
