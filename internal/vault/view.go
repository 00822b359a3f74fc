package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/cache"
	"github.com/starford/healthvault/internal/checksum"
	"github.com/starford/healthvault/internal/envelope"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/record"
	"github.com/starford/healthvault/internal/risk"
)

// ViewResult is a decrypted record.
type ViewResult struct {
	Meta     models.RecordMeta `json:"meta"`
	Document *record.Document  `json:"document"`
}

// View decrypts a record for caller. Without a valid consent entry the
// pipeline stops with apperr.ErrAccessDenied before any blob is fetched.
// Tampered or mismatched ciphertext is apperr.ErrAuthenticationFailure and is
// never retried.
func (s *Service) View(ctx context.Context, caller models.Identity, id models.RecordID) (res *ViewResult, err error) {
	defer func(start time.Time) { s.metrics.ObserveOp("view", start, err) }(time.Now())

	if err := requireIdentity("caller", caller); err != nil {
		return nil, err
	}
	if err := s.checkRisk(ctx, risk.Request{Action: risk.ActionView, Caller: caller, RecordID: id}); err != nil {
		return nil, err
	}

	meta, err := s.ledger.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	wrapped, err := s.ledger.GetEncryptedKeyFor(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	key, err := envelope.UnwrapKey(ctx, s.wallet, wrapped, caller)
	if err != nil {
		return nil, err
	}

	blob, err := s.blobs.Get(ctx, meta.ContentPointer)
	if err != nil {
		return nil, err
	}
	sealed, err := record.Decode(blob)
	if err != nil {
		return nil, err
	}
	if got := checksum.Keccak256(sealed.Ciphertext); got != meta.IntegrityHash {
		s.logger.Warn("vault: integrity hash mismatch",
			slog.String("record_id", id.String()),
			slog.String("content_pointer", meta.ContentPointer))
		return nil, fmt.Errorf("vault: record %s: ciphertext does not match anchored hash: %w", id, apperr.ErrAuthenticationFailure)
	}
	plaintext, err := envelope.Decrypt(sealed.Ciphertext, sealed.IV, key)
	if err != nil {
		return nil, err
	}
	doc, err := record.UnmarshalDocument(plaintext)
	if err != nil {
		return nil, err
	}

	if s.recorder != nil {
		if err := s.recorder.AppendView(ctx, cache.View{
			RecordID:       id,
			Viewer:         caller,
			Patient:        meta.Patient,
			ContentPointer: meta.ContentPointer,
			RecordType:     meta.RecordType,
			ViewedAt:       s.now(),
		}); err != nil {
			s.logger.Warn("vault: cache view failed", slog.String("error", err.Error()))
		}
	}
	return &ViewResult{Meta: meta, Document: doc}, nil
}
