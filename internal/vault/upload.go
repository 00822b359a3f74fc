package vault

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/cache"
	"github.com/starford/healthvault/internal/checksum"
	"github.com/starford/healthvault/internal/envelope"
	"github.com/starford/healthvault/internal/ledger"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/record"
)

// UploadRequest is the input of Upload. Caller is the uploader.
type UploadRequest struct {
	Caller           models.Identity
	Patient          models.Identity
	PatientPublicKey string // base64 x25519; looked up in the wallet when empty
	RecordLabel      string
	Payload          json.RawMessage
}

// UploadResult describes an anchored record.
type UploadResult struct {
	RecordID       models.RecordID `json:"record_id"`
	ContentPointer string          `json:"content_pointer"`
	IntegrityHash  models.Hash     `json:"integrity_hash"`
	RecordType     models.Hash     `json:"record_type"`
}

// Upload encrypts the payload under a fresh key, stores the blob and anchors
// it on the ledger with a key wrapped for the patient.
//
// A content-store failure aborts before the ledger is touched. A ledger
// failure returns *apperr.LedgerWriteError whose Pending anchor can be passed
// to Anchor to retry without uploading again.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (res UploadResult, err error) {
	defer func(start time.Time) { s.metrics.ObserveOp("upload", start, err) }(time.Now())

	if err := requireIdentity("caller", req.Caller); err != nil {
		return UploadResult{}, err
	}
	if err := requireIdentity("patient", req.Patient); err != nil {
		return UploadResult{}, err
	}
	label := strings.TrimSpace(req.RecordLabel)
	if label == "" {
		return UploadResult{}, apperr.Invalid("record type label is required")
	}
	plaintext, err := record.MarshalDocument(req.Payload, req.Caller, s.now())
	if err != nil {
		return UploadResult{}, err
	}
	pub, err := s.publicKey(ctx, req.Patient, req.PatientPublicKey)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := envelope.ParsePublicKey(pub); err != nil {
		return UploadResult{}, err
	}
	if err := s.ledger.EnsureDeployed(ctx); err != nil {
		return UploadResult{}, err
	}

	key, err := envelope.GenerateKey(envelope.KeySize)
	if err != nil {
		return UploadResult{}, err
	}
	sealed, err := envelope.Encrypt(plaintext, key)
	if err != nil {
		return UploadResult{}, err
	}
	blob, err := record.Encode(sealed)
	if err != nil {
		return UploadResult{}, err
	}
	integrity := checksum.Keccak256(sealed.Ciphertext)

	pointer, err := s.blobs.Put(ctx, blob)
	if err != nil {
		if !errors.Is(err, apperr.ErrStorageUnavailable) && !errors.Is(err, apperr.ErrInvalidInput) {
			err = errors.Join(apperr.ErrStorageUnavailable, err)
		}
		s.logger.Error("vault: content push failed", slog.String("error", err.Error()))
		return UploadResult{}, err
	}

	wrapped, err := envelope.WrapKey(key, pub)
	if err != nil {
		return UploadResult{}, err
	}

	return s.anchor(ctx, req.Caller, apperr.Anchor{
		Patient:        req.Patient,
		ContentPointer: pointer,
		IntegrityHash:  integrity,
		RecordType:     checksum.RecordType(label),
		RecordLabel:    label,
		WrappedKey:     wrapped,
	})
}

// Anchor submits addRecord for a blob that is already in the content store,
// typically the Pending anchor of a failed Upload. Resubmitting after an
// ambiguous failure can create a second record with the same pointer.
func (s *Service) Anchor(ctx context.Context, caller models.Identity, a apperr.Anchor) (res UploadResult, err error) {
	defer func(start time.Time) { s.metrics.ObserveOp("anchor", start, err) }(time.Now())

	if err := requireIdentity("caller", caller); err != nil {
		return UploadResult{}, err
	}
	if err := requireIdentity("patient", a.Patient); err != nil {
		return UploadResult{}, err
	}
	if a.ContentPointer == "" || len(a.WrappedKey) == 0 || a.IntegrityHash.IsZero() {
		return UploadResult{}, apperr.Invalid("anchor needs content pointer, integrity hash and wrapped key")
	}
	if a.RecordType.IsZero() {
		if a.RecordLabel == "" {
			return UploadResult{}, apperr.Invalid("anchor needs a record type")
		}
		a.RecordType = checksum.RecordType(a.RecordLabel)
	}
	return s.anchor(ctx, caller, a)
}

func (s *Service) anchor(ctx context.Context, caller models.Identity, a apperr.Anchor) (UploadResult, error) {
	submitCtx, err := s.submit(ctx, Mutation{Method: "addRecord", Caller: caller})
	if err != nil {
		return UploadResult{}, &apperr.LedgerWriteError{Pending: a, Err: err}
	}
	id, err := s.ledger.AddRecord(submitCtx, caller, ledger.AddRecordInput{
		Patient:        a.Patient,
		ContentPointer: a.ContentPointer,
		IntegrityHash:  a.IntegrityHash,
		RecordType:     a.RecordType,
		WrappedKey:     a.WrappedKey,
	})
	if err != nil {
		s.logger.Error("vault: addRecord failed",
			slog.String("content_pointer", a.ContentPointer),
			slog.String("error", err.Error()))
		return UploadResult{}, &apperr.LedgerWriteError{Pending: a, Err: err}
	}

	res := UploadResult{
		RecordID:       id,
		ContentPointer: a.ContentPointer,
		IntegrityHash:  a.IntegrityHash,
		RecordType:     a.RecordType,
	}
	s.logger.Info("vault: record anchored",
		slog.String("record_id", id.String()),
		slog.String("patient", a.Patient.Short()),
		slog.String("content_pointer", a.ContentPointer))

	if s.recorder != nil {
		if err := s.recorder.AppendUpload(submitCtx, cache.Upload{
			RecordID:       id,
			Patient:        a.Patient,
			Uploader:       caller,
			ContentPointer: a.ContentPointer,
			IntegrityHash:  a.IntegrityHash,
			RecordLabel:    a.RecordLabel,
			CreatedAt:      s.now(),
		}); err != nil {
			s.logger.Warn("vault: cache upload failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}
