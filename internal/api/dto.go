package api

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/healthvault/internal/audit"
	"github.com/starford/healthvault/internal/cache"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/vault"
)

var identityRule = validation.Match(models.IdentityPattern()).Error("must be a 0x-prefixed 20-byte address")

// UploadRecordRequest is the request body for uploading a record.
type UploadRecordRequest struct {
	Patient          models.Identity `json:"patient" example:"0x70997970c51812dc3a010c7d01b50e0d17dc79c8" validate:"required"`
	PatientPublicKey string          `json:"patient_public_key,omitempty"`
	RecordLabel      string          `json:"record_label" example:"lab-result" validate:"required"`
	Payload          json.RawMessage `json:"payload" validate:"required"`
}

// Validate implements validation.Validatable.
func (r UploadRecordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Patient, validation.Required, identityRule),
		validation.Field(&r.RecordLabel, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Payload, validation.Required),
	)
}

// GrantRequest is the request body for granting a viewer access.
type GrantRequest struct {
	Viewer          models.Identity `json:"viewer" validate:"required"`
	ViewerPublicKey string          `json:"viewer_public_key,omitempty"`
	ExpiresAt       uint64          `json:"expires_at,omitempty" example:"1767225600"`
}

// Validate implements validation.Validatable.
func (r GrantRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Viewer, validation.Required, identityRule),
	)
}

// GrantResponse echoes a stored grant.
type GrantResponse struct {
	RecordID  models.RecordID `json:"record_id"`
	Viewer    models.Identity `json:"viewer"`
	ExpiresAt uint64          `json:"expires_at"`
}

// AccessResponse is the result of a canView query.
type AccessResponse struct {
	RecordID models.RecordID `json:"record_id"`
	Viewer   models.Identity `json:"viewer"`
	CanView  bool            `json:"can_view"`
}

// UploadResponse is returned after a record was anchored.
type UploadResponse = vault.UploadResult

// ViewResponse is the decrypted record with its metadata.
type ViewResponse = vault.ViewResult

// RecordListsResponse lists the caller's record ids by role.
type RecordListsResponse = vault.RecordLists

// AuditResponse wraps the audit log and the poller status.
type AuditResponse struct {
	Entries []models.AuditEvent `json:"entries" validate:"required"`
	Status  audit.Status        `json:"status"`
}

// UploadsResponse wraps the caller's recent uploads.
type UploadsResponse struct {
	Uploads []cache.Upload `json:"uploads" validate:"required"`
}

// ViewsResponse wraps the caller's recently viewed records.
type ViewsResponse struct {
	Views []cache.View `json:"views" validate:"required"`
}

// PublicKeyResponse carries a wallet's encryption public key.
type PublicKeyResponse struct {
	Identity  models.Identity `json:"identity"`
	PublicKey string          `json:"public_key" example:"mC1I0l4x0o1S3n2Wq3xN1b4ZK0n2m7PpJ0tX5sYh2Ck="`
}
