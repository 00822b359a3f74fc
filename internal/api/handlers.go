package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/audit"
	"github.com/starford/healthvault/internal/cache"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/vault"
	"github.com/starford/healthvault/internal/wallet"
)

const maxBodyBytes = 10 << 20

// AuditLog is the read side of the audit aggregator.
type AuditLog interface {
	Log() []models.AuditEvent
	Status() audit.Status
}

// Handler holds API route handlers.
type Handler struct {
	vault  *vault.Service
	audit  AuditLog
	cache  cache.Store
	wallet wallet.Provider
}

// NewHandler creates a new Handler.
func NewHandler(v *vault.Service, log AuditLog, c cache.Store, w wallet.Provider) *Handler {
	return &Handler{vault: v, audit: log, cache: c, wallet: w}
}

func recordID(r *http.Request) (models.RecordID, error) {
	id, err := models.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", apperr.ErrInvalidInput, err)
	}
	return id, nil
}

func identityParam(r *http.Request, name string) (models.Identity, error) {
	id := models.Identity(strings.TrimSpace(chi.URLParam(r, name)))
	if !id.Valid() {
		return "", apperr.Invalid("%s is not an address", name)
	}
	return id, nil
}

// decode reads a JSON body into v and runs its validation rules.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("invalid JSON body")
	}
	if vv, ok := v.(interface{ Validate() error }); ok {
		if err := vv.Validate(); err != nil {
			return fmt.Errorf("%w: %w", apperr.ErrInvalidInput, err)
		}
	}
	return nil
}

// UploadRecord handles POST /api/records.
//
//	@Summary		Encrypt, store and anchor a health record
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			X-Wallet-Address	header		string				true	"Uploader wallet"
//	@Param			body				body		UploadRecordRequest	true	"Record to upload"
//	@Success		201					{object}	UploadResponse
//	@Failure		400					{object}	errResponse
//	@Failure		502					{object}	errResponse	"Ledger write failed; body carries the pending anchor"
//	@Router			/records [post]
func (h *Handler) UploadRecord(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, "upload", err)
		return
	}
	var req UploadRecordRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, "upload", err)
		return
	}
	res, err := h.vault.Upload(r.Context(), vault.UploadRequest{
		Caller:           caller,
		Patient:          req.Patient,
		PatientPublicKey: req.PatientPublicKey,
		RecordLabel:      req.RecordLabel,
		Payload:          req.Payload,
	})
	if err != nil {
		writeError(w, r, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// AnchorRecord handles POST /api/records/anchor.
//
//	@Summary		Retry ledger anchoring of an already stored blob
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			body	body		apperr.Anchor	true	"Pending anchor from a failed upload"
//	@Success		201		{object}	UploadResponse
//	@Failure		502		{object}	errResponse
//	@Router			/records/anchor [post]
func (h *Handler) AnchorRecord(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, "anchor", err)
		return
	}
	var req apperr.Anchor
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, "anchor", err)
		return
	}
	res, err := h.vault.Anchor(r.Context(), caller, req)
	if err != nil {
		writeError(w, r, "anchor", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetRecord handles GET /api/records/{id}.
//
//	@Summary		Get on-ledger record metadata
//	@Tags			records
//	@Produce		json
//	@Param			id	path		int	true	"Record id"
//	@Success		200	{object}	models.RecordMeta
//	@Failure		404	{object}	errResponse
//	@Router			/records/{id} [get]
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		writeError(w, r, "get record", err)
		return
	}
	meta, err := h.vault.Meta(r.Context(), id)
	if err != nil {
		writeError(w, r, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// ViewRecord handles GET /api/records/{id}/content.
//
//	@Summary		Decrypt a record for the calling wallet
//	@Tags			records
//	@Produce		json
//	@Param			X-Wallet-Address	header		string	true	"Viewer wallet"
//	@Param			id					path		int		true	"Record id"
//	@Success		200					{object}	ViewResponse
//	@Failure		403					{object}	errResponse
//	@Failure		422					{object}	errResponse
//	@Router			/records/{id}/content [get]
func (h *Handler) ViewRecord(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, "view", err)
		return
	}
	id, err := recordID(r)
	if err != nil {
		writeError(w, r, "view", err)
		return
	}
	res, err := h.vault.View(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, "view", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, res)
}

// GrantAccess handles POST /api/records/{id}/grants.
//
//	@Summary		Grant a viewer access to a record
//	@Tags			consent
//	@Accept			json
//	@Produce		json
//	@Param			X-Wallet-Address	header		string			true	"Patient wallet"
//	@Param			id					path		int				true	"Record id"
//	@Param			body				body		GrantRequest	true	"Grant"
//	@Success		201					{object}	GrantResponse
//	@Failure		403					{object}	errResponse
//	@Router			/records/{id}/grants [post]
func (h *Handler) GrantAccess(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, "grant", err)
		return
	}
	id, err := recordID(r)
	if err != nil {
		writeError(w, r, "grant", err)
		return
	}
	var req GrantRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, "grant", err)
		return
	}
	err = h.vault.Grant(r.Context(), vault.GrantRequest{
		Caller:          caller,
		RecordID:        id,
		Viewer:          req.Viewer,
		ViewerPublicKey: req.ViewerPublicKey,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, "grant", err)
		return
	}
	writeJSON(w, http.StatusCreated, GrantResponse{RecordID: id, Viewer: req.Viewer.Normalize(), ExpiresAt: req.ExpiresAt})
}

// RevokeAccess handles DELETE /api/records/{id}/grants/{viewer}.
//
//	@Summary		Revoke a viewer's access
//	@Tags			consent
//	@Param			X-Wallet-Address	header	string	true	"Patient wallet"
//	@Param			id					path	int		true	"Record id"
//	@Param			viewer				path	string	true	"Viewer wallet"
//	@Success		204					"Access revoked"
//	@Failure		403					{object}	errResponse
//	@Router			/records/{id}/grants/{viewer} [delete]
func (h *Handler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, "revoke", err)
		return
	}
	id, err := recordID(r)
	if err != nil {
		writeError(w, r, "revoke", err)
		return
	}
	viewer, err := identityParam(r, "viewer")
	if err != nil {
		writeError(w, r, "revoke", err)
		return
	}
	if err := h.vault.Revoke(r.Context(), caller, id, viewer); err != nil {
		writeError(w, r, "revoke", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CanView handles GET /api/records/{id}/access/{viewer}.
//
//	@Summary		Check whether a viewer currently has access
//	@Tags			consent
//	@Produce		json
//	@Param			id		path		int		true	"Record id"
//	@Param			viewer	path		string	true	"Viewer wallet"
//	@Success		200		{object}	AccessResponse
//	@Router			/records/{id}/access/{viewer} [get]
func (h *Handler) CanView(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		writeError(w, r, "can view", err)
		return
	}
	viewer, err := identityParam(r, "viewer")
	if err != nil {
		writeError(w, r, "can view", err)
		return
	}
	ok, err := h.vault.CanView(r.Context(), id, viewer)
	if err != nil {
		writeError(w, r, "can view", err)
		return
	}
	writeJSON(w, http.StatusOK, AccessResponse{RecordID: id, Viewer: viewer.Normalize(), CanView: ok})
}

// MyRecords handles GET /api/me/records.
//
//	@Summary		List record ids where the caller is patient or viewer
//	@Tags			records
//	@Produce		json
//	@Param			X-Wallet-Address	header		string	true	"Caller wallet"
//	@Success		200					{object}	RecordListsResponse
//	@Router			/me/records [get]
func (h *Handler) MyRecords(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, "my records", err)
		return
	}
	lists, err := h.vault.MyRecords(r.Context(), caller)
	if err != nil {
		writeError(w, r, "my records", err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

// Audit handles GET /api/audit.
//
//	@Summary		Recent consent audit entries, newest first
//	@Tags			audit
//	@Produce		json
//	@Success		200	{object}	AuditResponse
//	@Router			/audit [get]
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	entries := []models.AuditEvent{}
	var status audit.Status
	if h.audit != nil {
		entries = h.audit.Log()
		status = h.audit.Status()
	}
	writeJSON(w, http.StatusOK, AuditResponse{Entries: entries, Status: status})
}

// RecentUploads handles GET /api/cache/uploads.
//
//	@Summary		The caller's most recent uploads
//	@Tags			cache
//	@Produce		json
//	@Param			X-Wallet-Address	header		string	true	"Caller wallet"
//	@Success		200					{object}	UploadsResponse
//	@Router			/cache/uploads [get]
func (h *Handler) RecentUploads(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, "recent uploads", err)
		return
	}
	uploads, err := h.cache.RecentUploads(r.Context(), caller)
	if err != nil {
		writeError(w, r, "recent uploads", err)
		return
	}
	if uploads == nil {
		uploads = []cache.Upload{}
	}
	writeJSON(w, http.StatusOK, UploadsResponse{Uploads: uploads})
}

// RecentViews handles GET /api/cache/views.
//
//	@Summary		Records the caller viewed most recently
//	@Tags			cache
//	@Produce		json
//	@Param			X-Wallet-Address	header		string	true	"Caller wallet"
//	@Success		200					{object}	ViewsResponse
//	@Router			/cache/views [get]
func (h *Handler) RecentViews(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, "recent views", err)
		return
	}
	views, err := h.cache.RecentViews(r.Context(), caller)
	if err != nil {
		writeError(w, r, "recent views", err)
		return
	}
	if views == nil {
		views = []cache.View{}
	}
	writeJSON(w, http.StatusOK, ViewsResponse{Views: views})
}

// PublicKey handles GET /api/wallet/{identity}/public-key.
//
//	@Summary		Export a wallet's encryption public key
//	@Tags			wallet
//	@Produce		json
//	@Param			identity	path		string	true	"Wallet address"
//	@Success		200			{object}	PublicKeyResponse
//	@Failure		404			{object}	errResponse
//	@Router			/wallet/{identity}/public-key [get]
func (h *Handler) PublicKey(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r, "identity")
	if err != nil {
		writeError(w, r, "public key", err)
		return
	}
	pub, err := h.wallet.PublicKey(r.Context(), id)
	if err != nil {
		if errors.Is(err, wallet.ErrUnknownIdentity) {
			err = fmt.Errorf("%w: %w", apperr.ErrNotFound, err)
		}
		writeError(w, r, "public key", err)
		return
	}
	writeJSON(w, http.StatusOK, PublicKeyResponse{Identity: id.Normalize(), PublicKey: pub})
}

// Ready reports 200 when every check passes.
func Ready(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(checks))
		status := http.StatusOK
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "unavailable"
		}
		writeJSON(w, status, map[string]any{"status": state, "checks": results})
	}
}
