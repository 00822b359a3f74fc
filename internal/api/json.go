package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/healthvault/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error   string         `json:"error" validate:"required"`
	Party   apperr.Party   `json:"party,omitempty" example:"caller"`
	Hint    string         `json:"hint,omitempty"`
	Pending *apperr.Anchor `json:"pending,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg, Party: apperr.PartyCaller}
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, apperr.ErrLedgerWriteFailed):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotAuthorized),
		errors.Is(err, apperr.ErrAccessDenied),
		errors.Is(err, apperr.ErrRiskBlocked):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrAuthenticationFailure),
		errors.Is(err, apperr.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrContractNotDeployed):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrStorageUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {error, party, hint}. A failed anchor also
// carries the pending pointer so the client can retry without re-uploading.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusOf(err)
	body := errResponse{
		Error: err.Error(),
		Party: apperr.PartyOf(err),
		Hint:  apperr.Hint(err),
	}
	var lw *apperr.LedgerWriteError
	if errors.As(err, &lw) {
		pending := lw.Pending
		body.Pending = &pending
	}
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed",
			slog.String("request_path", r.URL.Path),
			slog.String("party", string(body.Party)),
			slog.String("error", err.Error()))
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
