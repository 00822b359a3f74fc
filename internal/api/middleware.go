// Package api implements the Health Vault REST API using chi.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/models"
)

// WalletHeader carries the identity of the connected wallet account.
const WalletHeader = "X-Wallet-Address"

type ctxKey struct{}

// AuthMiddleware returns middleware that validates a Bearer token.
// If enabled is false, all requests pass through (disabled mode).
// If enabled is true, requests must carry a valid "Authorization: Bearer <token>" header.
func AuthMiddleware(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WalletMiddleware rejects a malformed wallet header and stores a valid one
// in the request context. Requests without the header pass through; handlers
// that act on behalf of a caller require it via callerFrom. The header is
// not signed, so it names the caller without proving it.
func WalletMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(WalletHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id := models.Identity(raw)
		if !id.Valid() {
			writeError(w, r, "wallet", apperr.Invalid("%s header is not an address", WalletHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func callerFrom(r *http.Request) (models.Identity, error) {
	id, ok := r.Context().Value(ctxKey{}).(models.Identity)
	if !ok {
		return "", apperr.Invalid("%s header is required", WalletHeader)
	}
	return id, nil
}
