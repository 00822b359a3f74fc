package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// The bearer token is the only authentication: the caller identity comes
// from the unsigned X-Wallet-Address header, so with a server-side keystore
// every token holder can act as any identity that keystore holds.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))
	r.Use(WalletMiddleware)

	r.Route("/records", func(r chi.Router) {
		r.Post("/", h.UploadRecord)
		r.Post("/anchor", h.AnchorRecord)
		r.Get("/{id}", h.GetRecord)
		r.Get("/{id}/content", h.ViewRecord)
		r.Post("/{id}/grants", h.GrantAccess)
		r.Delete("/{id}/grants/{viewer}", h.RevokeAccess)
		r.Get("/{id}/access/{viewer}", h.CanView)
	})
	r.Get("/me/records", h.MyRecords)

	r.Get("/audit", h.Audit)
	r.Get("/cache/uploads", h.RecentUploads)
	r.Get("/cache/views", h.RecentViews)
	r.Get("/wallet/{identity}/public-key", h.PublicKey)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
