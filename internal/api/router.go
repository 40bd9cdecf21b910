package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(deps Deps, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(deps)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/identity", h.Identity)

	r.Route("/directories", func(r chi.Router) {
		r.Get("/", h.ListDirectories)
		r.Post("/", h.CreateDirectory)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.GetDirectory)
			r.Delete("/", h.DeleteDirectory)
			r.Post("/sync", h.SyncDirectory)

			r.Get("/chunks", h.ListChunks)
			r.Post("/chunks", h.AddChunk)
			r.Get("/chunks/*", h.GetChunk)
			r.Put("/chunks/*", h.UpdateChunk)
			r.Delete("/chunks/*", h.RemoveChunk)
		})
	})

	r.Post("/see", h.See)

	r.Get("/devices", h.ListDevices)
	r.Post("/devices", h.PairDevice)
	r.Delete("/devices/{nid}", h.UnpairDevice)
	r.Put("/devices/{nid}/directories/{name}", h.GrantAccess)
	r.Delete("/devices/{nid}/directories/{name}", h.RevokeAccess)

	r.Post("/pairing", h.InitiatePairing)
	r.Post("/pairing/complete", h.CompletePairing)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
