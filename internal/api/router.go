package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/bedrock/internal/noteservice"
	"github.com/starford/bedrock/internal/storage"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// Attachments are stored through store under the attachments directory.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, sseHandler http.Handler, store storage.Provider) chi.Router {
	h := NewHandler(svc)
	ah := NewAttachmentHandler(store)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes CRUD.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/*", withPath(h.GetNote))
	r.Put("/notes/*", withPath(h.UpdateNote))
	r.Delete("/notes/*", withPath(h.DeleteNote))
	r.Post("/rename", h.Rename)

	// Metadata queries.
	r.Get("/metadata/*", withPath(h.Metadata))
	r.Get("/backlinks/*", withPath(h.Backlinks))
	r.Get("/outlinks/*", withPath(h.Outlinks))
	r.Get("/unresolved/*", withPath(h.Unresolved))
	r.Get("/tags", h.Tags)
	r.Get("/check", h.Check)

	// Open documents.
	r.Route("/documents", func(r chi.Router) {
		r.Get("/", h.ListDocuments)
		r.Get("/commands", h.Commands)
		r.Post("/open", h.OpenDocument)
		r.Post("/apply", h.Apply)
		r.Post("/exec", h.Exec)
		r.Post("/select", h.Select)
		r.Post("/map", h.MapPosition)
		r.Post("/save", h.SaveDocument)
		r.Post("/close", h.CloseDocument)
		r.Get("/*", withPath(h.GetDocument))
	})

	// Search.
	r.Get("/search", h.Search)

	// Graph.
	r.Get("/graph", h.Graph)

	// Attachments.
	r.Get("/attachments/{filename}", ah.ServeFile)
	r.Post("/attachments", ah.Upload)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
