package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/starford/bedrock/internal/noteservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

// notePath extracts the note path from the URL wildcard.
// Supports encoded slashes from OpenAPI clients (e.g. topics%2Fnote.md).
func notePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// withPath runs fn with the wildcard note path, rejecting an empty one.
func withPath(fn func(w http.ResponseWriter, r *http.Request, path string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := notePath(r)
		if path == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
			return
		}
		fn(w, r, path)
	}
}

// ListNotes handles GET /notes.
//
//	@Summary		List notes with optional pagination and tag filter
//	@Tags			notes
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			tag		query		string	false	"Filter by tag"
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	rows, total, err := h.svc.ListNotes(r.Context(), q.Get("tag"), limit, offset)
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: rows, Total: total})
}

// GetNote handles GET /notes/*.
//
//	@Summary		Get a note with its current text
//	@Tags			notes
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	models.Note
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request, path string) {
	note, err := h.svc.ReadNote(r.Context(), path)
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	models.Note
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !decode(w, r, &req) {
		return
	}
	note, err := h.svc.CreateNote(r.Context(), req.Path, []byte(req.Content))
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /notes/*.
//
//	@Summary		Replace a note's text with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			path		path		string				true	"Note path"
//	@Param			If-Match	header		string				false	"SHA-256 checksum of the text being replaced"
//	@Param			body		body		UpdateNoteRequest	true	"Updated content"
//	@Success		200			{object}	models.Note
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request, path string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	var req UpdateNoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	note, err := h.svc.UpdateNote(r.Context(), path, []byte(req.Content), r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /notes/*.
//
//	@Summary		Delete a note
//	@Tags			notes
//	@Param			path	path	string	true	"Note path"
//	@Success		204		"Note deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request, path string) {
	if err := h.svc.DeleteNote(r.Context(), path); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Metadata handles GET /metadata/*.
//
//	@Summary		Indexed metadata of a note
//	@Tags			metadata
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	noteservice.NoteMetadata
//	@Failure		404		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/metadata/{path} [get]
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request, path string) {
	meta, err := h.svc.Metadata(path)
	if err != nil {
		writeError(w, "metadata", err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// Backlinks handles GET /backlinks/*.
//
//	@Summary		Notes linking to a note
//	@Tags			metadata
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	noteservice.Links
//	@Security		BearerAuth
//	@Router			/backlinks/{path} [get]
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request, path string) {
	links, err := h.svc.Backlinks(path)
	if err != nil {
		writeError(w, "backlinks", err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// Outlinks handles GET /outlinks/*.
func (h *Handler) Outlinks(w http.ResponseWriter, r *http.Request, path string) {
	links, err := h.svc.Outlinks(path)
	if err != nil {
		writeError(w, "outlinks", err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// Unresolved handles GET /unresolved/*.
func (h *Handler) Unresolved(w http.ResponseWriter, r *http.Request, path string) {
	links, err := h.svc.Unresolved(path)
	if err != nil {
		writeError(w, "unresolved", err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// Rename handles POST /rename. A partial failure answers 207 with the
// per-file outcome.
//
//	@Summary		Rename a note and rewrite every link to it
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RenameRequest	true	"Old and new path"
//	@Success		200		{object}	RenameResponse
//	@Success		207		{object}	RenameResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rename [post]
func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Rename(r.Context(), req.Old, req.New)
	switch {
	case res != nil && err != nil:
		writeJSON(w, http.StatusMultiStatus, res)
	case err != nil:
		writeError(w, "rename", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// Search handles GET /search.
//
//	@Summary		Full-text search across saved notes
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	map[string][]index.SearchResult
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

// Graph handles GET /graph.
//
//	@Summary		The resolved link graph
//	@Tags			graph
//	@Produce		json
//	@Success		200	{object}	noteservice.GraphView
//	@Security		BearerAuth
//	@Router			/graph [get]
func (h *Handler) Graph(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GraphView(r.Context())
	if err != nil {
		writeError(w, "graph", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Tags handles GET /tags. With ?tag= it lists the notes carrying that tag.
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	if tag := r.URL.Query().Get("tag"); tag != "" {
		writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "notes": h.svc.Tagged(tag)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": h.svc.Tags()})
}

// Check handles GET /check.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Check(r.Context())
	if err != nil && report == nil {
		writeError(w, "check", err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}
