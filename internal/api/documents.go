package api

import (
	"net/http"

	"github.com/starford/bedrock/internal/workspace"
)

// ListDocuments handles GET /documents.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": h.svc.Documents()})
}

// GetDocument handles GET /documents/*.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request, path string) {
	doc, err := h.svc.Document(path)
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// OpenDocument handles POST /documents/open.
//
//	@Summary		Open a note for editing
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		PathRequest	true	"Note path"
//	@Success		200		{object}	noteservice.Document
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/open [post]
func (h *Handler) OpenDocument(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if !decode(w, r, &req) {
		return
	}
	doc, err := h.svc.OpenDocument(req.Path)
	if err != nil {
		writeError(w, "open document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Apply handles POST /documents/apply. A transaction built against an older
// version answers 409 and changes nothing.
//
//	@Summary		Apply a transaction to an open document
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ApplyRequest	true	"Transaction"
//	@Success		200		{object}	noteservice.Document
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/apply [post]
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !decode(w, r, &req) {
		return
	}
	doc, err := h.svc.Apply(req.Path, req.tx())
	if err != nil {
		writeError(w, "apply", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Exec handles POST /documents/exec.
//
//	@Summary		Run an editing command on an open document
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ExecRequest	true	"Command"
//	@Success		200		{object}	ExecResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/exec [post]
func (h *Handler) Exec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if !decode(w, r, &req) {
		return
	}
	doc, applied, err := h.svc.Exec(req.Path, req.Command, req.Selection)
	if err != nil {
		writeError(w, "exec", err)
		return
	}
	writeJSON(w, http.StatusOK, ExecResponse{Document: doc, Applied: applied})
}

// Commands handles GET /documents/commands.
func (h *Handler) Commands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": workspace.CommandNames()})
}

// Select handles POST /documents/select.
func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !decode(w, r, &req) {
		return
	}
	doc, err := h.svc.Select(req.Path, req.Selection)
	if err != nil {
		writeError(w, "select", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// MapPosition handles POST /documents/map.
//
//	@Summary		Carry an offset from an older version to the current one
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		MapRequest	true	"Offset and version"
//	@Success		200		{object}	transaction.MappedOffset
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/map [post]
func (h *Handler) MapPosition(w http.ResponseWriter, r *http.Request) {
	var req MapRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.MapPosition(req.Path, req.Version, req.Offset, req.bias())
	if err != nil {
		writeError(w, "map position", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SaveDocument handles POST /documents/save.
func (h *Handler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if !decode(w, r, &req) {
		return
	}
	doc, err := h.svc.SaveDocument(req.Path)
	if err != nil {
		writeError(w, "save document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// CloseDocument handles POST /documents/close. Unsaved changes are dropped.
func (h *Handler) CloseDocument(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.CloseDocument(req.Path); err != nil {
		writeError(w, "close document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
