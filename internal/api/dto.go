package api

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/bedrock/internal/index"
	"github.com/starford/bedrock/internal/noteservice"
	"github.com/starford/bedrock/internal/rename"
	"github.com/starford/bedrock/internal/transaction"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	Path    string `json:"path" example:"notes/hello.md"`
	Content string `json:"content" example:"# Hello\nWorld"`
}

func (r CreateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required, validation.By(markdownPath)),
		validation.Field(&r.Content, validation.Required),
	)
}

// UpdateNoteRequest is the request body for replacing a note's text.
type UpdateNoteRequest struct {
	Content string `json:"content" example:"# Updated\nContent"`
}

func (r UpdateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.Required),
	)
}

// PathRequest names one open or openable document.
type PathRequest struct {
	Path string `json:"path" example:"notes/hello.md"`
}

func (r PathRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
	)
}

// ApplyRequest carries a transaction against version of an open document.
type ApplyRequest struct {
	Path      string                 `json:"path"`
	Version   uint64                 `json:"version"`
	Changes   []transaction.Change   `json:"changes"`
	Selection *transaction.Selection `json:"selection,omitempty"`
	Label     string                 `json:"label,omitempty"`
}

func (r ApplyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.Version, validation.Required),
	)
}

func (r ApplyRequest) tx() transaction.Transaction {
	tx := transaction.New(r.Version, r.Changes...)
	tx.SelectionAfter = r.Selection
	tx.Origin = transaction.OriginPlugin
	tx.Label = r.Label
	return tx
}

// ExecRequest runs a named editing command.
type ExecRequest struct {
	Path      string                 `json:"path"`
	Command   string                 `json:"command" example:"bold"`
	Selection *transaction.Selection `json:"selection,omitempty"`
}

func (r ExecRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.Command, validation.Required),
	)
}

// SelectRequest moves the tracked selection.
type SelectRequest struct {
	Path      string                `json:"path"`
	Selection transaction.Selection `json:"selection"`
}

func (r SelectRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
	)
}

// MapRequest carries an offset seen at Version to the current version.
type MapRequest struct {
	Path    string `json:"path"`
	Version uint64 `json:"version"`
	Offset  int    `json:"offset"`
	Bias    string `json:"bias" example:"left"`
}

func (r MapRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.Version, validation.Required),
		validation.Field(&r.Offset, validation.Min(0)),
		validation.Field(&r.Bias, validation.In("", "left", "right")),
	)
}

func (r MapRequest) bias() transaction.Bias {
	if r.Bias == "right" {
		return transaction.BiasRight
	}
	return transaction.BiasLeft
}

// ExecResponse reports the document after a command and whether it applied.
type ExecResponse struct {
	Document *noteservice.Document `json:"document"`
	Applied  bool                  `json:"applied"`
}

// RenameRequest moves a note and rewrites links to it.
type RenameRequest struct {
	Old string `json:"old" example:"notes/a.md"`
	New string `json:"new" example:"archive/a.md"`
}

func (r RenameRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Old, validation.Required),
		validation.Field(&r.New, validation.Required, validation.By(markdownPath)),
	)
}

// RenameResponse is the per-file outcome of a rename.
type RenameResponse = rename.Result

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []index.NoteRow `json:"notes"`
	Total int             `json:"total" example:"42"`
}

// AttachmentUploadResponse is returned after a successful attachment upload.
type AttachmentUploadResponse struct {
	Filename string `json:"filename" example:"image.png"`
	Size     int64  `json:"size" example:"12345"`
	URL      string `json:"url" example:"/attachments/image.png"`
}

func markdownPath(v any) error {
	s, _ := v.(string)
	if s != "" && !strings.HasSuffix(s, ".md") {
		return validation.NewError("validation_md", "must end in .md")
	}
	return nil
}
