package noteservice

import (
	"fmt"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/transaction"
	"github.com/starford/bedrock/internal/workspace"
)

// Document is the editing view of an open note.
type Document struct {
	Path      string                `json:"path"`
	Version   uint64                `json:"version"`
	Text      string                `json:"text"`
	Selection transaction.Selection `json:"selection"`
	Dirty     bool                  `json:"dirty"`
}

// NoteMetadata is the indexed record of a note. Stale is set when an open
// document has moved past the indexed version; a re-index is already queued.
type NoteMetadata struct {
	Note  *metadata.Note `json:"note"`
	Stale bool           `json:"stale"`
}

// Links answers a backlink, outlink or unresolved-link query.
type Links struct {
	Path  string   `json:"path"`
	Links []string `json:"links"`
	Stale bool     `json:"stale"`
}

func (s *Service) view(id string, st *document.State) *Document {
	sel, _ := s.ws.Selection(id)
	return &Document{
		Path:      id,
		Version:   st.Version(),
		Text:      st.Text(),
		Selection: sel,
		Dirty:     s.ws.Dirty(id),
	}
}

// OpenDocument loads id for editing, or returns it if already open.
func (s *Service) OpenDocument(id string) (*Document, error) {
	if err := validatePath(id); err != nil {
		return nil, err
	}
	st, err := s.ws.Open(id)
	if err != nil {
		return nil, err
	}
	return s.view(id, st), nil
}

// Document returns the current state of an open document.
func (s *Service) Document(id string) (*Document, error) {
	st, ok := s.ws.State(id)
	if !ok {
		return nil, fmt.Errorf("noteservice: %s not open: %w", id, apperr.ErrNotFound)
	}
	return s.view(id, st), nil
}

// Documents lists the open documents.
func (s *Service) Documents() []string { return s.ws.Documents() }

// Apply runs tx against an open document. A transaction built against an
// older version fails with apperr.ErrStaleVersion and changes nothing.
func (s *Service) Apply(id string, tx transaction.Transaction) (*Document, error) {
	st, err := s.ws.Apply(id, tx)
	if err != nil {
		return nil, err
	}
	return s.view(id, st), nil
}

// Exec runs the named editing command at sel, or at the tracked selection
// when sel is nil. applied is false when the command had nothing to do.
func (s *Service) Exec(id, name string, sel *transaction.Selection) (doc *Document, applied bool, err error) {
	cmd, ok := workspace.Lookup(name)
	if !ok {
		return nil, false, fmt.Errorf("noteservice: command %q: %w", name, apperr.ErrNotFound)
	}
	if sel != nil {
		if err := s.ws.Select(id, *sel); err != nil {
			return nil, false, err
		}
	}
	st, applied, err := s.ws.Exec(id, cmd)
	if err != nil {
		return nil, false, err
	}
	return s.view(id, st), applied, nil
}

// Select moves the tracked selection of an open document.
func (s *Service) Select(id string, sel transaction.Selection) (*Document, error) {
	if err := s.ws.Select(id, sel); err != nil {
		return nil, err
	}
	return s.Document(id)
}

// MapPosition carries an offset seen at version from to the current version.
func (s *Service) MapPosition(id string, from uint64, offset int, bias transaction.Bias) (transaction.MappedOffset, error) {
	return s.ws.MapPosition(id, from, offset, bias)
}

// SaveDocument writes an open document to the vault.
func (s *Service) SaveDocument(id string) (*Document, error) {
	st, err := s.ws.Save(id)
	if err != nil {
		return nil, err
	}
	return s.view(id, st), nil
}

// CloseDocument discards an open document. Unsaved changes are lost and the
// note is re-indexed from disk.
func (s *Service) CloseDocument(id string) error {
	return s.ws.Close(id)
}

// freshness reports whether the indexed record of id lags behind its open
// document, and queues a refresh when it does.
func (s *Service) freshness(id string) (note *metadata.Note, stale bool, err error) {
	note, indexed := s.graph.Note(id)
	st, open := s.ws.State(id)
	switch {
	case !open && !indexed:
		return nil, false, fmt.Errorf("noteservice: %s: %w", id, apperr.ErrNotFound)
	case !open:
		return note, false, nil
	case !indexed:
		s.ix.Refresh(id, st)
		return nil, true, fmt.Errorf("noteservice: %s not indexed yet: %w", id, apperr.ErrIndexStale)
	case note.Version != st.Version():
		s.ix.Refresh(id, st)
		return note, true, nil
	}
	return note, false, nil
}

// anyStale reports whether some open document is ahead of its index.
func (s *Service) anyStale() bool {
	stale := false
	for _, id := range s.ws.Documents() {
		if _, st, _ := s.freshness(id); st {
			stale = true
		}
	}
	return stale
}

// Metadata returns the indexed record of id.
func (s *Service) Metadata(id string) (*NoteMetadata, error) {
	note, stale, err := s.freshness(id)
	if err != nil {
		return nil, err
	}
	return &NoteMetadata{Note: note, Stale: stale}, nil
}

// Backlinks returns the notes that link to id. Links come from every note,
// so the answer is stale while any open document is.
func (s *Service) Backlinks(id string) (*Links, error) {
	if _, _, err := s.freshness(id); err != nil {
		return nil, err
	}
	return &Links{Path: id, Links: orEmpty(s.graph.Backlinks(id)), Stale: s.anyStale()}, nil
}

// Outlinks returns the notes id links to.
func (s *Service) Outlinks(id string) (*Links, error) {
	_, stale, err := s.freshness(id)
	if err != nil {
		return nil, err
	}
	return &Links{Path: id, Links: orEmpty(s.graph.Outlinks(id)), Stale: stale}, nil
}

// Unresolved returns the link targets in id that match no note.
func (s *Service) Unresolved(id string) (*Links, error) {
	_, stale, err := s.freshness(id)
	if err != nil {
		return nil, err
	}
	return &Links{Path: id, Links: orEmpty(s.graph.Unresolved(id)), Stale: stale}, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
