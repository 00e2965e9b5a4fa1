package noteservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/checksum"
	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/graph"
	"github.com/starford/bedrock/internal/index"
	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/models"
	"github.com/starford/bedrock/internal/parser"
)

// GraphNode is a note in the graph view.
type GraphNode struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// GraphView is the whole resolved link graph.
type GraphView struct {
	Nodes []GraphNode  `json:"nodes"`
	Links []graph.Edge `json:"links"`
}

// Report is the outcome of a consistency check.
type Report struct {
	Graph       graph.Stats `json:"graph"`
	CachedNotes int         `json:"cached_notes"`
	CachedLinks int         `json:"cached_links"`
	Open        []string    `json:"open"`
	Error       string      `json:"error,omitempty"`
}

// ReadNote returns the current text of path with its indexed metadata. An
// open document is read from the workspace, so unsaved edits are included.
func (s *Service) ReadNote(ctx context.Context, path string) (*models.Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := &models.Note{Path: path, Tags: []string{}}
	var text string
	if st, open := s.ws.State(path); open {
		text = st.Text()
		n.Version = st.Version()
		n.Open = true
		n.Dirty = s.ws.Dirty(path)
	} else {
		data, err := s.store.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("noteservice: read %s: %w", path, apperr.ErrNotFound)
			}
			return nil, err
		}
		text = string(data)
	}
	n.Content = text
	n.Checksum = checksum.String(text)

	tree := parser.Parse(text)
	meta := metadata.Index(path, tree, n.Version)
	n.Body = tree.Body()
	n.Frontmatter = meta.Frontmatter
	n.Title = meta.Title
	n.Tags = orEmpty(meta.Tags)
	if indexed, ok := s.graph.Note(path); ok && !n.Open {
		n.Version = indexed.Version
	}
	return n, nil
}

// CreateNote writes a new note. It fails with apperr.ErrAlreadyExists when
// path is taken.
func (s *Service) CreateNote(ctx context.Context, path string, content []byte) (*models.Note, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if _, err := s.store.Read(path); err == nil || s.graph.Has(path) {
		return nil, fmt.Errorf("noteservice: create %s: %w", path, apperr.ErrAlreadyExists)
	}
	if err := s.store.Write(path, content); err != nil {
		return nil, err
	}
	s.ix.Reset(path, document.New(string(content)))
	return s.ReadNote(ctx, path)
}

// UpdateNote replaces the text of path. When ifMatch is set it must equal the
// checksum of the current text or the update fails with apperr.ErrConflict.
// An open document takes the new text as one edit and is saved.
func (s *Service) UpdateNote(ctx context.Context, path string, content []byte, ifMatch string) (*models.Note, error) {
	if _, open := s.ws.State(path); open {
		if err := s.updateOpen(path, string(content), ifMatch); err != nil {
			return nil, err
		}
		return s.ReadNote(ctx, path)
	}

	existing, err := s.store.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("noteservice: update %s: %w", path, apperr.ErrNotFound)
		}
		return nil, err
	}
	if !checksum.Matches(ifMatch, checksum.Sum(existing)) {
		return nil, fmt.Errorf("noteservice: update %s: %w", path, apperr.ErrConflict)
	}
	if err := s.store.Write(path, content); err != nil {
		return nil, err
	}
	s.ix.Reset(path, document.New(string(content)))
	return s.ReadNote(ctx, path)
}

func (s *Service) updateOpen(path, text, ifMatch string) error {
	st, ok := s.ws.State(path)
	if !ok {
		return fmt.Errorf("noteservice: update %s: %w", path, apperr.ErrNotFound)
	}
	if !checksum.Matches(ifMatch, checksum.String(st.Text())) {
		return fmt.Errorf("noteservice: update %s: %w", path, apperr.ErrConflict)
	}
	sel, err := s.ws.Selection(path)
	if err != nil {
		return err
	}
	if _, err := s.ws.ReplaceText(path, text, sel); err != nil {
		return err
	}
	_, err = s.ws.Save(path)
	return err
}

// DeleteNote removes path from the vault. An open document is closed.
func (s *Service) DeleteNote(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.Delete(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("noteservice: delete %s: %w", path, apperr.ErrNotFound)
		}
		return err
	}
	if err := s.ws.Close(path); err == nil {
		// closing re-reads the note from disk and removes it from there
		return nil
	}
	s.ix.Remove(path)
	return nil
}

// ListNotes pages through the cached notes ordered by path.
func (s *Service) ListNotes(ctx context.Context, tag string, limit, offset int) ([]index.NoteRow, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	rows, total, err := s.cache.ListNotes(tag, limit, offset)
	if rows == nil {
		rows = []index.NoteRow{}
	}
	return rows, total, err
}

// Search runs a full-text query over saved note bodies.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]index.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.cache.Search(query, limit)
}

// GraphView returns every note with its title and every resolved edge.
func (s *Service) GraphView(ctx context.Context) (*GraphView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := s.graph.Notes()
	v := &GraphView{Nodes: make([]GraphNode, 0, len(ids)), Links: s.graph.Edges()}
	for _, id := range ids {
		node := GraphNode{ID: id}
		if n, ok := s.graph.Note(id); ok {
			node.Title = n.Title
		}
		v.Nodes = append(v.Nodes, node)
	}
	if v.Links == nil {
		v.Links = []graph.Edge{}
	}
	return v, nil
}

// Tags returns each tag with the number of notes carrying it.
func (s *Service) Tags() map[string]int { return s.graph.Tags() }

// Tagged returns the notes carrying tag or one of its nested tags.
func (s *Service) Tagged(tag string) []string { return orEmpty(s.graph.Tagged(tag)) }

// Check verifies that the backlink index is the transpose of the resolved
// edges and reports graph and cache sizes.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	if err := s.ix.Wait(ctx); err != nil {
		return nil, err
	}
	r := &Report{Graph: s.graph.Stats(), Open: s.ws.Documents()}
	notes, links, err := s.cache.Counts()
	if err != nil {
		return nil, err
	}
	r.CachedNotes, r.CachedLinks = notes, links
	if err := s.graph.Verify(); err != nil {
		r.Error = err.Error()
		return r, err
	}
	return r, nil
}
