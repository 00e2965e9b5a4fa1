// Package noteservice wires the editing core together: open documents, the
// background indexer, the link graph, the metadata cache and rename
// propagation. The REST, MCP and CLI surfaces all go through Service.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/checksum"
	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/graph"
	"github.com/starford/bedrock/internal/index"
	"github.com/starford/bedrock/internal/indexer"
	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/rename"
	"github.com/starford/bedrock/internal/storage"
	"github.com/starford/bedrock/internal/workspace"
)

// Note event kinds passed to the Notifier.
const (
	EventIndexed = "indexed"
	EventDeleted = "deleted"
	EventRenamed = "renamed"
)

// Notifier receives note lifecycle events. *sse.Broker implements it.
type Notifier interface {
	PublishNoteEvent(kind, path, oldPath string)
}

// Option configures a Service.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	notifier Notifier
	workers  int
	debounce time.Duration
	tieBreak graph.TieBreak
	history  int
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNotifier publishes note events, typically to the SSE broker.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithWorkers bounds concurrent background parses.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithDebounce sets the delay before a background re-index starts.
func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

// WithTieBreak sets how ambiguous basename links resolve.
func WithTieBreak(tb graph.TieBreak) Option {
	return func(o *options) { o.tieBreak = tb }
}

// WithHistory sets how many transactions per open document are kept for
// MapPosition.
func WithHistory(n int) Option {
	return func(o *options) { o.history = n }
}

// Service is safe for concurrent use. Start the background indexer with Run.
type Service struct {
	store    storage.Provider
	cache    index.Cache
	graph    *graph.Graph
	ws       *workspace.Workspace
	ix       *indexer.Indexer
	renamer  *rename.Propagator
	logger   *slog.Logger
	notifier Notifier

	// serializes renames from the API with renames seen on disk
	renameMu sync.Mutex
}

// New creates a Service over store and the metadata cache.
func New(store storage.Provider, cache index.Cache, opts ...Option) *Service {
	o := options{
		logger:   slog.Default(),
		workers:  indexer.DefaultWorkers,
		debounce: indexer.DefaultDebounce,
		tieBreak: graph.TieShortestPath,
		history:  workspace.DefaultHistory,
	}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{store: store, cache: cache, logger: o.logger, notifier: o.notifier}
	s.graph = graph.New(graph.WithTieBreak(o.tieBreak), graph.WithLogger(o.logger))
	s.ws = workspace.New(store,
		workspace.WithLogger(o.logger),
		workspace.WithHistory(o.history),
		workspace.WithListener(s.onDocument),
	)
	s.ix = indexer.New(s.graph,
		indexer.WithWorkers(o.workers),
		indexer.WithDebounce(o.debounce),
		indexer.WithLogger(o.logger),
		indexer.WithOnIndexed(s.onIndexed),
		indexer.WithOnRemoved(s.onRemoved),
	)
	s.renamer = rename.New(s.graph, store,
		rename.WithLogger(o.logger),
		rename.WithWorkspace(s.ws),
	)
	return s
}

// Load replaces the graph with notes, usually the output of index.Sync.
func (s *Service) Load(notes []*metadata.Note) {
	s.graph.RebuildAll(notes)
	st := s.graph.Stats()
	s.logger.Info("vault loaded",
		slog.Int("notes", st.Notes),
		slog.Int("edges", st.Edges),
		slog.Int("unresolved", st.Unresolved),
	)
}

// Run drives the background indexer until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.ix.Run(ctx)
}

// Wait blocks until queued re-indexing has finished.
func (s *Service) Wait(ctx context.Context) error {
	return s.ix.Wait(ctx)
}

// Graph exposes the link graph for read-only queries.
func (s *Service) Graph() *graph.Graph { return s.graph }

// onDocument forwards workspace events to the indexer. It runs with the
// document lock held and must not block.
func (s *Service) onDocument(e workspace.Event) {
	switch e.Kind {
	case workspace.Opened:
		// a full parse gives later keystrokes a tree to reparse from
		s.ix.Reset(e.ID, e.State)
	case workspace.Changed:
		s.ix.Update(e.ID, e.State, *e.Tx)
	case workspace.Renamed:
		s.ix.Rename(e.OldID, e.ID)
	case workspace.Closed:
		go s.reloadFromDisk(e.ID)
	}
}

// reloadFromDisk re-indexes id from storage after an open document was
// closed, in case unsaved edits were discarded.
func (s *Service) reloadFromDisk(id string) {
	if _, open := s.ws.State(id); open {
		return
	}
	data, err := s.store.Read(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.ix.Remove(id)
		}
		return
	}
	if n, ok := s.graph.Note(id); ok && n.Checksum == checksum.Sum(data) {
		return
	}
	s.ix.Reset(id, document.New(string(data)))
}

func (s *Service) onIndexed(r indexer.Result) {
	if err := s.cache.UpsertNote(r.Note, r.Tree.Body(), time.Now()); err != nil {
		s.logger.Warn("cache note failed", slog.String("path", r.Note.ID), slog.String("error", err.Error()))
	}
	s.notify(EventIndexed, r.Note.ID, "")
}

func (s *Service) onRemoved(id string, _ graph.Delta) {
	if err := s.cache.DeleteNote(id); err != nil {
		s.logger.Warn("uncache note failed", slog.String("path", id), slog.String("error", err.Error()))
	}
	s.notify(EventDeleted, id, "")
}

func (s *Service) notify(kind, path, oldPath string) {
	if s.notifier != nil {
		s.notifier.PublishNoteEvent(kind, path, oldPath)
	}
}

// HandleChange applies one entry of the vault change stream. Open documents
// are authoritative, so disk changes to them are ignored until they close.
func (s *Service) HandleChange(c index.Change) {
	switch c.Kind {
	case index.Created, index.Modified:
		if _, open := s.ws.State(c.Path); open {
			s.logger.Debug("disk change to open document ignored", slog.String("path", c.Path))
			return
		}
		s.ix.Reset(c.Path, document.New(string(c.Content)))

	case index.Deleted:
		if _, open := s.ws.State(c.Path); open {
			s.logger.Warn("open document deleted on disk", slog.String("path", c.Path))
			return
		}
		if s.graph.Has(c.Path) {
			s.ix.Remove(c.Path)
		}

	case index.Renamed:
		s.renameMu.Lock()
		defer s.renameMu.Unlock()
		if !s.graph.Has(c.OldPath) || s.graph.Has(c.Path) {
			// already applied by a propagated rename, or unknown source
			if !s.graph.Has(c.Path) {
				s.ix.Reset(c.Path, document.New(string(c.Content)))
			}
			return
		}
		if _, err := s.graph.Rename(c.OldPath, c.Path); err != nil {
			s.logger.Warn("rename on disk", slog.String("old", c.OldPath), slog.String("error", err.Error()))
			return
		}
		if err := s.ws.Rename(c.OldPath, c.Path); err != nil {
			s.ix.Rename(c.OldPath, c.Path)
		}
		if err := s.cache.RenameNote(c.OldPath, c.Path); err != nil {
			s.logger.Warn("cache rename failed", slog.String("old", c.OldPath), slog.String("error", err.Error()))
		}
		s.notify(EventRenamed, c.Path, c.OldPath)
	}
}

// Rename moves a note and rewrites every link to it. On a partial failure the
// result lists which referrers were and were not rewritten, and the error
// matches apperr.ErrRenamePartialFailure.
func (s *Service) Rename(ctx context.Context, oldID, newID string) (*rename.Result, error) {
	if err := validatePath(newID); err != nil {
		return nil, err
	}
	s.renameMu.Lock()
	defer s.renameMu.Unlock()

	res, err := s.renamer.Rename(ctx, oldID, newID)
	if res == nil {
		return nil, err
	}
	if _, moveFailed := res.Failed[oldID]; moveFailed || s.graph.Has(oldID) {
		return res, err
	}

	if _, open := s.ws.State(newID); !open {
		s.ix.Rename(oldID, newID)
	}
	if cerr := s.cache.RenameNote(oldID, newID); cerr != nil && !errors.Is(cerr, apperr.ErrNotFound) {
		s.logger.Warn("cache rename failed", slog.String("old", oldID), slog.String("error", cerr.Error()))
	}
	// referrers written to disk bypassed the indexer; bring the cache along
	for _, id := range res.Done {
		if _, open := s.ws.State(id); open {
			continue
		}
		if data, rerr := s.store.Read(id); rerr == nil {
			s.ix.Reset(id, document.New(string(data)))
		}
	}
	s.notify(EventRenamed, newID, oldID)
	return res, err
}

// validatePath rejects ids that cannot name a note.
func validatePath(id string) error {
	if id == "" || strings.HasPrefix(id, "/") || strings.HasSuffix(id, "/") {
		return fmt.Errorf("noteservice: invalid path %q: %w", id, apperr.ErrInvalidPath)
	}
	for _, part := range strings.Split(id, "/") {
		if part == "" || part == "." || part == ".." || storage.Hidden(part) {
			return fmt.Errorf("noteservice: invalid path %q: %w", id, apperr.ErrInvalidPath)
		}
	}
	if !strings.HasSuffix(id, ".md") {
		return fmt.Errorf("noteservice: %q is not a markdown note: %w", id, apperr.ErrInvalidPath)
	}
	return nil
}
