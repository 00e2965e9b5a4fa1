// Package indexer re-parses and re-indexes notes in the background and merges
// the results into the link graph.
//
// Each note has at most one index job in flight. A newer version arriving
// while a job runs cancels it; the cancelled result is discarded and the
// next job starts from the last completed tree with the intervening
// transactions composed into one.
package indexer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/starford/bedrock/internal/checksum"
	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/graph"
	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/parser"
	"github.com/starford/bedrock/internal/transaction"
)

const (
	DefaultWorkers  = 4
	DefaultDebounce = 150 * time.Millisecond
)

// Result is the outcome of one completed index.
type Result struct {
	Note  *metadata.Note
	Tree  *parser.Tree
	Delta graph.Delta
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithWorkers bounds how many notes are parsed at once.
func WithWorkers(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.workers = n
		}
	}
}

// WithDebounce delays each job so a burst of keystrokes is indexed once.
func WithDebounce(d time.Duration) Option {
	return func(ix *Indexer) {
		if d >= 0 {
			ix.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = l }
}

// WithOnIndexed is called from the dispatcher after each result is merged.
func WithOnIndexed(fn func(Result)) Option {
	return func(ix *Indexer) { ix.onIndexed = fn }
}

// WithOnRemoved is called from the dispatcher after a note leaves the graph.
func WithOnRemoved(fn func(id string, d graph.Delta)) Option {
	return func(ix *Indexer) { ix.onRemoved = fn }
}

type reqKind int

const (
	reqUpdate reqKind = iota
	reqReset
	reqRemove
	reqRename
	reqRefresh
)

type request struct {
	kind  reqKind
	id    string
	newID string
	state *document.State
	tx    *transaction.Transaction
}

// entry is the dispatcher's view of one note.
type entry struct {
	id      string
	tree    *parser.Tree // last completed tree
	version uint64       // version of tree
	latest  *document.State
	pending *transaction.Transaction // composed changes from version to latest
	reset   bool                     // next job must parse from scratch
	removed bool

	gen     uint64
	running context.CancelFunc
}

type job struct {
	id    string
	gen   uint64
	base  *parser.Tree
	tx    *transaction.Transaction
	state *document.State
}

type result struct {
	e    *entry
	gen  uint64
	tree *parser.Tree
	note *metadata.Note
	err  error
}

// Indexer is safe for concurrent use. Start it with Run.
type Indexer struct {
	graph     *graph.Graph
	workers   int
	debounce  time.Duration
	logger    *slog.Logger
	onIndexed func(Result)
	onRemoved func(string, graph.Delta)

	mu     sync.Mutex
	inbox  []request
	wake   chan struct{}
	idle   chan struct{} // closed when nothing is queued or running
	busy   int
	closed bool
}

// New creates an Indexer feeding g.
func New(g *graph.Graph, opts ...Option) *Indexer {
	ix := &Indexer{
		graph:    g,
		workers:  DefaultWorkers,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
		idle:     make(chan struct{}),
	}
	close(ix.idle)
	for _, o := range opts {
		o(ix)
	}
	return ix
}

func (ix *Indexer) push(r request) {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.inbox = append(ix.inbox, r)
	ix.markBusy(1)
	ix.mu.Unlock()
	select {
	case ix.wake <- struct{}{}:
	default:
	}
}

// markBusy is called with mu held.
func (ix *Indexer) markBusy(n int) {
	if n == 0 {
		return
	}
	if ix.busy == 0 && n > 0 {
		ix.idle = make(chan struct{})
	}
	ix.busy += n
	if ix.busy == 0 {
		close(ix.idle)
	}
}

func (ix *Indexer) done(n int) {
	ix.mu.Lock()
	ix.markBusy(-n)
	ix.mu.Unlock()
}

// Update queues a re-index of id at st, reached from the previous version by
// tx. It never blocks.
func (ix *Indexer) Update(id string, st *document.State, tx transaction.Transaction) {
	ix.push(request{kind: reqUpdate, id: id, state: st, tx: &tx})
}

// Reset queues a full parse of id at st.
func (ix *Indexer) Reset(id string, st *document.State) {
	ix.push(request{kind: reqReset, id: id, state: st})
}

// Refresh queues a full parse of id at st unless a job for it is already
// queued or running, or the last completed index is at least as new as st.
// Queries that find stale metadata call it instead of Reset so typing keeps
// its incremental re-parse.
func (ix *Indexer) Refresh(id string, st *document.State) {
	ix.push(request{kind: reqRefresh, id: id, state: st})
}

// Remove drops id from the graph once earlier requests for it are handled.
func (ix *Indexer) Remove(id string) {
	ix.push(request{kind: reqRemove, id: id})
}

// Rename re-keys the queue of oldID. The graph record is not touched.
func (ix *Indexer) Rename(oldID, newID string) {
	ix.push(request{kind: reqRename, id: oldID, newID: newID})
}

// Wait blocks until every queued request has been handled or ctx ends.
func (ix *Indexer) Wait(ctx context.Context) error {
	ix.mu.Lock()
	idle := ix.idle
	ix.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches requests until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(ix.workers))
	results := make(chan result)
	entries := map[string]*entry{}
	var wg sync.WaitGroup

	start := func(e *entry) {
		if e.running != nil || e.removed || (e.pending == nil && !e.reset) {
			return
		}
		jctx, cancel := context.WithCancel(ctx)
		e.gen++
		e.running = cancel
		j := job{id: e.id, gen: e.gen, state: e.latest}
		if !e.reset && e.tree != nil {
			j.base, j.tx = e.tree, e.pending
		}
		ix.mu.Lock()
		ix.markBusy(1)
		ix.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := ix.work(jctx, sem, j)
			r.e = e
			select {
			case results <- r:
			case <-ctx.Done():
				ix.done(1)
			}
		}()
	}

	handle := func(r request) {
		e := entries[r.id]
		switch r.kind {
		case reqUpdate, reqReset:
			if e == nil {
				e = &entry{id: r.id}
				entries[r.id] = e
			}
			ix.enqueue(e, r)
			if e.running != nil {
				e.running()
			}
			start(e)
		case reqRefresh:
			if e != nil && (e.running != nil || e.pending != nil || e.reset || e.version >= r.state.Version()) {
				return
			}
			if e == nil {
				e = &entry{id: r.id}
				entries[r.id] = e
			}
			e.latest, e.reset, e.pending = r.state, true, nil
			start(e)
		case reqRemove:
			if e != nil {
				e.removed = true
				if e.running != nil {
					e.running()
				}
				delete(entries, r.id)
			}
			d := ix.graph.Remove(r.id)
			if ix.onRemoved != nil {
				ix.onRemoved(r.id, d)
			}
		case reqRename:
			if e == nil {
				return
			}
			delete(entries, r.id)
			if _, taken := entries[r.newID]; taken {
				// the new id already has its own queue
				e.removed = true
				if e.running != nil {
					e.running()
				}
				return
			}
			e.id = r.newID
			entries[r.newID] = e
			if e.running != nil {
				// the job in flight indexes under the old id
				e.gen++
				e.running()
			}
		}
	}

	finish := func(r result) {
		defer ix.done(1)
		e := r.e
		e.running = nil
		if e.removed {
			ix.logger.Debug("index result discarded", slog.String("path", e.id))
			return
		}
		if r.err != nil || r.gen != e.gen || r.note.Version != e.latest.Version() {
			ix.logger.Debug("index superseded", slog.String("path", e.id), slog.Uint64("latest", e.latest.Version()))
			start(e)
			return
		}
		e.tree, e.version = r.tree, r.note.Version
		e.pending, e.reset = nil, false
		d := ix.graph.ApplyDelta(r.note)
		ix.logger.Debug("note indexed",
			slog.String("path", e.id),
			slog.Uint64("version", r.note.Version),
			slog.Int("outlinks", len(r.note.Outlinks)),
		)
		if ix.onIndexed != nil {
			ix.onIndexed(Result{Note: r.note, Tree: r.tree, Delta: d})
		}
	}

	for {
		select {
		case <-ctx.Done():
			ix.mu.Lock()
			ix.closed = true
			n := len(ix.inbox)
			ix.inbox = nil
			ix.markBusy(-n)
			ix.mu.Unlock()
			wg.Wait()
			return nil
		case <-ix.wake:
			ix.mu.Lock()
			batch := ix.inbox
			ix.inbox = nil
			ix.mu.Unlock()
			for _, r := range batch {
				handle(r)
			}
			ix.done(len(batch))
		case r := <-results:
			finish(r)
		}
	}
}

// enqueue folds a request into the entry's pending work.
func (ix *Indexer) enqueue(e *entry, r request) {
	prev := e.latest
	e.latest = r.state
	if r.kind == reqReset || r.tx == nil || prev == nil || e.reset {
		e.reset, e.pending = true, nil
		return
	}
	if e.pending == nil {
		if r.tx.SourceVersion != e.version || e.tree == nil {
			e.reset = true
			return
		}
		tx := *r.tx
		e.pending = &tx
		return
	}
	composed, err := transaction.Compose(*e.pending, *r.tx)
	if err != nil {
		ix.logger.Debug("index queue reset", slog.Any("error", err))
		e.reset, e.pending = true, nil
		return
	}
	e.pending = &composed
}

func (ix *Indexer) work(ctx context.Context, sem *semaphore.Weighted, j job) result {
	r := result{gen: j.gen}
	if ix.debounce > 0 {
		t := time.NewTimer(ix.debounce)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			r.err = ctx.Err()
			return r
		}
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		r.err = err
		return r
	}
	defer sem.Release(1)

	text := j.state.Text()
	if j.base != nil && j.tx != nil {
		r.tree = parser.Reparse(j.base, j.tx.Changes, text)
	} else {
		r.tree = parser.Parse(text)
	}
	if err := ctx.Err(); err != nil {
		r.err = err
		return r
	}
	r.note = metadata.Index(j.id, r.tree, j.state.Version())
	r.note.Checksum = checksum.String(text)
	if err := ctx.Err(); err != nil {
		r.err = err
	}
	return r
}
