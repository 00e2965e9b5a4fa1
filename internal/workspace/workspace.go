// Package workspace holds the open documents of a vault. Edits to one
// document are serialized; edits to different documents proceed in parallel.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/transaction"
)

// DefaultHistory is how many applied transactions each document keeps for
// mapping positions from older versions.
const DefaultHistory = 256

// Storage is the persistence the workspace loads from and saves to.
type Storage interface {
	Read(path string) ([]byte, error)
	Write(path string, content []byte) error
}

// EventKind identifies a document lifecycle event.
type EventKind int

const (
	Opened EventKind = iota
	Changed
	Saved
	Closed
	Renamed
)

func (k EventKind) String() string {
	switch k {
	case Changed:
		return "changed"
	case Saved:
		return "saved"
	case Closed:
		return "closed"
	case Renamed:
		return "renamed"
	default:
		return "opened"
	}
}

// Event is delivered to listeners synchronously, in version order per
// document. Tx is set for Changed only.
type Event struct {
	Kind  EventKind
	ID    string
	OldID string
	State *document.State
	Tx    *transaction.Transaction
}

// Listener must not block and must not call back into the workspace.
type Listener func(Event)

type doc struct {
	mu      sync.Mutex
	state   *document.State
	sel     transaction.Selection
	history []transaction.Transaction
	dirty   bool
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workspace) { w.logger = l }
}

// WithListener registers fn for document events.
func WithListener(fn Listener) Option {
	return func(w *Workspace) { w.listeners = append(w.listeners, fn) }
}

// WithHistory sets how many transactions per document are kept for MapPosition.
func WithHistory(n int) Option {
	return func(w *Workspace) {
		if n > 0 {
			w.history = n
		}
	}
}

// Workspace is safe for concurrent use.
type Workspace struct {
	mu        sync.RWMutex
	docs      map[string]*doc
	store     Storage
	listeners []Listener
	history   int
	logger    *slog.Logger
}

// New creates an empty workspace backed by store.
func New(store Storage, opts ...Option) *Workspace {
	w := &Workspace{
		docs:    map[string]*doc{},
		store:   store,
		history: DefaultHistory,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// AddListener registers fn after construction.
func (w *Workspace) AddListener(fn Listener) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Workspace) emit(e Event) {
	w.mu.RLock()
	ls := w.listeners
	w.mu.RUnlock()
	for _, fn := range ls {
		fn(e)
	}
}

func (w *Workspace) get(id string) (*doc, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	d, ok := w.docs[id]
	if !ok {
		return nil, fmt.Errorf("workspace: %s not open: %w", id, apperr.ErrNotFound)
	}
	return d, nil
}

// Open loads id from storage, or returns the live state if already open.
func (w *Workspace) Open(id string) (*document.State, error) {
	if d, err := w.get(id); err == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.state, nil
	}
	data, err := w.store.Read(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("workspace: open %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("workspace: open %s: %w", id, err)
	}
	return w.open(id, string(data)), nil
}

// OpenText opens id with text that is not read from storage, such as a
// note that has not been saved yet. An open document is left untouched.
func (w *Workspace) OpenText(id, text string) *document.State {
	if d, err := w.get(id); err == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.state
	}
	return w.open(id, text)
}

func (w *Workspace) open(id, text string) *document.State {
	w.mu.Lock()
	if d, ok := w.docs[id]; ok {
		// lost a race with another opener
		w.mu.Unlock()
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.state
	}
	st := document.New(text)
	d := &doc{state: st, sel: transaction.Cursor(st.Len())}
	w.docs[id] = d
	d.mu.Lock()
	w.mu.Unlock()
	defer d.mu.Unlock()

	w.logger.Debug("document opened", slog.String("path", id), slog.Int("len", st.Len()))
	w.emit(Event{Kind: Opened, ID: id, State: st})
	return st
}

// State returns the current state of an open document.
func (w *Workspace) State(id string) (*document.State, bool) {
	d, err := w.get(id)
	if err != nil {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, true
}

// Selection returns the tracked selection of an open document.
func (w *Workspace) Selection(id string) (transaction.Selection, error) {
	d, err := w.get(id)
	if err != nil {
		return transaction.Selection{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sel, nil
}

// Select replaces the tracked selection, clamped to the document.
func (w *Workspace) Select(id string, sel transaction.Selection) error {
	d, err := w.get(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sel = sel.Clamp(d.state.Len())
	d.mu.Unlock()
	return nil
}

// Documents returns the ids of open documents.
func (w *Workspace) Documents() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.docs))
	for id := range w.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dirty reports whether id has changes not yet saved.
func (w *Workspace) Dirty(id string) bool {
	d, err := w.get(id)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Apply runs tx against the current state of id. A transaction built
// against any other version fails with a *transaction.StaleVersionError.
func (w *Workspace) Apply(id string, tx transaction.Transaction) (*document.State, error) {
	d, err := w.get(id)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return w.apply(id, d, tx)
}

// apply is called with d.mu held.
func (w *Workspace) apply(id string, d *doc, tx transaction.Transaction) (*document.State, error) {
	next, err := transaction.Apply(d.state, tx)
	if err != nil {
		return nil, fmt.Errorf("workspace: apply %s: %w", id, err)
	}
	if tx.SelectionAfter != nil {
		d.sel = tx.SelectionAfter.Clamp(next.Len())
	} else {
		d.sel = transaction.MapSelection(tx, d.sel).Clamp(next.Len())
	}
	d.history = append(d.history, tx)
	if over := len(d.history) - w.history; over > 0 {
		d.history = append(d.history[:0:0], d.history[over:]...)
	}
	if len(tx.Changes) > 0 {
		d.dirty = true
	}
	d.state = next
	w.emit(Event{Kind: Changed, ID: id, State: next, Tx: &tx})
	return next, nil
}

// ReplaceText swaps the whole text of id, as an input layer that only knows
// the final text would, and leaves sel as the selection. The change is
// narrowed to the differing middle so positions outside it map cleanly.
func (w *Workspace) ReplaceText(id, text string, sel transaction.Selection) (*document.State, error) {
	d, err := w.get(id)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := transaction.New(d.state.Version())
	if c, ok := diff(d.state.Text(), text); ok {
		tx.Changes = []transaction.Change{c}
	}
	tx.SelectionAfter = &sel
	tx.Origin = transaction.OriginInput
	tx.Label = "input"
	return w.apply(id, d, tx)
}

// Exec builds a command transaction from the live state and selection and
// applies it. It reports false when the command does not apply here.
func (w *Workspace) Exec(id string, cmd Command) (*document.State, bool, error) {
	d, err := w.get(id)
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, ok := cmd(d.state, d.sel)
	if !ok {
		return d.state, false, nil
	}
	st, err := w.apply(id, d, tx)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// MapPosition carries offset from version from to the current version of id.
// Versions older than the kept history fail with apperr.ErrStaleVersion.
func (w *Workspace) MapPosition(id string, from uint64, offset int, bias transaction.Bias) (transaction.MappedOffset, error) {
	d, err := w.get(id)
	if err != nil {
		return transaction.MappedOffset{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.state.Version()
	switch {
	case from == cur:
		return transaction.MappedOffset{Pos: offset}, nil
	case from > cur:
		return transaction.MappedOffset{}, fmt.Errorf("workspace: map %s: version %d is ahead of %d: %w", id, from, cur, apperr.ErrConflict)
	}
	start := -1
	for i, tx := range d.history {
		if tx.SourceVersion == from {
			start = i
			break
		}
	}
	if start < 0 {
		return transaction.MappedOffset{}, fmt.Errorf("workspace: map %s: version %d no longer kept: %w", id, from, apperr.ErrStaleVersion)
	}
	out := transaction.MappedOffset{Pos: offset}
	for _, tx := range d.history[start:] {
		m := transaction.MapPosition(tx, out.Pos, bias)
		out = transaction.MappedOffset{Pos: m.Pos, Deleted: out.Deleted || m.Deleted}
	}
	return out, nil
}

// Save writes the current text of id to storage.
func (w *Workspace) Save(id string) (*document.State, error) {
	d, err := w.get(id)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := w.store.Write(id, []byte(d.state.Text())); err != nil {
		return nil, fmt.Errorf("workspace: save %s: %w", id, err)
	}
	d.dirty = false
	w.emit(Event{Kind: Saved, ID: id, State: d.state})
	return d.state, nil
}

// Close discards the document. Unsaved changes are dropped.
func (w *Workspace) Close(id string) error {
	w.mu.Lock()
	d, ok := w.docs[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("workspace: close %s: %w", id, apperr.ErrNotFound)
	}
	delete(w.docs, id)
	w.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dirty {
		w.logger.Info("closing document with unsaved changes", slog.String("path", id), slog.Uint64("version", d.state.Version()))
	}
	w.emit(Event{Kind: Closed, ID: id, State: d.state})
	return nil
}

// Rename re-keys an open document. Its state and version are kept.
func (w *Workspace) Rename(oldID, newID string) error {
	w.mu.Lock()
	d, ok := w.docs[oldID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("workspace: rename %s: %w", oldID, apperr.ErrNotFound)
	}
	if _, taken := w.docs[newID]; taken {
		w.mu.Unlock()
		return fmt.Errorf("workspace: rename to %s: %w", newID, apperr.ErrAlreadyExists)
	}
	delete(w.docs, oldID)
	w.docs[newID] = d
	w.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	w.emit(Event{Kind: Renamed, ID: newID, OldID: oldID, State: d.state})
	return nil
}

// diff returns the single change turning a into b, trimmed to the differing
// middle. ok is false when the texts are equal.
func diff(a, b string) (transaction.Change, bool) {
	if a == b {
		return transaction.Change{}, false
	}
	// common prefix in bytes, backed off to a rune boundary
	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	for p > 0 && ((p < len(a) && !utf8.RuneStart(a[p])) || (p < len(b) && !utf8.RuneStart(b[p]))) {
		p--
	}
	s := 0
	for s < len(a)-p && s < len(b)-p && a[len(a)-1-s] == b[len(b)-1-s] {
		s++
	}
	for s > 0 && !utf8.RuneStart(a[len(a)-s]) {
		s--
	}
	from := utf8.RuneCountInString(a[:p])
	return transaction.Change{
		From:   from,
		To:     from + utf8.RuneCountInString(a[p:len(a)-s]),
		Insert: b[p : len(b)-s],
	}, true
}
