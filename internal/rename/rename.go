// Package rename moves a note and rewrites every link that points at it.
//
// A propagation runs Idle → Planning → Rewriting → Committing → Done or
// Failed. Disk writes that succeeded before a failure are kept: each
// rewritten referrer is valid text on its own, and the caller retries the
// failed subset.
package rename

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/checksum"
	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/graph"
	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/parser"
	"github.com/starford/bedrock/internal/transaction"
)

// State is a propagation phase.
type State int

const (
	Idle State = iota
	Planning
	Rewriting
	Committing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Planning:
		return "planning"
	case Rewriting:
		return "rewriting"
	case Committing:
		return "committing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Storage is the persistence the propagator commits to.
type Storage interface {
	Read(path string) ([]byte, error)
	Write(path string, content []byte) error
	Move(oldPath, newPath string) error
}

// Workspace gives access to open documents. Referrers that are open are
// rewritten from, and committed to, their live state.
type Workspace interface {
	State(id string) (*document.State, bool)
	Apply(id string, tx transaction.Transaction) (*document.State, error)
	Save(id string) (*document.State, error)
	Rename(oldID, newID string) error
}

// Result reports the per-file outcome of a propagation.
type Result struct {
	Old    string            `json:"old"`
	New    string            `json:"new"`
	State  State             `json:"-"`
	Done   []string          `json:"done"`
	Failed map[string]string `json:"failed"`
}

// PartialFailureError is returned when some referrers could not be committed.
type PartialFailureError struct {
	Failed map[string]string
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("rename: %d file(s) not committed: %s", len(ids), strings.Join(ids, ", "))
}

func (e *PartialFailureError) Is(target error) bool { return target == apperr.ErrRenamePartialFailure }

// Option configures a Propagator.
type Option func(*Propagator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Propagator) { p.logger = l }
}

// WithWorkspace routes open referrers through ws.
func WithWorkspace(ws Workspace) Option {
	return func(p *Propagator) { p.ws = ws }
}

// WithObserver is called on every state transition.
func WithObserver(fn func(old, new string, s State)) Option {
	return func(p *Propagator) { p.observe = fn }
}

// Propagator runs renames one at a time.
type Propagator struct {
	run     sync.Mutex
	mu      sync.Mutex
	state   State
	graph   *graph.Graph
	store   Storage
	ws      Workspace
	logger  *slog.Logger
	observe func(old, new string, s State)
}

// New creates a Propagator over g and store.
func New(g *graph.Graph, store Storage, opts ...Option) *Propagator {
	p := &Propagator{graph: g, store: store, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// State returns the phase of the running (or last) propagation.
func (p *Propagator) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Propagator) set(r *Result, s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	r.State = s
	p.logger.Debug("rename transition", slog.String("old", r.Old), slog.String("new", r.New), slog.String("state", s.String()))
	if p.observe != nil {
		p.observe(r.Old, r.New, s)
	}
}

// plan is the rewrite of one referrer.
type plan struct {
	id   string
	open bool
	src  *document.State
	tx   transaction.Transaction
	out  *document.State
}

// Rename moves oldID to newID and rewrites every referrer. It returns a
// *PartialFailureError (matching apperr.ErrRenamePartialFailure) together
// with the Result when some referrers were not committed.
func (p *Propagator) Rename(ctx context.Context, oldID, newID string) (*Result, error) {
	p.run.Lock()
	defer p.run.Unlock()

	res := &Result{Old: oldID, New: newID, Failed: map[string]string{}}
	if oldID == newID {
		res.State = Done
		return res, nil
	}
	if !p.graph.Has(oldID) {
		return nil, fmt.Errorf("rename: %s: %w", oldID, apperr.ErrNotFound)
	}
	if p.graph.Has(newID) {
		return nil, fmt.Errorf("rename: %s: %w", newID, apperr.ErrAlreadyExists)
	}

	p.set(res, Planning)
	p.graph.Pin(oldID)
	plans, err := p.plan(oldID, newID)
	if err == nil {
		p.set(res, Rewriting)
		err = p.rewrite(plans)
	}
	p.graph.Unpin(oldID)
	if err != nil {
		p.set(res, Failed)
		return res, err
	}
	if err := ctx.Err(); err != nil {
		p.set(res, Failed)
		return res, fmt.Errorf("rename: %w", err)
	}

	p.set(res, Committing)
	if err := p.store.Move(oldID, newID); err != nil {
		res.Failed[oldID] = err.Error()
		for _, pl := range plans {
			if pl.id != oldID {
				res.Failed[pl.id] = "not attempted: move failed"
			}
		}
		p.set(res, Failed)
		return res, fmt.Errorf("rename: move: %w", err)
	}
	if p.ws != nil {
		if err := p.ws.Rename(oldID, newID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			p.logger.Warn("rename open document", slog.String("old", oldID), slog.Any("error", err))
		}
	}
	if _, err := p.graph.Rename(oldID, newID); err != nil {
		p.logger.Warn("rename graph record", slog.String("old", oldID), slog.Any("error", err))
	}

	for _, pl := range plans {
		target := pl.id
		if target == oldID {
			target = newID
		}
		if err := ctx.Err(); err != nil {
			res.Failed[target] = err.Error()
			continue
		}
		text, version, err := p.commit(pl, target)
		if err != nil {
			res.Failed[target] = err.Error()
			continue
		}
		res.Done = append(res.Done, target)
		note := metadata.Index(target, parser.Parse(text), version)
		note.Checksum = checksum.String(text)
		p.graph.ApplyDelta(note)
	}
	sort.Strings(res.Done)

	if len(res.Failed) > 0 {
		p.set(res, Failed)
		p.logger.Warn("rename partially failed",
			slog.String("old", oldID), slog.String("new", newID),
			slog.Int("done", len(res.Done)), slog.Int("failed", len(res.Failed)))
		return res, &PartialFailureError{Failed: res.Failed}
	}
	p.set(res, Done)
	p.logger.Info("note renamed", slog.String("old", oldID), slog.String("new", newID), slog.Int("rewritten", len(res.Done)))
	return res, nil
}

// commit persists one referrer. Open documents take the transaction through
// the workspace first so concurrent edits are detected as stale.
func (p *Propagator) commit(pl plan, target string) (string, uint64, error) {
	if pl.open && p.ws != nil {
		if _, err := p.ws.Apply(target, pl.tx); err != nil {
			return "", 0, fmt.Errorf("document changed during rename: %w", err)
		}
		// the buffer is written whole, unsaved edits included
		st, err := p.ws.Save(target)
		if err != nil {
			return "", 0, err
		}
		return st.Text(), st.Version(), nil
	}
	text := pl.out.Text()
	if err := p.store.Write(target, []byte(text)); err != nil {
		return "", 0, err
	}
	return text, pl.out.Version(), nil
}

// plan builds one transaction per referrer of oldID.
func (p *Propagator) plan(oldID, newID string) ([]plan, error) {
	var plans []plan
	for _, ref := range p.graph.Backlinks(oldID) {
		pl := plan{id: ref}
		if p.ws != nil {
			pl.src, pl.open = p.ws.State(ref)
		}
		if pl.src == nil {
			data, err := p.store.Read(ref)
			if err != nil {
				return nil, fmt.Errorf("rename: read %s: %w", ref, err)
			}
			pl.src = document.New(string(data))
		}
		changes := p.rewrites(ref, pl.src, oldID, newID)
		if len(changes) == 0 {
			continue
		}
		pl.tx = transaction.New(pl.src.Version(), changes...)
		pl.tx.Origin = transaction.OriginSystem
		pl.tx.Label = "rename " + oldID + " -> " + newID
		plans = append(plans, pl)
	}
	return plans, nil
}

func (p *Propagator) rewrite(plans []plan) error {
	for i := range plans {
		out, err := transaction.Apply(plans[i].src, plans[i].tx)
		if err != nil {
			return fmt.Errorf("rename: rewrite %s: %w", plans[i].id, err)
		}
		plans[i].out = out
	}
	return nil
}

// rewrites returns the target replacements for every link in src that
// resolves to oldID, in ascending order.
func (p *Propagator) rewrites(ref string, src *document.State, oldID, newID string) []transaction.Change {
	tree := parser.Parse(src.Text())
	note := metadata.Index(ref, tree, src.Version())
	var changes []transaction.Change
	for _, l := range note.Outlinks {
		if id, ok := p.graph.Resolve(l.Path, ref); !ok || id != oldID {
			continue
		}
		insert := p.linkTarget(l, tree, ref, oldID, newID)
		if insert == tree.Slice(l.Target) {
			continue
		}
		changes = append(changes, transaction.Change{From: l.Target.Start, To: l.Target.End, Insert: insert})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].From < changes[j].From })
	return changes
}

// linkTarget renders the replacement for one link target in the style it
// was written: stem or path, relative or vault-absolute, with or without
// .md, subpath kept.
func (p *Propagator) linkTarget(l metadata.Outlink, tree *parser.Tree, ref, oldID, newID string) string {
	raw := tree.Slice(l.Target)
	_, sub := metadata.SplitTarget(raw)
	written := l.Path
	wiki := strings.Contains(tree.Slice(parser.Range{Start: l.Span.Start, End: min(l.Span.Start+3, l.Span.End)}), "[[")
	newNoExt := strings.TrimSuffix(newID, ".md")

	var out string
	switch {
	case strings.HasPrefix(written, "/"):
		out = "/" + newNoExt
	case relative(written, ref, oldID):
		rel, err := filepath.Rel(filepath.FromSlash(path.Dir(ref)), filepath.FromSlash(newNoExt))
		if err != nil {
			out = newNoExt
			break
		}
		out = filepath.ToSlash(rel)
		// a bare folder path would match a vault-relative note first
		if !strings.HasPrefix(out, "../") && (strings.HasPrefix(written, "./") || p.graph.Has(out) || p.graph.Has(out+".md")) {
			out = "./" + out
		}
	case strings.Contains(written, "/"):
		out = newNoExt
	default:
		out = path.Base(newNoExt)
		if !p.uniqueAfter(out, oldID) {
			out = newNoExt
		}
	}
	if strings.HasSuffix(strings.ToLower(written), ".md") && strings.HasSuffix(newID, ".md") {
		out += ".md"
	}
	if !wiki && !angled(tree, l.Target) {
		out = (&url.URL{Path: out}).EscapedPath()
	}
	return out + sub
}

// relative reports whether written resolved against the folder of ref. A
// vault-relative match takes precedence over the folder join.
func relative(written, ref, oldID string) bool {
	if strings.HasPrefix(written, "./") || strings.HasPrefix(written, "../") {
		return true
	}
	if written == oldID || written+".md" == oldID {
		return false
	}
	dir := path.Dir(ref)
	if dir == "." || !strings.Contains(written, "/") {
		return false
	}
	j := path.Join(dir, written)
	return j == oldID || j+".md" == oldID
}

func angled(tree *parser.Tree, target parser.Range) bool {
	return target.Start > 0 && tree.Slice(parser.Range{Start: target.Start - 1, End: target.Start}) == "<"
}

// uniqueAfter reports whether stem will match only the renamed note once
// oldID is gone.
func (p *Propagator) uniqueAfter(stem, oldID string) bool {
	key := strings.ToLower(stem)
	for _, id := range p.graph.Notes() {
		if id == oldID {
			continue
		}
		if strings.ToLower(strings.TrimSuffix(path.Base(id), ".md")) == key {
			return false
		}
	}
	return true
}
