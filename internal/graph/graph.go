// Package graph maintains the vault-wide link graph: resolved and unresolved
// outlinks per note and the backlink map that is their exact transpose.
package graph

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/metadata"
)

// TieBreak orders the candidates of an ambiguous basename match.
type TieBreak string

const (
	// TieShortestPath prefers the shortest note id, then lexicographic order.
	TieShortestPath TieBreak = "shortest-path"
	// TieLexicographic prefers the lexicographically smallest note id.
	TieLexicographic TieBreak = "lexicographic"
)

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Graph is safe for concurrent use. Reads share a lock; writes are exclusive.
type Graph struct {
	mu   sync.RWMutex
	cond *sync.Cond

	notes      map[string]*metadata.Note
	byBase     map[string]set // lower-case basename without .md -> ids
	resolved   map[string]set // source -> targets
	unresolved map[string]set // source -> link paths that match no note
	backlinks  map[string]set // target -> sources
	missing    map[string]set // lower-case basename of an unresolved path -> sources
	tags       map[string]set // lower-case tag -> ids
	noteTags   map[string][]string
	pinned     map[string]bool

	tieBreak TieBreak
	logger   *slog.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithTieBreak sets the policy for ambiguous basename matches.
func WithTieBreak(tb TieBreak) Option {
	return func(g *Graph) {
		if tb != "" {
			g.tieBreak = tb
		}
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// New returns an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{tieBreak: TieShortestPath, logger: slog.Default()}
	g.reset()
	g.cond = sync.NewCond(&g.mu)
	g.pinned = map[string]bool{}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Graph) reset() {
	g.notes = map[string]*metadata.Note{}
	g.byBase = map[string]set{}
	g.resolved = map[string]set{}
	g.unresolved = map[string]set{}
	g.backlinks = map[string]set{}
	g.missing = map[string]set{}
	g.tags = map[string]set{}
	g.noteTags = map[string][]string{}
}

func baseKey(p string) string {
	return strings.ToLower(strings.TrimSuffix(path.Base(p), ".md"))
}

func add(m map[string]set, k, v string) {
	s, ok := m[k]
	if !ok {
		s = set{}
		m[k] = s
	}
	s[v] = struct{}{}
}

func del(m map[string]set, k, v string) {
	if s, ok := m[k]; ok {
		delete(s, v)
		if len(s) == 0 {
			delete(m, k)
		}
	}
}

// Resolve maps a link target written in note from to a note id.
func (g *Graph) Resolve(raw, from string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolve(raw, from)
}

// resolve tries, in order: the exact vault-relative path (with or without
// .md; "./" and "../" targets are relative to the source note), the path
// joined to the source note's folder, then a case-insensitive basename
// match. The caller holds mu.
func (g *Graph) resolve(raw, from string) (string, bool) {
	p, _ := metadata.SplitTarget(raw)
	if p == "" {
		return "", false
	}
	if id, ok := g.exact(p, from); ok {
		return id, true
	}

	cands := g.byBase[baseKey(p)]
	if len(cands) == 0 {
		return "", false
	}
	want := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(p, "/"), ".md"))
	var matches []string
	for id := range cands {
		lid := strings.ToLower(strings.TrimSuffix(id, ".md"))
		if !strings.Contains(p, "/") || lid == want || strings.HasSuffix(lid, "/"+want) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", false
	case 1:
		return matches[0], true
	}
	g.order(matches)
	g.logger.Info("resolution ambiguous",
		slog.String("target", raw),
		slog.String("from", from),
		slog.Any("candidates", matches),
		slog.String("chosen", matches[0]),
		slog.String("tie_break", string(g.tieBreak)),
	)
	return matches[0], true
}

func (g *Graph) exact(p, from string) (string, bool) {
	var tries []string
	switch {
	case strings.HasPrefix(p, "/"):
		tries = append(tries, strings.TrimPrefix(p, "/"))
	case strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../"):
		tries = append(tries, path.Join(path.Dir(from), p))
	default:
		tries = append(tries, p)
		if strings.Contains(p, "/") {
			tries = append(tries, path.Join(path.Dir(from), p))
		}
	}
	for _, t := range tries {
		if strings.HasPrefix(t, "../") {
			continue
		}
		if _, ok := g.notes[t]; ok {
			return t, true
		}
		if _, ok := g.notes[t+".md"]; ok {
			return t + ".md", true
		}
	}
	return "", false
}

func (g *Graph) order(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		if g.tieBreak == TieShortestPath && len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
}

// Delta describes how one update changed the resolved edges of a note.
type Delta struct {
	Note    string   `json:"note"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	// Touched lists other notes whose resolution changed as a side effect.
	Touched []string `json:"touched,omitempty"`
}

// Empty reports whether the update changed no edge anywhere.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Touched) == 0
}

// ApplyDelta installs note as the current record for note.ID and updates only
// the edges that changed. It blocks while the update would add an edge to a
// pinned note.
func (g *Graph) ApplyDelta(note *metadata.Note) Delta {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.addsPinnedEdge(note) {
		g.cond.Wait()
	}
	return g.apply(note)
}

func (g *Graph) addsPinnedEdge(note *metadata.Note) bool {
	if len(g.pinned) == 0 {
		return false
	}
	old := g.resolved[note.ID]
	for _, l := range note.Outlinks {
		id, ok := g.resolve(l.Path, note.ID)
		if !ok || !g.pinned[id] {
			continue
		}
		if _, had := old[id]; !had {
			return true
		}
	}
	return false
}

func (g *Graph) apply(note *metadata.Note) Delta {
	_, known := g.notes[note.ID]
	g.notes[note.ID] = note.Clone()
	d := Delta{Note: note.ID}
	if !known {
		add(g.byBase, baseKey(note.ID), note.ID)
		d.Touched = g.reresolve(g.affectedBy(note.ID), note.ID)
	}
	d.Added, d.Removed = g.relink(note.ID)
	return d
}

// affectedBy returns the notes whose resolution may change when id appears
// or disappears: those with an unresolved target of the same basename and
// those already resolving to a note with that basename.
func (g *Graph) affectedBy(id string) []string {
	key := baseKey(id)
	srcs := set{}
	for s := range g.missing[key] {
		srcs[s] = struct{}{}
	}
	for other := range g.byBase[key] {
		for s := range g.backlinks[other] {
			srcs[s] = struct{}{}
		}
	}
	return srcs.sorted()
}

func (g *Graph) reresolve(srcs []string, skip string) []string {
	var touched []string
	for _, s := range srcs {
		if s == skip {
			continue
		}
		if a, r := g.relink(s); len(a) > 0 || len(r) > 0 {
			touched = append(touched, s)
		}
	}
	return touched
}

// relink recomputes the outgoing edges of src from its current record and
// applies the difference to backlinks, the missing index and tags.
func (g *Graph) relink(src string) (added, removed []string) {
	note := g.notes[src]
	newRes, newUnres := set{}, set{}
	if note != nil {
		fresh := note.Clone()
		for i, l := range fresh.Outlinks {
			if id, ok := g.resolve(l.Path, src); ok {
				fresh.Outlinks[i].Resolved = id
				newRes[id] = struct{}{}
			} else {
				fresh.Outlinks[i].Resolved = ""
				newUnres[l.Path] = struct{}{}
			}
		}
		g.notes[src] = fresh
	}

	oldRes := g.resolved[src]
	for id := range oldRes {
		if _, ok := newRes[id]; !ok {
			del(g.backlinks, id, src)
			removed = append(removed, id)
		}
	}
	for id := range newRes {
		if _, ok := oldRes[id]; !ok {
			add(g.backlinks, id, src)
			added = append(added, id)
		}
	}
	for p := range g.unresolved[src] {
		if _, ok := newUnres[p]; !ok {
			del(g.missing, baseKey(p), src)
		}
	}
	for p := range newUnres {
		add(g.missing, baseKey(p), src)
	}
	setOrDelete(g.resolved, src, newRes)
	setOrDelete(g.unresolved, src, newUnres)
	g.retag(src, note)

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func setOrDelete(m map[string]set, k string, s set) {
	if len(s) == 0 {
		delete(m, k)
		return
	}
	m[k] = s
}

func (g *Graph) retag(id string, note *metadata.Note) {
	for _, t := range g.noteTags[id] {
		del(g.tags, t, id)
	}
	delete(g.noteTags, id)
	if note == nil || len(note.Tags) == 0 {
		return
	}
	keys := make([]string, len(note.Tags))
	for i, t := range note.Tags {
		keys[i] = strings.ToLower(t)
		add(g.tags, keys[i], id)
	}
	g.noteTags[id] = keys
}

// Remove drops a note and re-resolves the notes that pointed at it.
func (g *Graph) Remove(id string) Delta {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remove(id)
}

func (g *Graph) remove(id string) Delta {
	d := Delta{Note: id}
	if _, ok := g.notes[id]; !ok {
		return d
	}
	delete(g.notes, id)
	_, d.Removed = g.relink(id)
	del(g.byBase, baseKey(id), id)

	referrers := set{}
	for s := range g.backlinks[id] {
		referrers[s] = struct{}{}
	}
	for _, s := range g.affectedBy(id) {
		referrers[s] = struct{}{}
	}
	d.Touched = g.reresolve(referrers.sorted(), id)
	return d
}

// Rename moves the record of oldID to newID. Links are not rewritten: notes
// whose raw targets still name oldID re-resolve, and must be updated through
// ApplyDelta once their text is rewritten.
func (g *Graph) Rename(oldID, newID string) (Delta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	note, ok := g.notes[oldID]
	if !ok {
		return Delta{}, fmt.Errorf("graph: rename %s: %w", oldID, apperr.ErrNotFound)
	}
	if _, exists := g.notes[newID]; exists && newID != oldID {
		return Delta{}, fmt.Errorf("graph: rename to %s: %w", newID, apperr.ErrAlreadyExists)
	}
	moved := note.Clone()
	moved.ID = newID
	rm := g.remove(oldID)
	d := g.apply(moved)
	d.Removed = rm.Removed
	d.Touched = mergeSorted(rm.Touched, d.Touched)
	return d, nil
}

func mergeSorted(a, b []string) []string {
	s := set{}
	for _, v := range a {
		s[v] = struct{}{}
	}
	for _, v := range b {
		s[v] = struct{}{}
	}
	if len(s) == 0 {
		return nil
	}
	return s.sorted()
}

// RebuildAll discards every edge and recomputes the graph from notes.
func (g *Graph) RebuildAll(notes []*metadata.Note) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reset()
	for _, n := range notes {
		g.notes[n.ID] = n.Clone()
		add(g.byBase, baseKey(n.ID), n.ID)
	}
	ids := make([]string, 0, len(g.notes))
	for id := range g.notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		g.relink(id)
	}
}

// Verify checks that backlinks is the exact transpose of resolved and that
// every edge endpoint is a known note.
func (g *Graph) Verify() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for src, targets := range g.resolved {
		if _, ok := g.notes[src]; !ok {
			return fmt.Errorf("graph: verify: unknown source %s", src)
		}
		for t := range targets {
			if _, ok := g.backlinks[t][src]; !ok {
				return fmt.Errorf("graph: verify: %s -> %s missing from backlinks", src, t)
			}
			if _, ok := g.notes[t]; !ok {
				return fmt.Errorf("graph: verify: %s -> unknown target %s", src, t)
			}
		}
	}
	for t, srcs := range g.backlinks {
		for src := range srcs {
			if _, ok := g.resolved[src][t]; !ok {
				return fmt.Errorf("graph: verify: backlink %s <- %s has no resolved edge", t, src)
			}
		}
	}
	return nil
}

// Pin takes exclusive hold of id's backlink entry: until Unpin, ApplyDelta
// calls that would add a new edge to id wait. Pin waits for an earlier holder.
func (g *Graph) Pin(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.pinned[id] {
		g.cond.Wait()
	}
	g.pinned[id] = true
}

// Unpin releases a Pin.
func (g *Graph) Unpin(id string) {
	g.mu.Lock()
	delete(g.pinned, id)
	g.mu.Unlock()
	g.cond.Broadcast()
}
