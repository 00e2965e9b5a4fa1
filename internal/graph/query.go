package graph

import (
	"sort"
	"strings"

	"github.com/starford/bedrock/internal/metadata"
)

// Edge is one resolved link between two notes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Note returns a copy of the current record for id, with Outlinks[i].Resolved
// filled in.
func (g *Graph) Note(id string) (*metadata.Note, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.notes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Has reports whether id is a known note.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.notes[id]
	return ok
}

// Notes returns every known note id in sorted order.
func (g *Graph) Notes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.notes))
	for id := range g.notes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Backlinks returns the notes holding a resolved link to id.
func (g *Graph) Backlinks(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.backlinks[id].sorted()
}

// Outlinks returns the notes id links to.
func (g *Graph) Outlinks(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolved[id].sorted()
}

// Unresolved returns the link paths in id that match no note.
func (g *Graph) Unresolved(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.unresolved[id].sorted()
}

// AllUnresolved returns every note's unresolved link paths.
func (g *Graph) AllUnresolved() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]string, len(g.unresolved))
	for id, s := range g.unresolved {
		out[id] = s.sorted()
	}
	return out
}

// Edges returns every resolved edge ordered by source then target.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for src, targets := range g.resolved {
		for t := range targets {
			out = append(out, Edge{Source: src, Target: t})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// Tagged returns the notes carrying tag, compared case-insensitively.
// A parent tag also matches its nested tags: "project" matches "project/alpha".
func (g *Graph) Tagged(tag string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	key := strings.ToLower(strings.TrimPrefix(tag, "#"))
	out := set{}
	for t, ids := range g.tags {
		if t == key || strings.HasPrefix(t, key+"/") {
			for id := range ids {
				out[id] = struct{}{}
			}
		}
	}
	return out.sorted()
}

// Tags returns how many notes carry each tag.
func (g *Graph) Tags() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.tags))
	for t, ids := range g.tags {
		out[t] = len(ids)
	}
	return out
}

// Stats summarizes the graph size.
type Stats struct {
	Notes      int `json:"notes"`
	Edges      int `json:"edges"`
	Unresolved int `json:"unresolved"`
	Tags       int `json:"tags"`
}

func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Stats{Notes: len(g.notes), Tags: len(g.tags)}
	for _, t := range g.resolved {
		s.Edges += len(t)
	}
	for _, u := range g.unresolved {
		s.Unresolved += len(u)
	}
	return s
}
