package graph

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/parser"
)

func note(id, text string) *metadata.Note {
	return metadata.Index(id, parser.Parse(text), 1)
}

func verify(t *testing.T, g *Graph) {
	t.Helper()
	if err := g.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestGraph_BacklinkScenario(t *testing.T) {
	g := New()
	g.ApplyDelta(note("A.md", "see [[B]]"))
	g.ApplyDelta(note("B.md", "target"))

	if got := g.Backlinks("B.md"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("backlinks(B) = %v, want [A.md]", got)
	}
	if got := g.Unresolved("A.md"); len(got) != 0 {
		t.Errorf("unresolved(A) = %v, want empty", got)
	}
	n, _ := g.Note("A.md")
	if n.Outlinks[0].Resolved != "B.md" {
		t.Errorf("outlink resolved = %q", n.Outlinks[0].Resolved)
	}
	verify(t, g)
}

func TestGraph_UnresolvedUntilCreatedThenRemoved(t *testing.T) {
	g := New()
	g.ApplyDelta(note("A.md", "[[Later]] [[Later#sec]]"))
	if got := g.Unresolved("A.md"); !reflect.DeepEqual(got, []string{"Later"}) {
		t.Fatalf("unresolved = %v", got)
	}

	d := g.ApplyDelta(note("sub/later.md", "x"))
	if !reflect.DeepEqual(d.Touched, []string{"A.md"}) {
		t.Errorf("touched = %v", d.Touched)
	}
	if got := g.Backlinks("sub/later.md"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("backlinks = %v", got)
	}
	if got := g.Unresolved("A.md"); len(got) != 0 {
		t.Errorf("still unresolved: %v", got)
	}

	g.Remove("sub/later.md")
	if got := g.Backlinks("sub/later.md"); len(got) != 0 {
		t.Errorf("backlinks after remove = %v", got)
	}
	if got := g.Unresolved("A.md"); !reflect.DeepEqual(got, []string{"Later"}) {
		t.Errorf("unresolved after remove = %v", got)
	}
	verify(t, g)
}

func TestGraph_Resolve(t *testing.T) {
	g := New()
	for _, id := range []string{"a/Note.md", "b/c/note.md", "Top.md", "a/Other.md", "pic.png"} {
		g.ApplyDelta(note(id, ""))
	}
	cases := []struct {
		raw, from, want string
	}{
		{"Top", "x.md", "Top.md"},
		{"Top.md", "x.md", "Top.md"},
		{"top", "x.md", "Top.md"},
		{"note", "x.md", "a/Note.md"},
		{"c/note", "x.md", "b/c/note.md"},
		{"./Other", "a/Note.md", "a/Other.md"},
		{"../Top", "a/Note.md", "Top.md"},
		{"/a/Other.md", "b/c/note.md", "a/Other.md"},
		{"Other#Heading", "x.md", "a/Other.md"},
		{"pic.png", "x.md", "pic.png"},
	}
	for _, tc := range cases {
		got, ok := g.Resolve(tc.raw, tc.from)
		if !ok || got != tc.want {
			t.Errorf("Resolve(%q from %q) = %q,%v want %q", tc.raw, tc.from, got, ok, tc.want)
		}
	}
	if _, ok := g.Resolve("Missing", "x.md"); ok {
		t.Error("missing target resolved")
	}
}

func TestGraph_ResolveVaultPathBeforeSourceFolder(t *testing.T) {
	g := New()
	for _, id := range []string{"x/A.md", "sub/B.md", "x/sub/B.md", "x/only/C.md"} {
		g.ApplyDelta(note(id, ""))
	}
	cases := []struct {
		raw, from, want string
	}{
		{"sub/B", "x/A.md", "sub/B.md"},
		{"sub/B.md", "x/A.md", "sub/B.md"},
		{"./sub/B", "x/A.md", "x/sub/B.md"},
		{"only/C", "x/A.md", "x/only/C.md"},
	}
	for _, tc := range cases {
		got, ok := g.Resolve(tc.raw, tc.from)
		if !ok || got != tc.want {
			t.Errorf("Resolve(%q from %q) = %q,%v want %q", tc.raw, tc.from, got, ok, tc.want)
		}
	}
}

func TestGraph_TieBreakPolicies(t *testing.T) {
	ids := []string{"zz/Same.md", "a/b/Same.md", "b/Same.md"}
	short := New()
	lex := New(WithTieBreak(TieLexicographic))
	for _, id := range ids {
		short.ApplyDelta(note(id, ""))
		lex.ApplyDelta(note(id, ""))
	}
	if got, _ := short.Resolve("same", "x.md"); got != "b/Same.md" {
		t.Errorf("shortest-path chose %q", got)
	}
	if got, _ := lex.Resolve("same", "x.md"); got != "a/b/Same.md" {
		t.Errorf("lexicographic chose %q", got)
	}
}

func TestGraph_ShorterCandidateTakesOver(t *testing.T) {
	g := New()
	g.ApplyDelta(note("A.md", "[[Dup]]"))
	g.ApplyDelta(note("deep/dir/Dup.md", ""))
	g.ApplyDelta(note("Dup.md", ""))

	if got := g.Backlinks("Dup.md"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("backlinks(Dup.md) = %v", got)
	}
	if got := g.Backlinks("deep/dir/Dup.md"); len(got) != 0 {
		t.Errorf("stale backlink on deep/dir/Dup.md: %v", got)
	}
	verify(t, g)
}

func TestGraph_ApplyDeltaDiffs(t *testing.T) {
	g := New()
	g.ApplyDelta(note("B.md", ""))
	g.ApplyDelta(note("C.md", ""))
	d := g.ApplyDelta(note("A.md", "[[B]]"))
	if !reflect.DeepEqual(d.Added, []string{"B.md"}) {
		t.Errorf("added = %v", d.Added)
	}
	d = g.ApplyDelta(note("A.md", "[[C]]"))
	if !reflect.DeepEqual(d.Added, []string{"C.md"}) || !reflect.DeepEqual(d.Removed, []string{"B.md"}) {
		t.Errorf("delta = %+v", d)
	}
	if got := g.Backlinks("B.md"); len(got) != 0 {
		t.Errorf("backlinks(B) = %v", got)
	}
	verify(t, g)
}

func TestGraph_Rename(t *testing.T) {
	g := New()
	g.ApplyDelta(note("A.md", "[[B]]"))
	g.ApplyDelta(note("B.md", "[[A]]"))

	if _, err := g.Rename("B.md", "C.md"); err != nil {
		t.Fatal(err)
	}
	if g.Has("B.md") || !g.Has("C.md") {
		t.Fatal("rename did not move the record")
	}
	if got := g.Backlinks("A.md"); !reflect.DeepEqual(got, []string{"C.md"}) {
		t.Errorf("C's outlinks lost: backlinks(A) = %v", got)
	}
	// A still says [[B]] until its text is rewritten.
	if got := g.Unresolved("A.md"); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("unresolved(A) = %v", got)
	}
	g.ApplyDelta(note("A.md", "[[C]]"))
	if got := g.Backlinks("C.md"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("backlinks(C) = %v", got)
	}
	if _, err := g.Rename("Nope.md", "X.md"); err == nil {
		t.Error("expected error renaming unknown note")
	}
	verify(t, g)
}

func TestGraph_Tags(t *testing.T) {
	g := New()
	g.ApplyDelta(note("A.md", "#project/alpha #Idea"))
	g.ApplyDelta(note("B.md", "#project"))
	if got := g.Tagged("project"); !reflect.DeepEqual(got, []string{"A.md", "B.md"}) {
		t.Errorf("tagged(project) = %v", got)
	}
	if got := g.Tagged("#idea"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("tagged(idea) = %v", got)
	}
	g.ApplyDelta(note("A.md", "no tags"))
	if got := g.Tagged("idea"); len(got) != 0 {
		t.Errorf("tag not dropped: %v", got)
	}
}

func TestGraph_PinBlocksNewEdges(t *testing.T) {
	g := New()
	g.ApplyDelta(note("B.md", ""))
	g.ApplyDelta(note("A.md", ""))
	g.Pin("B.md")

	// edges to other notes are not held back
	g.ApplyDelta(note("X.md", "[[A]]"))

	done := make(chan struct{})
	go func() {
		g.ApplyDelta(note("A.md", "[[B]]"))
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("ApplyDelta added an edge to a pinned note")
	case <-time.After(50 * time.Millisecond):
	}
	if got := g.Backlinks("B.md"); len(got) != 0 {
		t.Errorf("backlinks(B) while pinned = %v", got)
	}
	g.Unpin("B.md")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ApplyDelta still blocked after Unpin")
	}
	if got := g.Backlinks("B.md"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("backlinks(B) = %v", got)
	}
}

func TestGraph_IncrementalMatchesRebuild(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	names := []string{"A.md", "B.md", "dir/B.md", "C.md", "dir/sub/D.md", "E.md"}
	targets := []string{"A", "B", "dir/B", "c", "D", "E.md", "Missing", "./B", "sub/D"}

	g := New()
	live := map[string]*metadata.Note{}
	for step := 0; step < 400; step++ {
		id := names[rng.Intn(len(names))]
		switch rng.Intn(5) {
		case 0:
			g.Remove(id)
			delete(live, id)
		case 1:
			to := names[rng.Intn(len(names))]
			if _, ok := live[id]; ok && to != id && live[to] == nil {
				if _, err := g.Rename(id, to); err != nil {
					t.Fatalf("step %d: %v", step, err)
				}
				n := live[id].Clone()
				n.ID = to
				live[to] = n
				delete(live, id)
			}
		default:
			var b strings.Builder
			for k := rng.Intn(4); k > 0; k-- {
				fmt.Fprintf(&b, "[[%s]] ", targets[rng.Intn(len(targets))])
			}
			n := note(id, b.String())
			g.ApplyDelta(n)
			live[id] = n
		}
		if err := g.Verify(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}

	var all []*metadata.Note
	for _, n := range live {
		all = append(all, n)
	}
	fresh := New()
	fresh.RebuildAll(all)
	if !reflect.DeepEqual(g.Edges(), fresh.Edges()) {
		t.Errorf("incremental edges %v\nrebuilt edges %v", g.Edges(), fresh.Edges())
	}
	if !reflect.DeepEqual(g.AllUnresolved(), fresh.AllUnresolved()) {
		t.Errorf("incremental unresolved %v\nrebuilt %v", g.AllUnresolved(), fresh.AllUnresolved())
	}
}
