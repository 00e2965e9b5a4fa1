package indexer

import (
	"context"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/graph"
	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/parser"
	"github.com/starford/bedrock/internal/transaction"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type recorder struct {
	mu      sync.Mutex
	indexed []Result
	removed []string
}

func (r *recorder) onIndexed(res Result) {
	r.mu.Lock()
	r.indexed = append(r.indexed, res)
	r.mu.Unlock()
}

func (r *recorder) onRemoved(id string, _ graph.Delta) {
	r.mu.Lock()
	r.removed = append(r.removed, id)
	r.mu.Unlock()
}

func (r *recorder) versions(id string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, res := range r.indexed {
		if res.Note.ID == id {
			out = append(out, res.Note.Version)
		}
	}
	return out
}

func startIndexer(t *testing.T, g *graph.Graph, opts ...Option) (*Indexer, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithDebounce(0), WithOnIndexed(rec.onIndexed), WithOnRemoved(rec.onRemoved)}, opts...)
	ix := New(g, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ix.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ix, rec
}

func wait(t *testing.T, ix *Indexer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ix.Wait(ctx); err != nil {
		t.Fatalf("indexer did not go idle: %v", err)
	}
}

func TestIndexer_IndexesIntoGraph(t *testing.T) {
	g := graph.New()
	ix, rec := startIndexer(t, g)
	ix.Reset("A.md", document.New("see [[B]] #tag"))
	ix.Reset("B.md", document.New("# B"))
	wait(t, ix)

	if got := g.Backlinks("B.md"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("backlinks(B) = %v", got)
	}
	n, ok := g.Note("A.md")
	if !ok || n.Checksum == "" || !reflect.DeepEqual(n.Tags, []string{"tag"}) {
		t.Errorf("note = %+v", n)
	}
	if len(rec.versions("A.md")) != 1 {
		t.Errorf("A indexed %d times", len(rec.versions("A.md")))
	}
}

func TestIndexer_SupersedesPendingJob(t *testing.T) {
	g := graph.New()
	ix, rec := startIndexer(t, g, WithDebounce(100*time.Millisecond))

	st := document.New("[[B]]")
	ix.Reset("A.md", st)
	for _, ins := range []string{" [[C]]", " [[D]]"} {
		tx := transaction.New(st.Version(), transaction.Change{From: st.Len(), To: st.Len(), Insert: ins})
		next, err := transaction.Apply(st, tx)
		if err != nil {
			t.Fatal(err)
		}
		ix.Update("A.md", next, tx)
		st = next
	}
	wait(t, ix)

	if got := rec.versions("A.md"); !reflect.DeepEqual(got, []uint64{3}) {
		t.Errorf("indexed versions = %v, want only [3]", got)
	}
	n, _ := g.Note("A.md")
	if n.Version != 3 || len(n.Outlinks) != 3 {
		t.Errorf("graph holds %+v", n)
	}
}

func TestIndexer_IncrementalMatchesFullParse(t *testing.T) {
	g := graph.New()
	ix, rec := startIndexer(t, g)
	rng := rand.New(rand.NewSource(13))

	st := document.New("---\ntags: [a]\n---\n# Title\n```go\ncode\n```\n\n[[Link]] text\n")
	ix.Reset("n.md", st)
	wait(t, ix)
	pieces := []string{"x", "[[", "]]", "\n", "`", "#t ", "```", "$$", " "}
	for step := 0; step < 200; step++ {
		from := rng.Intn(st.Len() + 1)
		to := min(st.Len(), from+rng.Intn(3))
		tx := transaction.New(st.Version(), transaction.Change{From: from, To: to, Insert: pieces[rng.Intn(len(pieces))]})
		next, err := transaction.Apply(st, tx)
		if err != nil {
			t.Fatal(err)
		}
		ix.Update("n.md", next, tx)
		st = next
		if step%7 == 0 {
			wait(t, ix)
		}
	}
	wait(t, ix)

	rec.mu.Lock()
	last := rec.indexed[len(rec.indexed)-1]
	rec.mu.Unlock()
	if last.Note.Version != st.Version() {
		t.Fatalf("last indexed version %d, want %d", last.Note.Version, st.Version())
	}
	full := parser.Parse(st.Text())
	if !parser.Equal(last.Tree.Root, full.Root) {
		t.Errorf("incremental tree differs from full parse\nincremental:\n%s\nfull:\n%s", last.Tree.Dump(), full.Dump())
	}
	want := metadata.Index("n.md", full, st.Version())
	got, _ := g.Note("n.md")
	if len(got.Outlinks) != len(want.Outlinks) {
		t.Fatalf("outlinks = %v, want %v", got.Outlinks, want.Outlinks)
	}
	for i := range want.Outlinks {
		if got.Outlinks[i].Raw != want.Outlinks[i].Raw || got.Outlinks[i].Target != want.Outlinks[i].Target {
			t.Errorf("outlink %d = %+v, want %+v", i, got.Outlinks[i], want.Outlinks[i])
		}
	}
}

func TestIndexer_Remove(t *testing.T) {
	g := graph.New()
	ix, rec := startIndexer(t, g)
	ix.Reset("A.md", document.New("[[B]]"))
	ix.Reset("B.md", document.New(""))
	ix.Remove("B.md")
	wait(t, ix)

	if g.Has("B.md") {
		t.Error("B.md still in graph")
	}
	if got := g.Unresolved("A.md"); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("unresolved(A) = %v", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !reflect.DeepEqual(rec.removed, []string{"B.md"}) {
		t.Errorf("removed = %v", rec.removed)
	}
}

func TestIndexer_RenameKeepsQueue(t *testing.T) {
	g := graph.New()
	ix, rec := startIndexer(t, g)
	st := document.New("text")
	ix.Reset("old.md", st)
	wait(t, ix)
	if _, err := g.Rename("old.md", "new.md"); err != nil {
		t.Fatal(err)
	}
	ix.Rename("old.md", "new.md")

	tx := transaction.New(st.Version(), transaction.Change{From: 4, To: 4, Insert: " [[old]]"})
	next, _ := transaction.Apply(st, tx)
	ix.Update("new.md", next, tx)
	wait(t, ix)

	if g.Has("old.md") {
		t.Error("old id came back")
	}
	n, ok := g.Note("new.md")
	if !ok || n.Version != 2 {
		t.Fatalf("new.md = %+v", n)
	}
	if got := rec.versions("new.md"); !reflect.DeepEqual(got, []uint64{2}) {
		t.Errorf("new.md versions = %v", got)
	}
}

func TestIndexer_StopsWithContext(t *testing.T) {
	g := graph.New()
	ix := New(g, WithDebounce(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ix.Run(ctx)
		close(done)
	}()
	ix.Reset("A.md", document.New("x"))
	eventually(t, time.Second, 10*time.Millisecond, func() bool {
		wctx, wcancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer wcancel()
		return ix.Wait(wctx) != nil
	}, "indexer never became busy")
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if g.Has("A.md") {
		t.Error("cancelled job was merged")
	}
	wait(t, ix)
}

func TestIndexer_Refresh(t *testing.T) {
	g := graph.New()
	ix, rec := startIndexer(t, g)
	st := document.New("[[B]]")
	ix.Refresh("A.md", st)
	wait(t, ix)
	if got := rec.versions("A.md"); !reflect.DeepEqual(got, []uint64{1}) {
		t.Fatalf("versions after first refresh = %v", got)
	}

	// already current
	ix.Refresh("A.md", st)
	wait(t, ix)
	if got := rec.versions("A.md"); len(got) != 1 {
		t.Errorf("current note re-indexed: %v", got)
	}

	tx := transaction.New(st.Version(), transaction.Change{From: 5, To: 5, Insert: " [[C]]"})
	next, _ := transaction.Apply(st, tx)
	ix.Refresh("A.md", next)
	wait(t, ix)
	if got := rec.versions("A.md"); !reflect.DeepEqual(got, []uint64{1, 2}) {
		t.Errorf("versions = %v", got)
	}
}

func TestIndexer_RenameOntoExistingQueue(t *testing.T) {
	g := graph.New()
	ix, rec := startIndexer(t, g)
	ix.Reset("old.md", document.New("old"))
	ix.Reset("new.md", document.New("new [[x]]"))
	wait(t, ix)
	ix.Rename("old.md", "new.md")

	st := document.New("newer")
	ix.Reset("new.md", st)
	wait(t, ix)
	n, _ := g.Note("new.md")
	if n == nil || len(n.Outlinks) != 0 {
		t.Errorf("new.md = %+v", n)
	}
	if got := rec.versions("new.md"); len(got) != 2 {
		t.Errorf("new.md indexed %v", got)
	}
}
