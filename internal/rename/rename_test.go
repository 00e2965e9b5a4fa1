package rename

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/checksum"
	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/graph"
	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/parser"
	"github.com/starford/bedrock/internal/transaction"
)

type memStore struct {
	mu        sync.Mutex
	files     map[string]string
	failWrite map[string]bool
	failMove  bool
}

func (m *memStore) Read(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, apperr.ErrNotFound)
	}
	return []byte(s), nil
}

func (m *memStore) Write(path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite[path] {
		return errors.New("disk full")
	}
	m.files[path] = string(content)
	return nil
}

func (m *memStore) Move(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMove {
		return errors.New("permission denied")
	}
	m.files[newPath] = m.files[oldPath]
	delete(m.files, oldPath)
	return nil
}

func setup(files map[string]string) (*graph.Graph, *memStore) {
	g := graph.New()
	for id, text := range files {
		g.ApplyDelta(metadata.Index(id, parser.Parse(text), 1))
	}
	return g, &memStore{files: files, failWrite: map[string]bool{}}
}

func TestRename_RewritesReferrers(t *testing.T) {
	g, store := setup(map[string]string{
		"A.md": "see [[B]]",
		"B.md": "body",
		"D.md": "[[B|alias]] and [[B#Sec]]",
	})
	var states []State
	p := New(g, store, WithObserver(func(_, _ string, s State) { states = append(states, s) }))

	res, err := p.Rename(context.Background(), "B.md", "C.md")
	if err != nil {
		t.Fatal(err)
	}
	if got := store.files["A.md"]; got != "see [[C]]" {
		t.Errorf("A = %q", got)
	}
	if got := store.files["D.md"]; got != "[[C|alias]] and [[C#Sec]]" {
		t.Errorf("D = %q", got)
	}
	if _, ok := store.files["B.md"]; ok {
		t.Error("B.md still on disk")
	}
	if got := g.Backlinks("C.md"); !reflect.DeepEqual(got, []string{"A.md", "D.md"}) {
		t.Errorf("backlinks(C) = %v", got)
	}
	if got := g.Backlinks("B.md"); len(got) != 0 {
		t.Errorf("backlinks(B) = %v", got)
	}
	if !reflect.DeepEqual(res.Done, []string{"A.md", "D.md"}) || res.State != Done {
		t.Errorf("result = %+v", res)
	}
	want := []State{Planning, Rewriting, Committing, Done}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("transitions = %v, want %v", states, want)
	}
	if err := g.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestRename_LinkStyles(t *testing.T) {
	cases := []struct {
		name, from, text, old, new, want string
	}{
		{"stem", "A.md", "[[B]]", "B.md", "sub/C.md", "[[C]]"},
		{"path", "A.md", "[[notes/B]]", "notes/B.md", "archive/B2.md", "[[archive/B2]]"},
		{"keeps .md", "A.md", "[[B.md]]", "B.md", "C.md", "[[C.md]]"},
		{"vault absolute", "x/A.md", "[[/B]]", "B.md", "y/C.md", "[[/y/C]]"},
		{"embed", "A.md", "![[B#^id]]", "B.md", "C.md", "![[C#^id]]"},
		{"markdown", "A.md", "[t](B.md)", "B.md", "new name.md", "[t](new%20name.md)"},
		{"markdown angle", "A.md", "[t](<B.md>)", "B.md", "new name.md", "[t](<new name.md>)"},
		{"markdown relative", "x/A.md", "[t](../B.md#h)", "B.md", "y/C.md", "[t](../y/C.md#h)"},
		{"folder relative", "x/A.md", "[[sub/B]]", "x/sub/B.md", "x/sub/C.md", "[[sub/C]]"},
		{"vault path from folder", "x/A.md", "[[sub/B]]", "sub/B.md", "sub/C.md", "[[sub/C]]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, store := setup(map[string]string{tc.from: tc.text, tc.old: ""})
			if _, err := New(g, store).Rename(context.Background(), tc.old, tc.new); err != nil {
				t.Fatal(err)
			}
			if got := store.files[tc.from]; got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
			if got := g.Backlinks(tc.new); !reflect.DeepEqual(got, []string{tc.from}) {
				t.Errorf("backlinks(%s) = %v", tc.new, got)
			}
		})
	}
}

func TestRename_FolderLinkShadowedByVaultPath(t *testing.T) {
	g, store := setup(map[string]string{
		"x/A.md":     "[[sub/B]]",
		"x/sub/B.md": "",
		"sub/C.md":   "",
	})
	if _, err := New(g, store).Rename(context.Background(), "x/sub/B.md", "x/sub/C.md"); err != nil {
		t.Fatal(err)
	}
	if got := store.files["x/A.md"]; got != "[[./sub/C]]" {
		t.Errorf("x/A.md = %q", got)
	}
	if got := g.Backlinks("x/sub/C.md"); !reflect.DeepEqual(got, []string{"x/A.md"}) {
		t.Errorf("backlinks = %v", got)
	}
	if got := g.Backlinks("sub/C.md"); len(got) != 0 {
		t.Errorf("vault note gained backlinks %v", got)
	}
}

func TestRename_CommittedRecordsCarryChecksum(t *testing.T) {
	g, store := setup(map[string]string{
		"A.md": "see [[B]]",
		"B.md": "body",
	})
	if _, err := New(g, store).Rename(context.Background(), "B.md", "C.md"); err != nil {
		t.Fatal(err)
	}
	n, ok := g.Note("A.md")
	if !ok {
		t.Fatal("A.md missing from graph")
	}
	if want := checksum.String(store.files["A.md"]); n.Checksum != want {
		t.Errorf("checksum = %q, want %q", n.Checksum, want)
	}
}

func TestRename_StemFallsBackToPathWhenAmbiguous(t *testing.T) {
	g, store := setup(map[string]string{
		"A.md":       "[[B]]",
		"B.md":       "",
		"other/C.md": "",
	})
	if _, err := New(g, store).Rename(context.Background(), "B.md", "dir/C.md"); err != nil {
		t.Fatal(err)
	}
	if got := store.files["A.md"]; got != "[[dir/C]]" {
		t.Errorf("A = %q", got)
	}
	if got := g.Backlinks("dir/C.md"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("backlinks = %v", got)
	}
}

func TestRename_SelfLink(t *testing.T) {
	g, store := setup(map[string]string{"B.md": "I am [[B]]"})
	if _, err := New(g, store).Rename(context.Background(), "B.md", "C.md"); err != nil {
		t.Fatal(err)
	}
	if got := store.files["C.md"]; got != "I am [[C]]" {
		t.Errorf("C = %q", got)
	}
	if got := g.Backlinks("C.md"); !reflect.DeepEqual(got, []string{"C.md"}) {
		t.Errorf("backlinks = %v", got)
	}
}

func TestRename_LeavesOtherLinksAlone(t *testing.T) {
	g, store := setup(map[string]string{
		"A.md":   "[[B]] [[Bee]] [[Missing]] `[[B]]`",
		"B.md":   "",
		"Bee.md": "",
	})
	if _, err := New(g, store).Rename(context.Background(), "B.md", "C.md"); err != nil {
		t.Fatal(err)
	}
	if got := store.files["A.md"]; got != "[[C]] [[Bee]] [[Missing]] `[[B]]`" {
		t.Errorf("A = %q", got)
	}
}

func TestRename_PartialFailure(t *testing.T) {
	g, store := setup(map[string]string{
		"A.md": "[[B]]",
		"B.md": "",
		"D.md": "[[B]]",
	})
	store.failWrite["D.md"] = true
	p := New(g, store)

	res, err := p.Rename(context.Background(), "B.md", "C.md")
	if !errors.Is(err, apperr.ErrRenamePartialFailure) {
		t.Fatalf("err = %v, want partial failure", err)
	}
	var pf *PartialFailureError
	if !errors.As(err, &pf) || len(pf.Failed) != 1 || pf.Failed["D.md"] == "" {
		t.Fatalf("failed = %+v", pf)
	}
	if res.State != Failed || p.State() != Failed {
		t.Errorf("state = %v", res.State)
	}
	if !reflect.DeepEqual(res.Done, []string{"A.md"}) {
		t.Errorf("done = %v", res.Done)
	}
	if store.files["A.md"] != "[[C]]" || store.files["D.md"] != "[[B]]" {
		t.Errorf("disk = %v", store.files)
	}
	// The graph mirrors disk: D still links to a missing B.
	if got := g.Unresolved("D.md"); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("unresolved(D) = %v", got)
	}
	if got := g.Backlinks("C.md"); !reflect.DeepEqual(got, []string{"A.md"}) {
		t.Errorf("backlinks(C) = %v", got)
	}

	// Retrying the failed subset by hand completes the rename.
	store.failWrite = map[string]bool{}
	store.files["D.md"] = "[[C]]"
	g.ApplyDelta(metadata.Index("D.md", parser.Parse("[[C]]"), 2))
	if got := g.Backlinks("C.md"); !reflect.DeepEqual(got, []string{"A.md", "D.md"}) {
		t.Errorf("backlinks after retry = %v", got)
	}
}

func TestRename_MoveFailureWritesNothing(t *testing.T) {
	g, store := setup(map[string]string{"A.md": "[[B]]", "B.md": ""})
	store.failMove = true
	res, err := New(g, store).Rename(context.Background(), "B.md", "C.md")
	if err == nil {
		t.Fatal("expected error")
	}
	if store.files["A.md"] != "[[B]]" {
		t.Errorf("A rewritten despite failed move: %q", store.files["A.md"])
	}
	if res.Failed["B.md"] == "" || res.Failed["A.md"] == "" {
		t.Errorf("failed = %v", res.Failed)
	}
	if !g.Has("B.md") || g.Has("C.md") {
		t.Error("graph changed after failed move")
	}
}

func TestRename_Preconditions(t *testing.T) {
	g, store := setup(map[string]string{"A.md": "", "B.md": ""})
	p := New(g, store)
	if _, err := p.Rename(context.Background(), "X.md", "Y.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown source: %v", err)
	}
	if _, err := p.Rename(context.Background(), "A.md", "B.md"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("existing target: %v", err)
	}
	res, err := p.Rename(context.Background(), "A.md", "A.md")
	if err != nil || res.State != Done {
		t.Errorf("same name: %+v, %v", res, err)
	}
}

type fakeWorkspace struct {
	store   *memStore
	docs    map[string]*document.State
	renamed [2]string
}

func (w *fakeWorkspace) State(id string) (*document.State, bool) {
	st, ok := w.docs[id]
	return st, ok
}

func (w *fakeWorkspace) Apply(id string, tx transaction.Transaction) (*document.State, error) {
	st, ok := w.docs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	next, err := transaction.Apply(st, tx)
	if err != nil {
		return nil, err
	}
	w.docs[id] = next
	return next, nil
}

func (w *fakeWorkspace) Save(id string) (*document.State, error) {
	st, ok := w.docs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return st, w.store.Write(id, []byte(st.Text()))
}

func (w *fakeWorkspace) Rename(oldID, newID string) error {
	w.renamed = [2]string{oldID, newID}
	if st, ok := w.docs[oldID]; ok {
		delete(w.docs, oldID)
		w.docs[newID] = st
	}
	return nil
}

func TestRename_OpenDocumentUsesLiveText(t *testing.T) {
	g, store := setup(map[string]string{"A.md": "[[B]]", "B.md": ""})
	// The open buffer has unsaved edits that the disk copy lacks.
	ws := &fakeWorkspace{store: store, docs: map[string]*document.State{"A.md": document.NewAt("new line\n[[B]]", 4)}}
	if _, err := New(g, store, WithWorkspace(ws)).Rename(context.Background(), "B.md", "C.md"); err != nil {
		t.Fatal(err)
	}
	if got := ws.docs["A.md"].Text(); got != "new line\n[[C]]" {
		t.Errorf("open doc = %q", got)
	}
	if ws.docs["A.md"].Version() != 5 {
		t.Errorf("version = %d, want 5", ws.docs["A.md"].Version())
	}
	if store.files["A.md"] != "new line\n[[C]]" {
		t.Errorf("disk = %q", store.files["A.md"])
	}
	if ws.renamed != [2]string{"B.md", "C.md"} {
		t.Errorf("workspace rename = %v", ws.renamed)
	}
}

func TestRename_StaleOpenDocumentFails(t *testing.T) {
	g, store := setup(map[string]string{"A.md": "[[B]]", "B.md": ""})
	ws := &fakeWorkspace{store: store, docs: map[string]*document.State{"A.md": document.New("[[B]]")}}
	p := New(g, store, WithWorkspace(ws), WithObserver(func(_, _ string, s State) {
		if s == Committing {
			// a keystroke lands between planning and commit
			ws.docs["A.md"], _ = transaction.Apply(ws.docs["A.md"], transaction.New(1, transaction.Change{From: 0, To: 0, Insert: "x"}))
		}
	}))
	_, err := p.Rename(context.Background(), "B.md", "C.md")
	if !errors.Is(err, apperr.ErrRenamePartialFailure) {
		t.Fatalf("err = %v", err)
	}
	if ws.docs["A.md"].Text() != "x[[B]]" {
		t.Errorf("open doc = %q", ws.docs["A.md"].Text())
	}
}

func TestRename_Completeness(t *testing.T) {
	files := map[string]string{"Target.md": "", "Other.md": ""}
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("n%02d.md", i)] = fmt.Sprintf("[[Target]] and [[Other]] %d [[Target#h%d]]", i, i)
	}
	g, store := setup(files)
	if _, err := New(g, store).Rename(context.Background(), "Target.md", "Renamed.md"); err != nil {
		t.Fatal(err)
	}
	for id, text := range store.files {
		n := metadata.Index(id, parser.Parse(text), 1)
		for _, l := range n.Outlinks {
			if l.Path == "Target" {
				t.Errorf("%s still links to Target", id)
			}
		}
	}
	if got := len(g.Backlinks("Renamed.md")); got != 20 {
		t.Errorf("backlinks = %d, want 20", got)
	}
	if got := len(g.Backlinks("Other.md")); got != 20 {
		t.Errorf("Other backlinks = %d", got)
	}
}
