package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/bedrock/internal/index"
	"github.com/starford/bedrock/internal/models"
	"github.com/starford/bedrock/internal/noteservice"
	"github.com/starford/bedrock/internal/storage"
	"github.com/starford/bedrock/internal/testutil"
)

// 1x1 transparent PNG.
const pngBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func testServer(t *testing.T, files map[string]string) (*Server, storage.Provider) {
	t.Helper()
	_, store := testutil.TestVault(t, files)
	db := testutil.TestDB(t)

	svc := noteservice.New(store, db,
		noteservice.WithLogger(testutil.Logger()),
		noteservice.WithDebounce(10*time.Millisecond),
	)
	notes, err := index.Sync(context.Background(), db, store, 2, testutil.Logger())
	if err != nil {
		t.Fatal(err)
	}
	svc.Load(notes)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return New(svc, store), store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"search_notes":      srv.searchNotes,
		"read_note":         srv.readNote,
		"create_note":       srv.createNote,
		"update_note":       srv.updateNote,
		"rename_note":       srv.renameNote,
		"list_notes":        srv.listNotes,
		"get_metadata":      srv.getMetadata,
		"get_backlinks":     srv.getBacklinks,
		"get_outlinks":      srv.getOutlinks,
		"get_unresolved":    srv.getUnresolved,
		"apply_changes":     srv.applyChanges,
		"get_note_contract": srv.getNoteContract,
		"upload_asset":      srv.uploadAsset,
	}
	h, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// settle waits until the background indexer has caught up.
func settle(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestCreateAndReadNote(t *testing.T) {
	srv, _ := testServer(t, nil)

	r := callTool(t, srv, "create_note", map[string]any{
		"path":    "test.md",
		"content": "# Test\nHello",
	})
	if text := resultText(r); text != "created: test.md" {
		t.Errorf("create result = %q", text)
	}

	r = callTool(t, srv, "read_note", map[string]any{"path": "test.md"})
	var n models.Note
	if err := json.Unmarshal([]byte(resultText(r)), &n); err != nil {
		t.Fatalf("decode: %v (%q)", err, resultText(r))
	}
	if n.Content != "# Test\nHello" || n.Title != "Test" {
		t.Errorf("read = %+v", n)
	}

	r = callTool(t, srv, "create_note", map[string]any{"path": "test.md", "content": "again"})
	if !r.IsError {
		t.Error("expected error for duplicate note")
	}
}

func TestCreateNoteRejectsBadPath(t *testing.T) {
	srv, _ := testServer(t, nil)
	for _, p := range []string{"../escape.md", "notes.txt", ".hidden.md"} {
		r := callTool(t, srv, "create_note", map[string]any{"path": p, "content": "x"})
		if !r.IsError {
			t.Errorf("create %q: expected error", p)
		}
	}
}

func TestUpdateNoteChecksum(t *testing.T) {
	srv, _ := testServer(t, map[string]string{"a.md": "one"})

	r := callTool(t, srv, "update_note", map[string]any{"path": "a.md", "content": "two", "checksum": "nope"})
	if !r.IsError {
		t.Fatal("expected conflict for wrong checksum")
	}
	r = callTool(t, srv, "update_note", map[string]any{"path": "a.md", "content": "two"})
	if r.IsError || !strings.HasPrefix(resultText(r), "updated: a.md") {
		t.Fatalf("update = %q", resultText(r))
	}
}

func TestListNotes(t *testing.T) {
	srv, _ := testServer(t, map[string]string{
		"a.md": "#work a",
		"b.md": "b",
	})

	r := callTool(t, srv, "list_notes", map[string]any{})
	text := resultText(r)
	if !strings.Contains(text, "a.md") || !strings.Contains(text, "b.md") {
		t.Errorf("list = %q", text)
	}

	r = callTool(t, srv, "list_notes", map[string]any{"tag": "work"})
	text = resultText(r)
	if !strings.Contains(text, "a.md") || strings.Contains(text, "b.md") {
		t.Errorf("list by tag = %q", text)
	}
}

func TestSearchNotes(t *testing.T) {
	srv, _ := testServer(t, map[string]string{
		"a.md": "the quick brown fox",
		"b.md": "lazy dog",
	})
	r := callTool(t, srv, "search_notes", map[string]any{"query": "brown"})
	var hits []index.SearchResult
	if err := json.Unmarshal([]byte(resultText(r)), &hits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hits) != 1 || hits[0].Path != "a.md" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv, _ := testServer(t, nil)
	r := callTool(t, srv, "read_note", map[string]any{"path": "nope.md"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestLinkTools(t *testing.T) {
	srv, _ := testServer(t, map[string]string{
		"a.md": "links to [[b]] and [[ghost]]",
		"b.md": "b",
	})

	tests := []struct {
		tool string
		path string
		want string
	}{
		{"get_backlinks", "b.md", "a.md"},
		{"get_outlinks", "a.md", "b.md"},
		{"get_unresolved", "a.md", "ghost"},
		{"get_backlinks", "a.md", "no backlinks found"},
	}
	for _, tt := range tests {
		r := callTool(t, srv, tt.tool, map[string]any{"path": tt.path})
		if got := resultText(r); got != tt.want {
			t.Errorf("%s(%s) = %q, want %q", tt.tool, tt.path, got, tt.want)
		}
	}

	r := callTool(t, srv, "get_metadata", map[string]any{"path": "a.md"})
	var m noteservice.NoteMetadata
	if err := json.Unmarshal([]byte(resultText(r)), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Note == nil || len(m.Note.Outlinks) != 2 {
		t.Errorf("metadata = %+v", m.Note)
	}
}

func TestRenameNote(t *testing.T) {
	srv, store := testServer(t, map[string]string{
		"a.md": "a",
		"b.md": "see [[a|the a]]",
	})

	r := callTool(t, srv, "rename_note", map[string]any{"old": "a.md", "new": "sub/z.md"})
	if r.IsError {
		t.Fatalf("rename: %s", resultText(r))
	}
	data, err := store.Read("b.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "see [[z|the a]]" {
		t.Errorf("b.md = %q", data)
	}

	r = callTool(t, srv, "rename_note", map[string]any{"old": "missing.md", "new": "x.md"})
	if !r.IsError {
		t.Error("expected error renaming a missing note")
	}
}

func TestApplyChanges(t *testing.T) {
	srv, store := testServer(t, map[string]string{
		"a.md": "hello",
		"b.md": "b",
	})

	r := callTool(t, srv, "apply_changes", map[string]any{
		"path":    "a.md",
		"version": 1,
		"changes": `[{"from":5,"to":5,"insert":" [[b]]"}]`,
	})
	if r.IsError {
		t.Fatalf("apply: %s", resultText(r))
	}
	var doc noteservice.Document
	if err := json.Unmarshal([]byte(resultText(r)), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Text != "hello [[b]]" || doc.Version != 2 || !doc.Dirty {
		t.Errorf("doc = %+v", doc)
	}

	settle(t, srv)
	r = callTool(t, srv, "get_backlinks", map[string]any{"path": "b.md"})
	if got := resultText(r); got != "a.md" {
		t.Errorf("backlinks after edit = %q", got)
	}

	// Same version again is stale.
	r = callTool(t, srv, "apply_changes", map[string]any{
		"path":    "a.md",
		"version": 1,
		"changes": `[{"from":0,"to":0,"insert":"x"}]`,
	})
	if !r.IsError {
		t.Error("expected stale version error")
	}

	r = callTool(t, srv, "apply_changes", map[string]any{
		"path":    "a.md",
		"version": 2,
		"changes": `[{"from":0,"to":0,"insert":"# "}]`,
		"save":    "true",
	})
	if r.IsError {
		t.Fatalf("apply+save: %s", resultText(r))
	}
	data, _ := store.Read("a.md")
	if string(data) != "# hello [[b]]" {
		t.Errorf("a.md on disk = %q", data)
	}

	r = callTool(t, srv, "apply_changes", map[string]any{
		"path":    "a.md",
		"version": 3,
		"changes": `not json`,
	})
	if !r.IsError {
		t.Error("expected error for malformed changes")
	}
}

func TestNoteContract(t *testing.T) {
	srv, _ := testServer(t, nil)
	r := callTool(t, srv, "get_note_contract", map[string]any{})
	if !strings.Contains(resultText(r), "[[note]]") {
		t.Error("contract missing wikilink section")
	}
}

func TestUploadAssetDataURI(t *testing.T) {
	srv, store := testServer(t, nil)

	r := callTool(t, srv, "upload_asset", map[string]any{
		"url":      "data:image/png;base64," + pngBase64,
		"filename": "pixel.png",
	})
	if r.IsError {
		t.Fatalf("upload: %s", resultText(r))
	}
	var res uploadResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if res.SavedPath != "/attachments/pixel.png" || res.MarkdownImage != "![pixel.png](/attachments/pixel.png)" {
		t.Errorf("result = %+v", res)
	}
	want, _ := base64.StdEncoding.DecodeString(pngBase64)
	got, err := store.Read("attachments/pixel.png")
	if err != nil || string(got) != string(want) {
		t.Errorf("stored asset mismatch: %v", err)
	}

	r = callTool(t, srv, "upload_asset", map[string]any{
		"url":      "data:image/png;base64," + pngBase64,
		"filename": "pixel.png",
	})
	if !r.IsError {
		t.Error("expected error for existing file")
	}
}

func TestUploadAssetGeneratedName(t *testing.T) {
	srv, _ := testServer(t, nil)
	r := callTool(t, srv, "upload_asset", map[string]any{
		"url": "data:image/png;base64," + pngBase64,
	})
	if r.IsError {
		t.Fatalf("upload: %s", resultText(r))
	}
	var res uploadResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.SavedPath, "/attachments/") || !strings.HasSuffix(res.SavedPath, ".png") {
		t.Errorf("saved path = %q", res.SavedPath)
	}
}

func TestUploadAssetRejects(t *testing.T) {
	srv, _ := testServer(t, nil)
	tests := []struct {
		name string
		args map[string]any
	}{
		{"wrong magic", map[string]any{"url": "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("plain text")), "filename": "x.png"}},
		{"bad extension", map[string]any{"url": "data:image/png;base64," + pngBase64, "filename": "x.exe"}},
		{"note extension", map[string]any{"url": "data:image/png;base64," + pngBase64, "filename": "x.md"}},
		{"not base64", map[string]any{"url": "data:image/png,raw", "filename": "x.png"}},
		{"loopback", map[string]any{"url": "http://127.0.0.1/x.png"}},
		{"scheme", map[string]any{"url": "ftp://example.com/x.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := callTool(t, srv, "upload_asset", tt.args)
			if !r.IsError {
				t.Errorf("expected error, got %q", resultText(r))
			}
		})
	}
}

func TestAssetName(t *testing.T) {
	tests := []struct {
		requested string
		a         asset
		want      string
	}{
		{"my pic.png", asset{}, "my_pic.png"},
		{"../../etc/x.png", asset{}, "x.png"},
		{"", asset{name: "photo.jpg"}, "photo.jpg"},
		{`dir\evil.gif`, asset{}, "evil.gif"},
	}
	for _, tt := range tests {
		got, err := assetName(tt.requested, &tt.a)
		if err != nil || got != tt.want {
			t.Errorf("assetName(%q) = %q, %v; want %q", tt.requested, got, err, tt.want)
		}
	}
	if _, err := assetName("", &asset{mime: "text/plain"}); err == nil {
		t.Error("expected error for unknown type without filename")
	}
}
