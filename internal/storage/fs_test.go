package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/bedrock/internal/apperr"
)

func tempVault(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return store
}

func TestWriteAndRead(t *testing.T) {
	s := tempVault(t)
	content := []byte("# Hello\nWorld\n")
	if err := s.Write("note.md", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("note.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempVault(t)
	if err := s.Write("a/b/c.md", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("del.md", []byte("bye"))
	if err := s.Delete("del.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.md"); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestMove(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("old.md", []byte("data"))
	if err := s.Move("old.md", "sub/new.md"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := s.Read("sub/new.md")
	if err != nil {
		t.Fatalf("Read after move: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if _, err := s.Read("old.md"); err == nil {
		t.Error("old path should not exist")
	}
}

func TestList(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("sub/b.md", []byte("b"))
	_ = s.Write("readme.txt", []byte("not md"))
	_ = s.Write(".obsidian/workspace.md", []byte("hidden"))
	_ = s.Write(".draft.md", []byte("hidden"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(items), items)
	}
	paths := map[string]bool{}
	for _, it := range items {
		paths[it.Path] = true
		if it.Checksum == "" || it.Size == 0 {
			t.Errorf("incomplete entry %+v", it)
		}
	}
	if !paths["a.md"] || !paths["sub/b.md"] {
		t.Errorf("paths = %v", paths)
	}
}

func TestMoveRefusesOverwrite(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("b.md", []byte("b"))
	if err := s.Move("a.md", "b.md"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Fatalf("Move onto existing file: %v", err)
	}
	got, _ := s.Read("b.md")
	if string(got) != "b" {
		t.Errorf("b.md overwritten: %q", got)
	}
}

func TestReadMissingIsNotExist(t *testing.T) {
	s := tempVault(t)
	if _, err := s.Read("missing.md"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v", err)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempVault(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.md",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteNoCorruption(t *testing.T) {
	// Verify that if we read during a write the old content is intact
	// (the rename is atomic on POSIX).
	s := tempVault(t)
	original := []byte("original content")
	_ = s.Write("atomic.md", original)

	// Overwrite with new content.
	updated := []byte("updated content")
	if err := s.Write("atomic.md", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.md")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	// Confirm no leftover temp files.
	matches, _ := filepath.Glob(filepath.Join(s.root, TempPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/bedrock-does-not-exist-" + t.Name())
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "bedrock-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestWriteKeepsPermissions(t *testing.T) {
	s := tempVault(t)
	if err := s.Write("new.md", []byte("x")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(s.Root(), "new.md"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("new file mode = %v, want 0644", info.Mode().Perm())
	}

	if err := os.Chmod(filepath.Join(s.Root(), "new.md"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("new.md", []byte("y")); err != nil {
		t.Fatal(err)
	}
	info, _ = os.Stat(filepath.Join(s.Root(), "new.md"))
	if info.Mode().Perm() != 0o600 {
		t.Errorf("rewritten file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestMoveAndDeletePruneEmptyDirs(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("a/b/note.md", []byte("n"))
	_ = s.Write("a/keep.md", []byte("k"))

	if err := s.Move("a/b/note.md", "c/note.md"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "a", "b")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("a/b should be removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "a")); err != nil {
		t.Errorf("a still holds keep.md: %v", err)
	}

	if err := s.Delete("c/note.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "c")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("c should be removed: %v", err)
	}
	if _, err := os.Stat(s.Root()); err != nil {
		t.Errorf("root must survive: %v", err)
	}
}

func TestListMissingDirIsEmpty(t *testing.T) {
	s := tempVault(t)
	items, err := s.List("nope")
	if err != nil || len(items) != 0 {
		t.Errorf("List(missing) = %v, %v", items, err)
	}
}

func TestRootIsNotAFile(t *testing.T) {
	s := tempVault(t)
	if err := s.Write("", []byte("x")); !errors.Is(err, apperr.ErrInvalidPath) {
		t.Errorf("Write(root) = %v", err)
	}
	if err := s.Delete(""); !errors.Is(err, apperr.ErrInvalidPath) {
		t.Errorf("Delete(root) = %v", err)
	}
	if err := s.Write("../x.md", []byte("x")); !errors.Is(err, apperr.ErrInvalidPath) {
		t.Errorf("Write(traversal) = %v", err)
	}
}
