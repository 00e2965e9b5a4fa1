//go:build sqlite_fts5

package index

import (
	"testing"
)

func TestFTS5_TableExists(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM notes_fts`).Scan(&count); err != nil {
		t.Fatalf("notes_fts table missing: %v", err)
	}
}

func TestFTS5_SearchWithSnippet(t *testing.T) {
	db := testDB(t)
	upsert(t, db, "fts.md", "# FTS Note\nBedrock keeps a powerful backlink graph.")

	results, err := db.Search("powerful", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Path != "fts.md" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Snippet == "" {
		t.Error("expected non-empty snippet")
	}
}

func TestFTS5_DeleteAndRename(t *testing.T) {
	db := testDB(t)
	upsert(t, db, "gone.md", "vanishing content")
	upsert(t, db, "moved.md", "travelling content")
	_ = db.DeleteNote("gone.md")
	if err := db.RenameNote("moved.md", "there.md"); err != nil {
		t.Fatal(err)
	}

	if results, _ := db.Search("vanishing", 10); len(results) != 0 {
		t.Errorf("deleted note still in FTS index: %+v", results)
	}
	results, _ := db.Search("travelling", 10)
	if len(results) != 1 || results[0].Path != "there.md" {
		t.Errorf("renamed note = %+v", results)
	}
}

func TestFTS5_UpsertReplacesContent(t *testing.T) {
	db := testDB(t)
	upsert(t, db, "evo.md", "# Old\noriginal text")
	upsert(t, db, "evo.md", "# New\nreplacement text")

	if results, _ := db.Search("original", 10); len(results) != 0 {
		t.Error("old FTS content should be gone")
	}
	results, _ := db.Search("replacement", 10)
	if len(results) != 1 || results[0].Title != "New" {
		t.Errorf("FTS not updated: %+v", results)
	}
}
