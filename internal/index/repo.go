package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/metadata"
)

// NoteRow is the listing view of a cached note.
type NoteRow struct {
	Path      string    `json:"path"`
	Title     string    `json:"title"`
	Checksum  string    `json:"checksum"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResult represents one search hit.
type SearchResult struct {
	Path    string `json:"path"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// UpsertNote replaces the cached metadata, body and outlinks of n.ID in one
// transaction. n.Checksum identifies the text the metadata was built from.
func (db *DB) UpsertNote(n *metadata.Note, body string, updatedAt time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stored := n.Clone()
	for i := range stored.Outlinks {
		stored.Outlinks[i].Resolved = ""
	}
	meta, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("index: encode metadata %s: %w", n.ID, err)
	}
	tagsJSON, _ := json.Marshal(n.Tags)

	_, err = tx.Exec(`
		INSERT INTO notes (path, title, checksum, tags, meta, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title      = excluded.title,
			checksum   = excluded.checksum,
			tags       = excluded.tags,
			meta       = excluded.meta,
			body       = excluded.body,
			updated_at = excluded.updated_at
	`, n.ID, n.Title, n.Checksum, string(tagsJSON), string(meta), body, updatedAt)
	if err != nil {
		return fmt.Errorf("index: upsert note: %w", err)
	}

	if err := ftsUpsert(tx, n.ID, n.Title, body, n.Tags); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM outlinks WHERE source = ?`, n.ID); err != nil {
		return fmt.Errorf("index: clear outlinks: %w", err)
	}
	if len(n.Outlinks) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO outlinks (source, raw, path, kind, line) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare outlink insert: %w", err)
		}
		defer stmt.Close()
		for _, l := range n.Outlinks {
			if _, err := stmt.Exec(n.ID, l.Raw, l.Path, string(l.Kind), l.Line); err != nil {
				return fmt.Errorf("index: insert outlink: %w", err)
			}
		}
	}

	return tx.Commit()
}

// DeleteNote removes a note, its FTS entry, and outgoing links.
func (db *DB) DeleteNote(path string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := ftsDelete(tx, path); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM outlinks WHERE source = ?`, path); err != nil {
		return fmt.Errorf("index: delete outlinks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM notes WHERE path = ?`, path); err != nil {
		return fmt.Errorf("index: delete note: %w", err)
	}
	return tx.Commit()
}

// RenameNote moves a cached entry to a new path without re-parsing it.
func (db *DB) RenameNote(oldPath, newPath string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRow(`SELECT meta FROM notes WHERE path = ?`, oldPath).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("index: rename %s: %w", oldPath, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("index: rename %s: %w", oldPath, err)
	}
	var n metadata.Note
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return fmt.Errorf("index: decode metadata %s: %w", oldPath, err)
	}
	n.ID = newPath
	meta, err := json.Marshal(&n)
	if err != nil {
		return fmt.Errorf("index: encode metadata %s: %w", newPath, err)
	}

	if _, err := tx.Exec(`DELETE FROM outlinks WHERE source = ?`, newPath); err != nil {
		return fmt.Errorf("index: clear outlinks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM notes WHERE path = ?`, newPath); err != nil {
		return fmt.Errorf("index: clear target: %w", err)
	}
	if _, err := tx.Exec(`UPDATE notes SET path = ?, meta = ? WHERE path = ?`, newPath, string(meta), oldPath); err != nil {
		return fmt.Errorf("index: rename note: %w", err)
	}
	if _, err := tx.Exec(`UPDATE outlinks SET source = ? WHERE source = ?`, newPath, oldPath); err != nil {
		return fmt.Errorf("index: rename outlinks: %w", err)
	}
	if err := ftsRename(tx, oldPath, newPath); err != nil {
		return err
	}
	return tx.Commit()
}

// GetChecksum returns the stored checksum for a note, or empty string if not found.
func (db *DB) GetChecksum(path string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM notes WHERE path = ?`, path).Scan(&cs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: checksum %s: %w", path, err)
	}
	return cs, nil
}

// AllChecksums returns path -> checksum for every cached note.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, checksum FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}

// GetNote returns the cached metadata of path.
func (db *DB) GetNote(path string) (*metadata.Note, error) {
	var raw string
	err := db.conn.QueryRow(`SELECT meta FROM notes WHERE path = ?`, path).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: note %s: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: note %s: %w", path, err)
	}
	var n metadata.Note
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("index: decode metadata %s: %w", path, err)
	}
	return &n, nil
}

// AllNotes returns every cached metadata record keyed by path. Records that
// fail to decode are skipped; the caller re-parses them.
func (db *DB) AllNotes() (map[string]*metadata.Note, error) {
	rows, err := db.conn.Query(`SELECT path, meta FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("index: all notes: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*metadata.Note)
	for rows.Next() {
		var p, raw string
		if err := rows.Scan(&p, &raw); err != nil {
			return nil, err
		}
		var n metadata.Note
		if json.Unmarshal([]byte(raw), &n) != nil {
			continue
		}
		out[p] = &n
	}
	return out, rows.Err()
}

// ListNotes returns one page of cached notes ordered by path, optionally
// filtered by tag, together with the total match count.
func (db *DB) ListNotes(tag string, limit, offset int) ([]NoteRow, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := "", []any{}
	if tag != "" {
		tagJSON, _ := json.Marshal(tag)
		where = `WHERE tags LIKE ?`
		args = append(args, "%"+string(tagJSON)+"%")
	}

	var total int
	if err := db.conn.QueryRow(`SELECT count(*) FROM notes `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count notes: %w", err)
	}
	rows, err := db.conn.Query(`
		SELECT path, title, checksum, tags, updated_at
		FROM notes `+where+`
		ORDER BY path
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list notes: %w", err)
	}
	defer rows.Close()

	out := []NoteRow{}
	for rows.Next() {
		var r NoteRow
		var tags string
		if err := rows.Scan(&r.Path, &r.Title, &r.Checksum, &tags, &r.UpdatedAt); err != nil {
			return nil, 0, err
		}
		_ = json.Unmarshal([]byte(tags), &r.Tags)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// Outlinks returns the raw link targets cached for source, in document order.
func (db *DB) Outlinks(source string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT raw FROM outlinks WHERE source = ? ORDER BY rowid`, source)
	if err != nil {
		return nil, fmt.Errorf("index: outlinks: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Counts returns the number of cached notes and outlinks.
func (db *DB) Counts() (notes, outlinks int, err error) {
	err = db.conn.QueryRow(`SELECT (SELECT count(*) FROM notes), (SELECT count(*) FROM outlinks)`).Scan(&notes, &outlinks)
	if err != nil {
		return 0, 0, fmt.Errorf("index: counts: %w", err)
	}
	return notes, outlinks, nil
}
