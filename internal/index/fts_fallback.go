//go:build !sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

// Without FTS5, search runs LIKE over the notes table, which already holds
// title, tags and body.
func initFTS(_ *sql.DB) error { return nil }

func dropFTS(_ *sql.DB) error { return nil }

func ftsUpsert(_ *sql.Tx, _, _, _ string, _ []string) error { return nil }

func ftsDelete(_ *sql.Tx, _ string) error { return nil }

func ftsRename(_ *sql.Tx, _, _ string) error { return nil }

// Search returns notes whose title, tags or body contain every word of
// query, in path order.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	terms := searchTerms(query)
	out := []SearchResult{}
	if len(terms) == 0 {
		return out, nil
	}

	var where []string
	var args []any
	for _, t := range terms {
		where = append(where, `(title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\')`)
		p := likePattern(t)
		args = append(args, p, p, p)
	}
	args = append(args, limit)

	rows, err := db.conn.Query(`
		SELECT path, title, substr(body, 1, 200)
		FROM notes
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY path
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Title, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
