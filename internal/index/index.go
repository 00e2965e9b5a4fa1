package index

import (
	"time"

	"github.com/starford/bedrock/internal/metadata"
)

// Cache is what the note service needs from the metadata cache. Consumers
// depend on it rather than *DB so tests can swap in a fake.
type Cache interface {
	UpsertNote(n *metadata.Note, body string, updatedAt time.Time) error
	DeleteNote(path string) error
	RenameNote(oldPath, newPath string) error
	GetChecksum(path string) (string, error)
	GetNote(path string) (*metadata.Note, error)
	ListNotes(tag string, limit, offset int) ([]NoteRow, int, error)
	Search(query string, limit int) ([]SearchResult, error)
	Counts() (notes, outlinks int, err error)
}

// Verify *DB satisfies Cache at compile time.
var _ Cache = (*DB)(nil)
