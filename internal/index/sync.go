package index

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/starford/bedrock/internal/checksum"
	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/metadata"
	"github.com/starford/bedrock/internal/parser"
	"github.com/starford/bedrock/internal/storage"
)

// Sync brings the cache up to date with the vault and returns the metadata of
// every note on disk, ordered as the store lists them:
//   - unchanged files are served from the cache
//   - new/changed files are parsed (up to workers at a time) and upserted
//   - files removed from disk are deleted from the cache
func Sync(ctx context.Context, db *DB, store storage.Provider, workers int, logger *slog.Logger) ([]*metadata.Note, error) {
	files, err := store.List("")
	if err != nil {
		return nil, err
	}
	cached, err := db.AllNotes()
	if err != nil {
		return nil, err
	}

	notes := make([]*metadata.Note, len(files))
	disk := make(map[string]struct{}, len(files))
	var parsed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, f := range files {
		disk[f.Path] = struct{}{}
		if c, ok := cached[f.Path]; ok && c.Checksum == f.Checksum {
			c.Version = document.InitialVersion
			notes[i] = c
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := store.Read(f.Path)
			if err != nil {
				logger.Warn("sync: read failed", slog.String("path", f.Path), slog.String("error", err.Error()))
				return nil
			}
			n, body := indexFile(f.Path, data)
			if err := db.UpsertNote(n, body, f.UpdatedAt); err != nil {
				logger.Warn("sync: cache failed", slog.String("path", f.Path), slog.String("error", err.Error()))
			}
			notes[i] = n
			parsed.Add(1)
			logger.Debug("sync: indexed", slog.String("path", f.Path))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	removed := 0
	for p := range cached {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := db.DeleteNote(p); err != nil {
			logger.Warn("sync: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		removed++
		logger.Debug("sync: removed stale", slog.String("path", p))
	}

	out := notes[:0]
	for _, n := range notes {
		if n != nil {
			out = append(out, n)
		}
	}
	logger.Info("sync: done",
		slog.Int("notes", len(out)),
		slog.Int64("parsed", parsed.Load()),
		slog.Int("removed", removed),
	)
	return out, nil
}

// indexFile parses data into metadata at the initial document version and
// returns it with the note body.
func indexFile(path string, data []byte) (*metadata.Note, string) {
	tree := parser.Parse(string(data))
	n := metadata.Index(path, tree, document.InitialVersion)
	n.Checksum = checksum.Sum(data)
	return n, tree.Body()
}
