package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/bedrock/internal/checksum"
	"github.com/starford/bedrock/internal/storage"
)

// ChangeKind classifies a vault change.
type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
	Renamed  ChangeKind = "renamed"
)

// Change is one entry of the vault change stream. Content holds the file
// text for created, modified and renamed changes.
type Change struct {
	Kind    ChangeKind
	Path    string
	OldPath string
	Content []byte
}

// ChangeFunc receives changes in the order they were observed.
type ChangeFunc func(Change)

const reconcileDelay = 200 * time.Millisecond

// Watch starts an fsnotify watcher on the vault root and turns file events
// into changes until ctx is cancelled.
//
// Writes whose content matches the cached checksum are dropped, so the
// service's own saves do not echo back. fsnotify reports a rename as Rename
// on the old path followed by Create on the new one; the two are paired into
// a single renamed change when the new file's checksum matches what the cache
// holds for the old path. Unpaired old paths become deleted changes after a
// short reconciliation delay, which also picks up whole-directory moves.
func Watch(ctx context.Context, db *DB, store storage.Provider, vaultRoot string, logger *slog.Logger, fn ChangeFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, vaultRoot); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", vaultRoot))

	emit := func(c Change) {
		logger.Debug("watcher: change", slog.String("kind", string(c.Kind)), slog.String("path", c.Path), slog.String("old", c.OldPath))
		if fn != nil {
			fn(c)
		}
	}

	// old path -> cached checksum, for renames awaiting their Create
	renames := map[string]string{}
	// old paths already reported as renamed since the last reconciliation
	paired := map[string]struct{}{}

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time
	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(reconcileDelay)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(reconcileDelay)
		}
	}

	written := func(rel string, created bool) {
		data, readErr := store.Read(rel)
		if readErr != nil {
			// gone again before we got to it; Remove or Rename follows
			logger.Debug("watcher: read failed", slog.String("path", rel), slog.String("error", readErr.Error()))
			return
		}
		cs := checksum.Sum(data)
		if known, _ := db.GetChecksum(rel); known == cs {
			return
		}
		for old, oldCS := range renames {
			if oldCS == cs {
				delete(renames, old)
				paired[old] = struct{}{}
				emit(Change{Kind: Renamed, Path: rel, OldPath: old, Content: data})
				return
			}
		}
		kind := Modified
		if created {
			kind = Created
		}
		emit(Change{Kind: kind, Path: rel, Content: data})
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			reconcile(db, store, renames, paired, logger, emit)
			renames = map[string]string{}
			paired = map[string]struct{}{}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name
			if storage.Hidden(filepath.Base(absPath)) {
				continue
			}
			rel, relErr := filepath.Rel(vaultRoot, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					}
					for _, p := range mdFiles(vaultRoot, absPath) {
						written(p, true)
					}
					continue
				}
			}

			if ev.Op&fsnotify.Rename != 0 && !strings.HasSuffix(absPath, ".md") {
				// a directory moved away; its notes surface at reconciliation
				scheduleReconcile()
				continue
			}
			if !strings.HasSuffix(absPath, ".md") {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				written(rel, ev.Op&fsnotify.Create != 0)

			case ev.Op&fsnotify.Remove != 0:
				delete(renames, rel)
				emit(Change{Kind: Deleted, Path: rel})

			case ev.Op&fsnotify.Rename != 0:
				cs, _ := db.GetChecksum(rel)
				if cs == "" {
					emit(Change{Kind: Deleted, Path: rel})
					continue
				}
				renames[rel] = cs
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// reconcile compares the cache with the disk after renames settle: unpaired
// rename sources and cached notes missing from disk become deleted changes,
// files on disk the cache does not know become created changes. Paths in
// paired were already reported as renamed.
func reconcile(db *DB, store storage.Provider, renames map[string]string, paired map[string]struct{}, logger *slog.Logger, emit func(Change)) {
	checksums, err := db.AllChecksums()
	if err != nil {
		logger.Warn("reconcile: all checksums failed", slog.String("error", err.Error()))
		return
	}
	files, err := store.List("")
	if err != nil {
		logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}
	disk := make(map[string]string, len(files))
	for _, f := range files {
		disk[f.Path] = f.Checksum
	}

	gone := map[string]struct{}{}
	for p := range renames {
		gone[p] = struct{}{}
	}
	for p := range checksums {
		gone[p] = struct{}{}
	}
	for p := range gone {
		if _, ok := paired[p]; ok {
			continue
		}
		if _, ok := disk[p]; !ok {
			emit(Change{Kind: Deleted, Path: p})
		}
	}

	for p, cs := range disk {
		if _, ok := checksums[p]; ok {
			continue
		}
		if pairedTo(paired, checksums, cs) {
			continue
		}
		data, readErr := store.Read(p)
		if readErr != nil {
			continue
		}
		emit(Change{Kind: Created, Path: p, Content: data})
	}
}

// pairedTo reports whether a file with checksum cs is the destination of a
// rename already reported.
func pairedTo(paired map[string]struct{}, checksums map[string]string, cs string) bool {
	for old := range paired {
		if checksums[old] == cs {
			return true
		}
	}
	return false
}

// mdFiles lists the .md files under dir as slash-separated vault paths.
func mdFiles(vaultRoot, dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && storage.Hidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".md") {
			return nil
		}
		if rel, relErr := filepath.Rel(vaultRoot, path); relErr == nil {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	return out
}

// addDirsRecursive adds root and all its visible subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && storage.Hidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
