package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/checksum"
	"github.com/starford/bedrock/internal/models"
)

// TempPrefix names the temp files Write renames into place.
const TempPrefix = ".bedrock-tmp-"

const (
	fileMode os.FileMode = 0o644
	dirMode  os.FileMode = 0o755
)

// FS implements Provider on a directory of the local file system.
type FS struct {
	root string // absolute, cleaned
}

// NewFS returns a provider rooted at root, which must be an existing
// directory.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute vault directory.
func (f *FS) Root() string { return f.root }

// abs maps a slash-separated vault path to an absolute path under the root.
// Absolute inputs and anything resolving outside the root are rejected with
// apperr.ErrInvalidPath. The empty path is the root itself.
func (f *FS) abs(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	local := filepath.FromSlash(rel)
	if filepath.IsAbs(local) || filepath.VolumeName(local) != "" {
		return "", fmt.Errorf("storage: absolute path %s: %w", rel, apperr.ErrInvalidPath)
	}
	p := filepath.Join(f.root, local)
	if p != f.root && !strings.HasPrefix(p, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: %s escapes vault root: %w", rel, apperr.ErrInvalidPath)
	}
	return p, nil
}

// List walks dir and returns every .md file below it, skipping hidden
// entries, in lexical path order.
func (f *FS) List(dir string) ([]models.File, error) {
	base, err := f.abs(dir)
	if err != nil {
		return nil, err
	}
	out := []models.File{}
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == base && errors.Is(walkErr, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if p != base && Hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		out = append(out, models.File{
			Path:      filepath.ToSlash(rel),
			Checksum:  checksum.Sum(data),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	return out, nil
}

// Read returns the bytes of a vault file.
func (f *FS) Read(path string) ([]byte, error) {
	p, err := f.abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Write replaces path with content atomically: readers see either the old
// or the new file, never a partial one. The file keeps its permissions when
// it already exists.
func (f *FS) Write(path string, content []byte) error {
	p, err := f.abs(path)
	if err != nil {
		return err
	}
	if p == f.root {
		return fmt.Errorf("storage: write to vault root: %w", apperr.ErrInvalidPath)
	}
	mode := fileMode
	if info, err := os.Stat(p); err == nil {
		if info.IsDir() {
			return fmt.Errorf("storage: write %s: is a directory", path)
		}
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", path, err)
	}
	if err := writeAtomic(dir, p, content, mode); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return nil
}

// writeAtomic writes to a temp file in dir, syncs it and renames it to p.
func writeAtomic(dir, p string, content []byte, mode os.FileMode) (err error) {
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return err
	}
	if err = tmp.Chmod(mode); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), p); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir makes a rename in dir durable. Not every platform can fsync a
// directory, so failures are ignored.
func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}

// Delete removes a file and any directories left empty by it.
func (f *FS) Delete(path string) error {
	p, err := f.abs(path)
	if err != nil {
		return err
	}
	if p == f.root {
		return fmt.Errorf("storage: delete vault root: %w", apperr.ErrInvalidPath)
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	f.prune(filepath.Dir(p))
	return nil
}

// Move renames oldPath to newPath, creating parent directories as needed
// and removing the ones it empties. It never replaces an existing file.
func (f *FS) Move(oldPath, newPath string) error {
	from, err := f.abs(oldPath)
	if err != nil {
		return err
	}
	to, err := f.abs(newPath)
	if err != nil {
		return err
	}
	if from == f.root || to == f.root {
		return fmt.Errorf("storage: move vault root: %w", apperr.ErrInvalidPath)
	}
	if _, err := os.Lstat(to); err == nil {
		return fmt.Errorf("storage: move to %s: %w", newPath, apperr.ErrAlreadyExists)
	}
	if err := os.MkdirAll(filepath.Dir(to), dirMode); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", newPath, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("storage: move %s: %w", oldPath, err)
	}
	syncDir(filepath.Dir(to))
	f.prune(filepath.Dir(from))
	return nil
}

// prune removes dir and its parents while they are empty, stopping at the
// vault root.
func (f *FS) prune(dir string) {
	for dir != f.root && strings.HasPrefix(dir, f.root+string(os.PathSeparator)) {
		if err := os.Remove(dir); err != nil {
			// not empty, or already gone
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Hidden reports whether a file or directory name is skipped by List and by
// the watcher: dot entries such as .git or .obsidian, and temp files.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
