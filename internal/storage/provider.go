// Package storage defines the vault file-system abstraction.
package storage

import "github.com/starford/bedrock/internal/models"

// Provider is the interface for vault file operations.
type Provider interface {
	// List returns every .md file under dir (relative to vault root), with
	// slash-separated paths. Hidden directories are skipped.
	List(dir string) ([]models.File, error)
	// Read returns the raw bytes of the file at path (relative to vault root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to vault root).
	Write(path string, content []byte) error
	// Delete removes the file at path (relative to vault root).
	Delete(path string) error
	// Move renames oldPath to newPath (both relative to vault root). It fails
	// with apperr.ErrAlreadyExists when newPath is taken.
	Move(oldPath, newPath string) error
}
