// Package models defines the note views shared by storage and the surfaces.
package models

import "time"

// File is one markdown file as the store lists it.
type File struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Note is the read view of a note: its current text plus the parts of its
// metadata a reader usually wants alongside it.
type Note struct {
	Path        string         `json:"path"`
	Content     string         `json:"content"`
	Body        string         `json:"body"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	Title       string         `json:"title,omitempty"`
	Tags        []string       `json:"tags"`
	Checksum    string         `json:"checksum"`
	Version     uint64         `json:"version"`
	Open        bool           `json:"open"`
	Dirty       bool           `json:"dirty"`
}
