// Package apperr holds the sentinel errors shared across packages.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidPath   = errors.New("invalid path")

	// ErrStaleVersion means a transaction was built against a superseded state.
	// Callers rebase: re-fetch the current state, recompute changes, retry.
	ErrStaleVersion = errors.New("stale version")
	// ErrInvalidChangeSet means changes were out of order, overlapping or out of range.
	ErrInvalidChangeSet = errors.New("invalid change set")
	// ErrRenamePartialFailure means some referrer writes failed during a rename commit.
	ErrRenamePartialFailure = errors.New("rename partially failed")
	// ErrIndexStale means metadata is older than the latest known document version.
	ErrIndexStale = errors.New("index stale")
)
