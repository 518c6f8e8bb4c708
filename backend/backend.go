// Package backend provides keyed file storage used for pull staging and the
// local blob cache.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines keyed blob storage.
type Backend interface {
	// Write stores data at the given key, replacing any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)

	// Writer returns a pending write for the given key. The value becomes
	// visible only when Commit returns nil.
	Writer(ctx context.Context, key string) (PendingWrite, error)
}

// PendingWrite is an in-progress write that is either committed or aborted.
type PendingWrite interface {
	io.Writer

	// Commit makes the written data visible at the key.
	Commit() error

	// Abort discards the written data. It is a no-op after Commit.
	Abort() error
}
