package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Filesystem implements Backend on a local directory.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := fs.Writer(ctx, key)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing data: %w", err)
	}

	return w.Commit()
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fs.keyToPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fs.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Size returns the size of the data at the given key.
func (fs *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Writer returns a pending write for the given key. Data goes to a temp file
// next to the destination and is renamed into place on Commit.
func (fs *Filesystem) Writer(ctx context.Context, key string) (PendingWrite, error) {
	path := fs.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{
		f:       tmp,
		tmpPath: tmp.Name(),
		dstPath: path,
	}, nil
}

// Purge removes the root directory and everything below it.
func (fs *Filesystem) Purge() error {
	if err := os.RemoveAll(fs.root); err != nil {
		return fmt.Errorf("removing %s: %w", fs.root, err)
	}
	return nil
}

// keyToPath converts a slash-separated key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// atomicWriter wraps a temp file for atomic writing.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	done    bool
}

// Write implements io.Writer.
func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit syncs and renames the temp file into place.
func (w *atomicWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// Abort discards the temp file.
func (w *atomicWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

var _ Backend = (*Filesystem)(nil)
