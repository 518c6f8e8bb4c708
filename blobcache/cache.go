// Package blobcache keeps downloaded blobs on local disk, keyed by digest,
// so repeated pulls of images sharing layers skip the registry.
package blobcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/wolfeidau/docker-pull/backend"
	"github.com/wolfeidau/docker-pull/protocol/registry"
	"github.com/wolfeidau/docker-pull/telemetry"
)

const indexFileName = "index.db"

// Fetcher downloads a verified blob into w.
type Fetcher interface {
	DownloadBlob(ctx context.Context, desc registry.Descriptor, w io.Writer) (int64, error)
}

// Cache serves blobs from local disk and falls back to an upstream Fetcher on
// a miss, storing what it downloads. Cached content is re-verified against its
// digest before use.
type Cache struct {
	store  backend.Backend
	index  *Index
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Open opens the cache rooted at dir, creating it if needed.
func Open(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	c.store = backend.NewInstrumented(fs, "blob_cache")

	idx, err := OpenIndex(filepath.Join(fs.Root(), indexFileName), c.logger)
	if err != nil {
		return nil, err
	}
	c.index = idx

	return c, nil
}

// Close closes the index.
func (c *Cache) Close() error {
	return c.index.Close()
}

// Wrap returns a Fetcher that consults the cache before upstream.
func (c *Cache) Wrap(upstream Fetcher) Fetcher {
	return &cachingFetcher{cache: c, upstream: upstream}
}

type cachingFetcher struct {
	cache    *Cache
	upstream Fetcher
}

func (f *cachingFetcher) DownloadBlob(ctx context.Context, desc registry.Descriptor, w io.Writer) (int64, error) {
	if desc.Digest.Validate() != nil {
		return f.upstream.DownloadBlob(ctx, desc, w)
	}
	c := f.cache

	n, err := c.serve(ctx, desc.Digest, w)
	if err == nil {
		telemetry.RecordCacheLookup(ctx, true)
		c.logger.Info("blob served from cache", "digest", registry.ShortID(desc.Digest), "bytes", n)
		return n, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warn("discarding cached blob", "digest", registry.ShortID(desc.Digest), "error", err)
		c.evict(ctx, desc.Digest)
	}
	if n > 0 {
		// w already holds part of the cached copy, refetching into it would
		// corrupt the output.
		return n, err
	}
	telemetry.RecordCacheLookup(ctx, false)

	pw, err := c.store.Writer(ctx, blobKey(desc.Digest))
	if err != nil {
		return 0, fmt.Errorf("creating cache entry: %w", err)
	}

	n, err = f.upstream.DownloadBlob(ctx, desc, io.MultiWriter(w, pw))
	if err != nil {
		_ = pw.Abort()
		return n, err
	}
	if err := pw.Commit(); err != nil {
		c.logger.Warn("caching blob", "digest", registry.ShortID(desc.Digest), "error", err)
		return n, nil
	}

	now := c.now()
	err = c.index.Put(&Entry{
		Digest:     desc.Digest,
		Size:       n,
		MediaType:  desc.MediaType,
		StoredAt:   now,
		LastUsedAt: now,
	})
	if err != nil {
		c.logger.Warn("indexing blob", "digest", registry.ShortID(desc.Digest), "error", err)
	}
	return n, nil
}

// serve copies a cached blob into w after verifying it. It returns
// ErrNotFound on a miss; other errors mean the cached copy is unusable.
// Nothing is written to w unless the copy has passed verification, so a
// failed serve with n == 0 leaves w untouched.
func (c *Cache) serve(ctx context.Context, d digest.Digest, w io.Writer) (int64, error) {
	if _, err := c.index.Get(d); err != nil {
		return 0, err
	}

	if err := c.verify(ctx, d); err != nil {
		return 0, err
	}

	r, err := c.store.Read(ctx, blobKey(d))
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("copying cached blob: %w", err)
	}

	if err := c.index.Touch(d, c.now()); err != nil {
		c.logger.Debug("touching cache entry", "digest", registry.ShortID(d), "error", err)
	}
	return n, nil
}

func (c *Cache) verify(ctx context.Context, d digest.Digest) error {
	r, err := c.store.Read(ctx, blobKey(d))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("indexed blob missing from disk: %w", err)
		}
		return err
	}
	defer func() { _ = r.Close() }()

	vw, err := registry.NewVerifyingWriter(io.Discard, d)
	if err != nil {
		return err
	}
	if _, err := io.Copy(vw, r); err != nil {
		return fmt.Errorf("reading cached blob: %w", err)
	}
	return vw.Verify()
}

func (c *Cache) evict(ctx context.Context, d digest.Digest) {
	if err := c.store.Delete(ctx, blobKey(d)); err != nil {
		c.logger.Warn("deleting cached blob", "digest", registry.ShortID(d), "error", err)
	}
	if err := c.index.Delete(d); err != nil {
		c.logger.Warn("deleting cache entry", "digest", registry.ShortID(d), "error", err)
	}
}

// Prune removes blobs not used within maxAge and returns how many were
// removed. A non-positive maxAge removes nothing.
func (c *Cache) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	digests, err := c.index.UnusedSince(c.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("listing stale blobs: %w", err)
	}

	for i, d := range digests {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		c.evict(ctx, d)
	}

	if len(digests) > 0 {
		c.logger.Info("pruned blob cache", "removed", len(digests), "max_age", maxAge)
	}
	return len(digests), nil
}

// blobKey returns "blobs/<algorithm>/<encoded>".
func blobKey(d digest.Digest) string {
	return "blobs/" + d.Algorithm().String() + "/" + d.Encoded()
}
