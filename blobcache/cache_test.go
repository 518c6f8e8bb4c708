package blobcache

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/docker-pull/backend"
	"github.com/wolfeidau/docker-pull/protocol/registry"
)

type countingFetcher struct {
	blobs map[digest.Digest][]byte
	calls int
}

func (f *countingFetcher) DownloadBlob(_ context.Context, desc registry.Descriptor, w io.Writer) (int64, error) {
	f.calls++
	b, ok := f.blobs[desc.Digest]
	if !ok {
		return 0, registry.ErrNotFound
	}
	vw, err := registry.NewVerifyingWriter(w, desc.Digest)
	if err != nil {
		return 0, err
	}
	n, err := vw.Write(b)
	if err != nil {
		return int64(n), err
	}
	return int64(n), vw.Verify()
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestCache(t *testing.T, clock *fakeClock) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	content := []byte("layer blob")
	d := digest.FromBytes(content)

	upstream := &countingFetcher{blobs: map[digest.Digest][]byte{d: content}}
	c := newTestCache(t, clock)
	f := c.Wrap(upstream)
	desc := registry.Descriptor{MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip", Digest: d}

	var first bytes.Buffer
	n, err := f.DownloadBlob(ctx, desc, &first)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), n)
	require.Equal(t, content, first.Bytes())
	require.Equal(t, 1, upstream.calls)

	entry, err := c.index.Get(d)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), entry.Size)
	require.Equal(t, desc.MediaType, entry.MediaType)
	require.Equal(t, int64(0), entry.Hits)

	clock.now = clock.now.Add(time.Hour)

	var second bytes.Buffer
	_, err = f.DownloadBlob(ctx, desc, &second)
	require.NoError(t, err)
	require.Equal(t, content, second.Bytes())
	require.Equal(t, 1, upstream.calls, "second download should be served from cache")

	entry, err = c.index.Get(d)
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Hits)
	require.True(t, entry.LastUsedAt.Equal(clock.now))
}

func TestCacheUpstreamFailureNotCached(t *testing.T) {
	ctx := context.Background()
	content := []byte("layer blob")
	d := digest.FromBytes(content)

	upstream := &countingFetcher{blobs: map[digest.Digest][]byte{d: []byte("tampered")}}
	c := newTestCache(t, &fakeClock{now: time.Now()})

	_, err := c.Wrap(upstream).DownloadBlob(ctx, registry.Descriptor{Digest: d}, &bytes.Buffer{})
	require.ErrorIs(t, err, registry.ErrDigestMismatch)

	_, err = c.index.Get(d)
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := c.store.Exists(ctx, blobKey(d))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCacheCorruptEntryRefetched(t *testing.T) {
	ctx := context.Background()
	content := []byte("layer blob")
	d := digest.FromBytes(content)

	upstream := &countingFetcher{blobs: map[digest.Digest][]byte{d: content}}
	c := newTestCache(t, &fakeClock{now: time.Now()})
	f := c.Wrap(upstream)

	_, err := f.DownloadBlob(ctx, registry.Descriptor{Digest: d}, &bytes.Buffer{})
	require.NoError(t, err)

	// Corrupt the cached copy on disk.
	fs := c.store.(*backend.Instrumented).Unwrap().(*backend.Filesystem)
	path := filepath.Join(fs.Root(), filepath.FromSlash(blobKey(d)))
	require.NoError(t, os.WriteFile(path, []byte("bit rot"), 0o644))

	var buf bytes.Buffer
	_, err = f.DownloadBlob(ctx, registry.Descriptor{Digest: d}, &buf)
	require.NoError(t, err)
	require.Equal(t, content, buf.Bytes())
	require.Equal(t, 2, upstream.calls)
}

func TestCacheMissingFileRefetched(t *testing.T) {
	ctx := context.Background()
	content := []byte("layer blob")
	d := digest.FromBytes(content)

	upstream := &countingFetcher{blobs: map[digest.Digest][]byte{d: content}}
	c := newTestCache(t, &fakeClock{now: time.Now()})
	f := c.Wrap(upstream)

	_, err := f.DownloadBlob(ctx, registry.Descriptor{Digest: d}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, c.store.Delete(ctx, blobKey(d)))

	var buf bytes.Buffer
	_, err = f.DownloadBlob(ctx, registry.Descriptor{Digest: d}, &buf)
	require.NoError(t, err)
	require.Equal(t, content, buf.Bytes())
	require.Equal(t, 2, upstream.calls)
}

func TestCachePrune(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

	oldBlob := []byte("old")
	newBlob := []byte("new")
	oldDigest := digest.FromBytes(oldBlob)
	newDigest := digest.FromBytes(newBlob)

	upstream := &countingFetcher{blobs: map[digest.Digest][]byte{oldDigest: oldBlob, newDigest: newBlob}}
	c := newTestCache(t, clock)
	f := c.Wrap(upstream)

	_, err := f.DownloadBlob(ctx, registry.Descriptor{Digest: oldDigest}, &bytes.Buffer{})
	require.NoError(t, err)

	clock.now = clock.now.Add(48 * time.Hour)
	_, err = f.DownloadBlob(ctx, registry.Descriptor{Digest: newDigest}, &bytes.Buffer{})
	require.NoError(t, err)

	t.Run("disabled", func(t *testing.T) {
		removed, err := c.Prune(ctx, 0)
		require.NoError(t, err)
		require.Zero(t, removed)
	})

	t.Run("removes stale blobs", func(t *testing.T) {
		removed, err := c.Prune(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		_, err = c.index.Get(oldDigest)
		require.ErrorIs(t, err, ErrNotFound)
		exists, err := c.store.Exists(ctx, blobKey(oldDigest))
		require.NoError(t, err)
		require.False(t, exists)

		_, err = c.index.Get(newDigest)
		require.NoError(t, err)

		n, err := c.index.Len()
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
}

func TestCacheReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	content := []byte("persisted")
	d := digest.FromBytes(content)
	upstream := &countingFetcher{blobs: map[digest.Digest][]byte{d: content}}

	c, err := Open(dir)
	require.NoError(t, err)
	_, err = c.Wrap(upstream).DownloadBlob(ctx, registry.Descriptor{Digest: d}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var buf bytes.Buffer
	_, err = c.Wrap(upstream).DownloadBlob(ctx, registry.Descriptor{Digest: d}, &buf)
	require.NoError(t, err)
	require.Equal(t, content, buf.Bytes())
	require.Equal(t, 1, upstream.calls)
}

func TestBlobKey(t *testing.T) {
	d := digest.FromString("x")
	require.Equal(t, "blobs/sha256/"+d.Encoded(), blobKey(d))
}

// failingReadStore serves the first Read of every key normally and fails the
// following ones after a few bytes.
type failingReadStore struct {
	backend.Backend
	reads map[string]int
}

func (s *failingReadStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	s.reads[key]++
	rc, err := s.Backend.Read(ctx, key)
	if err != nil || s.reads[key] == 1 {
		return rc, err
	}
	return &brokenReader{rc: rc}, nil
}

type brokenReader struct {
	rc   io.ReadCloser
	done bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.ErrUnexpectedEOF
	}
	r.done = true
	return r.rc.Read(p[:min(len(p), 4)])
}

func (r *brokenReader) Close() error { return r.rc.Close() }

func TestCacheReadFailureAfterPartialWrite(t *testing.T) {
	ctx := context.Background()
	content := []byte("layer blob contents")
	d := digest.FromBytes(content)

	upstream := &countingFetcher{blobs: map[digest.Digest][]byte{d: content}}
	c := newTestCache(t, &fakeClock{now: time.Now()})
	f := c.Wrap(upstream)
	desc := registry.Descriptor{Digest: d}

	_, err := f.DownloadBlob(ctx, desc, &bytes.Buffer{})
	require.NoError(t, err)

	c.store = &failingReadStore{Backend: c.store, reads: make(map[string]int)}

	var buf bytes.Buffer
	n, err := f.DownloadBlob(ctx, desc, &buf)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, int64(buf.Len()), n)
	require.Equal(t, content[:buf.Len()], buf.Bytes(), "upstream bytes must not be appended to a partial copy")
	require.Equal(t, 1, upstream.calls)

	_, err = c.index.Get(d)
	require.ErrorIs(t, err, ErrNotFound, "broken cache entry should be evicted")
}
