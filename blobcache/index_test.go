package blobcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndexPutGetDelete(t *testing.T) {
	idx := newTestIndex(t)
	d := digest.FromString("a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := idx.Get(d)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, idx.Put(&Entry{Digest: d, Size: 10, StoredAt: now, LastUsedAt: now}))

	entry, err := idx.Get(d)
	require.NoError(t, err)
	require.Equal(t, int64(10), entry.Size)
	require.True(t, entry.StoredAt.Equal(now))

	require.NoError(t, idx.Delete(d))
	_, err = idx.Get(d)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, idx.Delete(d))
}

func TestIndexTouchMovesAccessOrder(t *testing.T) {
	idx := newTestIndex(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	a := digest.FromString("a")
	b := digest.FromString("b")
	require.NoError(t, idx.Put(&Entry{Digest: a, StoredAt: base, LastUsedAt: base}))
	require.NoError(t, idx.Put(&Entry{Digest: b, StoredAt: base, LastUsedAt: base.Add(time.Hour)}))

	stale, err := idx.UnusedSince(base.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{a, b}, stale)

	require.NoError(t, idx.Touch(a, base.Add(3*time.Hour)))

	stale, err = idx.UnusedSince(base.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{b}, stale)

	entry, err := idx.Get(a)
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Hits)

	require.ErrorIs(t, idx.Touch(digest.FromString("missing"), base), ErrNotFound)
}

func TestEncodeTimestampOrdering(t *testing.T) {
	times := []time.Time{
		time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Unix(0, 0),
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		require.Less(t, string(encodeTimestamp(times[i-1])), string(encodeTimestamp(times[i])))
	}
}
