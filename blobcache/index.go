package blobcache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a digest has no index entry.
var ErrNotFound = errors.New("not found")

var (
	bucketBlobs              = []byte("blobs")                 // digest -> Entry JSON
	bucketBlobsByAccess      = []byte("blobs_by_access")       // timestamp+digest -> digest
	bucketBlobAccessByDigest = []byte("blob_access_by_digest") // digest -> 8-byte timestamp
)

// Entry is the index record of a cached blob.
type Entry struct {
	Digest     digest.Digest `json:"digest"`
	Size       int64         `json:"size"`
	MediaType  string        `json:"media_type,omitempty"`
	StoredAt   time.Time     `json:"stored_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
	Hits       int64         `json:"hits"`
}

// Index tracks cached blobs in a bbolt database, with a last-used ordering
// for pruning.
type Index struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlobs, bucketBlobsByAccess, bucketBlobAccessByDigest} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("opened blob index", "path", path)
	return &Index{db: db, logger: logger}, nil
}

// Close closes the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Get returns the entry for d.
func (idx *Index) Get(d digest.Digest) (*Entry, error) {
	var entry Entry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(d))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put stores entry, replacing any previous record for the digest.
func (idx *Index) Put(entry *Entry) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return putEntry(tx, entry)
	})
}

// Touch records a hit on d at now.
func (idx *Index) Touch(d digest.Digest, now time.Time) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(d))
		if val == nil {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(val, &entry); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		entry.LastUsedAt = now
		entry.Hits++
		return putEntry(tx, &entry)
	})
}

// Delete removes d from the index. Missing entries are ignored.
func (idx *Index) Delete(d digest.Digest) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		if err := removeAccess(tx, d); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobs).Delete([]byte(d))
	})
}

// UnusedSince returns the digests last used before cutoff, oldest first.
func (idx *Index) UnusedSince(cutoff time.Time) ([]digest.Digest, error) {
	var digests []digest.Digest
	end := encodeTimestamp(cutoff)

	err := idx.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlobsByAccess).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k[:8], end) < 0; k, v = c.Next() {
			digests = append(digests, digest.Digest(v))
		}
		return nil
	})
	return digests, err
}

// Len returns the number of indexed blobs.
func (idx *Index) Len() (int, error) {
	var n int
	err := idx.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketBlobs).Stats().KeyN
		return nil
	})
	return n, err
}

func putEntry(tx *bbolt.Tx, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	key := []byte(entry.Digest)
	if err := tx.Bucket(bucketBlobs).Put(key, data); err != nil {
		return fmt.Errorf("putting entry: %w", err)
	}

	if err := removeAccess(tx, entry.Digest); err != nil {
		return err
	}
	ts := encodeTimestamp(entry.LastUsedAt)
	if err := tx.Bucket(bucketBlobsByAccess).Put(makeAccessKey(ts, entry.Digest), key); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	return tx.Bucket(bucketBlobAccessByDigest).Put(key, ts)
}

func removeAccess(tx *bbolt.Tx, d digest.Digest) error {
	reverse := tx.Bucket(bucketBlobAccessByDigest)
	ts := reverse.Get([]byte(d))
	if ts == nil {
		return nil
	}
	if err := tx.Bucket(bucketBlobsByAccess).Delete(makeAccessKey(ts, d)); err != nil {
		return fmt.Errorf("deleting access index: %w", err)
	}
	return reverse.Delete([]byte(d))
}

// makeAccessKey builds [8-byte timestamp][digest].
func makeAccessKey(ts []byte, d digest.Digest) []byte {
	key := make([]byte, 0, len(ts)+len(d))
	key = append(key, ts...)
	return append(key, d...)
}

// encodeTimestamp converts t to fixed-width big-endian bytes that sort in
// time order, including pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}
