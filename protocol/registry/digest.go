package registry

import (
	_ "crypto/sha256" // registers the sha256 digest algorithm
	_ "crypto/sha512" // registers the sha384/sha512 digest algorithms
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// ErrDigestMismatch indicates downloaded content does not hash to the digest
// declared in the manifest.
var ErrDigestMismatch = errors.New("digest mismatch")

// VerifyingWriter passes writes through to an underlying writer while hashing
// them, so a blob can be streamed to disk and checked in one pass.
type VerifyingWriter struct {
	w        io.Writer
	expected digest.Digest
	verifier digest.Verifier
}

// NewVerifyingWriter returns a writer that verifies content against d.
func NewVerifyingWriter(w io.Writer, d digest.Digest) (*VerifyingWriter, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("validating digest %q: %w", d, err)
	}
	return &VerifyingWriter{
		w:        w,
		expected: d,
		verifier: d.Verifier(),
	}, nil
}

// Write implements io.Writer.
func (vw *VerifyingWriter) Write(p []byte) (int, error) {
	n, err := vw.w.Write(p)
	if n > 0 {
		_, _ = vw.verifier.Write(p[:n])
	}
	return n, err
}

// Verify reports whether everything written so far matches the digest.
func (vw *VerifyingWriter) Verify() error {
	if !vw.verifier.Verified() {
		return fmt.Errorf("%w: content does not match %s", ErrDigestMismatch, vw.expected)
	}
	return nil
}

// ShortID returns the first 12 hex characters of a digest for display.
func ShortID(d digest.Digest) string {
	if d.Validate() != nil {
		return string(d)
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		return enc[:12]
	}
	return enc
}
