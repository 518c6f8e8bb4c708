package legacy

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrDecompress indicates a layer blob could not be decompressed.
var ErrDecompress = errors.New("decompressing layer")

// Compression is a layer blob encoding.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionNone Compression = "none"
)

// CompressionFor maps a layer media type to its encoding. Unknown and empty
// media types are treated as gzip, which is what registries serve for
// Docker v2 layers.
func CompressionFor(mediaType string) Compression {
	switch {
	case strings.HasSuffix(mediaType, "+zstd"):
		return CompressionZstd
	case strings.HasSuffix(mediaType, "+gzip"):
		return CompressionGzip
	case strings.HasSuffix(mediaType, ".tar"):
		return CompressionNone
	default:
		return CompressionGzip
	}
}

// decompressor returns a reader yielding the uncompressed layer tar.
func decompressor(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		return gz, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		return zr.IOReadCloser(), nil
	case CompressionNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrDecompress, c)
	}
}
