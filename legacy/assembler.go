package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wolfeidau/docker-pull/backend"
	"github.com/wolfeidau/docker-pull/protocol/registry"
	"github.com/wolfeidau/docker-pull/telemetry"
)

// ErrNoLayers is returned for a manifest without layers.
var ErrNoLayers = errors.New("manifest has no layers")

// BlobFetcher streams a verified blob into w. registry.Repository and the
// blob cache both satisfy it.
type BlobFetcher interface {
	DownloadBlob(ctx context.Context, desc registry.Descriptor, w io.Writer) (int64, error)
}

// Assembler downloads and decompresses layers one at a time into a store and
// records the legacy metadata for each.
type Assembler struct {
	fetcher BlobFetcher
	store   backend.Backend
	logger  *slog.Logger
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithLogger sets the logger for the assembler.
func WithLogger(logger *slog.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// NewAssembler creates an assembler writing layer payloads into store.
func NewAssembler(fetcher BlobFetcher, store backend.Backend, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		fetcher: fetcher,
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble processes the manifest's layers base first. The image config is
// attached to the topmost layer; the others get the placeholder config. Any
// download or decompression failure aborts the whole assembly.
func (a *Assembler) Assemble(ctx context.Context, manifest *registry.Manifest, config []byte) (*Image, error) {
	if len(manifest.Layers) == 0 {
		return nil, ErrNoLayers
	}

	a.logger.Info("assembling layers", "total", len(manifest.Layers))

	img := &Image{
		Layers: make([]Layer, 0, len(manifest.Layers)),
		Config: config,
	}
	placeholder := PlaceholderConfig()

	parentID := ""
	for i, desc := range manifest.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := LayerID(parentID, desc.Digest)
		layer := Layer{
			ID:        id,
			Parent:    parentID,
			Digest:    desc.Digest,
			MediaType: desc.MediaType,
		}

		a.logger.Info("processing layer",
			"index", i+1,
			"total", len(manifest.Layers),
			"digest", registry.ShortID(desc.Digest),
			"id", id[:12],
		)

		size, err := a.fetchLayer(ctx, desc, layer.TarPath())
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", registry.ShortID(desc.Digest), err)
		}
		layer.Size = size

		base := placeholder
		if i == len(manifest.Layers)-1 {
			base = config
		}
		layer.JSON, err = LayerJSON(base, id, parentID)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", registry.ShortID(desc.Digest), err)
		}

		img.Layers = append(img.Layers, layer)
		parentID = id
	}

	return img, nil
}

// fetchLayer downloads the compressed blob next to its destination, then
// decompresses it to tarKey and drops the intermediate. It returns the
// uncompressed size.
func (a *Assembler) fetchLayer(ctx context.Context, desc registry.Descriptor, tarKey string) (int64, error) {
	compressedKey := tarKey[:len(tarKey)-len(LegacyLayerFileName)] + compressedLayerFileName
	defer func() { _ = a.store.Delete(context.WithoutCancel(ctx), compressedKey) }()

	pw, err := a.store.Writer(ctx, compressedKey)
	if err != nil {
		return 0, fmt.Errorf("staging blob: %w", err)
	}
	compressed, err := a.fetcher.DownloadBlob(ctx, desc, pw)
	if err != nil {
		_ = pw.Abort()
		return 0, fmt.Errorf("downloading blob: %w", err)
	}
	if err := pw.Commit(); err != nil {
		return 0, fmt.Errorf("staging blob: %w", err)
	}

	compression := CompressionFor(desc.MediaType)
	uncompressed, err := a.decompress(ctx, compressedKey, tarKey, compression)
	if err != nil {
		return 0, err
	}

	telemetry.RecordLayer(ctx, string(compression), compressed, uncompressed)
	a.logger.Debug("layer decompressed",
		"digest", registry.ShortID(desc.Digest),
		"compression", compression,
		"compressed_bytes", compressed,
		"uncompressed_bytes", uncompressed,
	)
	return uncompressed, nil
}

func (a *Assembler) decompress(ctx context.Context, srcKey, dstKey string, c Compression) (int64, error) {
	src, err := a.store.Read(ctx, srcKey)
	if err != nil {
		return 0, fmt.Errorf("opening staged blob: %w", err)
	}
	defer func() { _ = src.Close() }()

	r, err := decompressor(src, c)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	pw, err := a.store.Writer(ctx, dstKey)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dstKey, err)
	}
	n, err := io.Copy(pw, r)
	if err != nil {
		_ = pw.Abort()
		return 0, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if err := pw.Commit(); err != nil {
		return 0, fmt.Errorf("writing %s: %w", dstKey, err)
	}
	return n, nil
}
