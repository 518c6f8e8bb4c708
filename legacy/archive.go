package legacy

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/wolfeidau/docker-pull/backend"
	"github.com/wolfeidau/docker-pull/reference"
)

// ManifestItem is one entry of a docker save manifest.json.
type ManifestItem struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Repositories is the docker save repositories file:
// repository -> tag -> top layer ID.
type Repositories map[string]map[string]string

// NewManifest returns the one-element manifest.json content for img.
func NewManifest(ref reference.Reference, img *Image) []ManifestItem {
	layers := make([]string, 0, len(img.Layers))
	for _, l := range img.Layers {
		layers = append(layers, l.TarPath())
	}
	return []ManifestItem{{
		Config:   img.TopLayerID() + ".json",
		RepoTags: ref.RepoTags(),
		Layers:   layers,
	}}
}

// NewRepositories returns the repositories content for img. Digest pulls are
// keyed by the digest.
func NewRepositories(ref reference.Reference, img *Image) Repositories {
	return Repositories{
		ref.RepositoryKey(): {ref.Selector(): img.TopLayerID()},
	}
}

// WriteArchive serializes img as a legacy docker save tar in one pass. Layer
// payloads are read from store under Layer.TarPath.
func WriteArchive(ctx context.Context, w io.Writer, store backend.Backend, ref reference.Reference, img *Image) error {
	if len(img.Layers) == 0 {
		return ErrNoLayers
	}

	tw := tar.NewWriter(w)

	for _, l := range img.Layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeDir(tw, l.ID+"/"); err != nil {
			return err
		}
		if err := writeFile(tw, l.ID+"/"+LegacyVersionFileName, []byte(LegacyVersion)); err != nil {
			return err
		}
		if err := writeFile(tw, l.ID+"/"+LegacyConfigFileName, l.JSON); err != nil {
			return err
		}
		if err := writeStored(ctx, tw, store, l.TarPath()); err != nil {
			return err
		}
	}

	if err := writeFile(tw, img.TopLayerID()+".json", img.Config); err != nil {
		return err
	}

	manifest, err := json.Marshal(NewManifest(ref, img))
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeFile(tw, ManifestFileName, manifest); err != nil {
		return err
	}

	repositories, err := json.Marshal(NewRepositories(ref, img))
	if err != nil {
		return fmt.Errorf("encoding repositories: %w", err)
	}
	if err := writeFile(tw, LegacyRepositoriesFileName, repositories); err != nil {
		return err
	}

	return tw.Close()
}

// Build writes the archive for img into outDir under name, removes the
// staging directory and returns the archive path. The archive appears
// atomically. On failure nothing is left in outDir and staging is retained.
func Build(ctx context.Context, outDir, name string, staging *Staging, ref reference.Reference, img *Image, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	out, err := backend.NewFilesystem(outDir)
	if err != nil {
		return "", fmt.Errorf("opening output directory: %w", err)
	}

	pw, err := out.Writer(ctx, name)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	if err := WriteArchive(ctx, pw, staging, ref, img); err != nil {
		_ = pw.Abort()
		logger.Warn("archive failed, staging directory retained", "staging", staging.Root(), "error", err)
		return "", fmt.Errorf("writing archive: %w", err)
	}
	if err := pw.Commit(); err != nil {
		return "", fmt.Errorf("writing archive: %w", err)
	}

	if err := staging.Remove(); err != nil {
		logger.Warn("removing staging directory", "staging", staging.Root(), "error", err)
	}

	return filepath.Join(outDir, name), nil
}

var epoch = time.Unix(0, 0).UTC()

func writeDir(tw *tar.Writer, name string) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name,
		Mode:     0o755,
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func writeFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func writeStored(ctx context.Context, tw *tar.Writer, store backend.Backend, key string) error {
	size, err := store.Size(ctx, key)
	if err != nil {
		return fmt.Errorf("sizing %s: %w", key, err)
	}
	r, err := store.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("opening %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     key,
		Mode:     0o644,
		Size:     size,
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
