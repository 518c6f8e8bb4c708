// Package pull runs the whole registry-to-archive pipeline for one image
// reference: auth discovery, manifest and config retrieval, layer assembly
// and archive packing.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/wolfeidau/docker-pull/backend"
	"github.com/wolfeidau/docker-pull/blobcache"
	"github.com/wolfeidau/docker-pull/credentials"
	"github.com/wolfeidau/docker-pull/credentials/opprovider"
	"github.com/wolfeidau/docker-pull/legacy"
	"github.com/wolfeidau/docker-pull/protocol/registry"
	"github.com/wolfeidau/docker-pull/reference"
	"github.com/wolfeidau/docker-pull/telemetry"
)

// Config holds pull configuration.
type Config struct {
	// Insecure disables TLS certificate verification for the registry.
	Insecure bool

	// PlainHTTP talks to the registry over http://.
	PlainHTTP bool

	// Username and Password are sent to the token endpoint. They take
	// precedence over CredentialsFile.
	Username string
	Password string

	// CredentialsFile is a credentials template with per-registry logins.
	CredentialsFile string

	// OutputDir is where the archive is written. Default: current directory.
	OutputDir string

	// Output overrides the archive file name. A relative path is resolved
	// against OutputDir.
	Output string

	// WorkDir is the parent of the staging directory. Default: OutputDir.
	WorkDir string

	// CacheDir enables the local blob cache when set.
	CacheDir string

	// CacheMaxAge prunes cached blobs unused for longer than this before
	// pulling. Zero disables pruning.
	CacheMaxAge time.Duration

	// HTTPClient overrides the registry HTTP client.
	HTTPClient *http.Client

	// Logger for the pull
	Logger *slog.Logger
}

// Puller pulls images into legacy archives.
type Puller struct {
	config Config
	logger *slog.Logger
}

// New creates a puller with the given configuration.
func New(cfg Config) *Puller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = cfg.OutputDir
	}
	return &Puller{config: cfg, logger: cfg.Logger}
}

// Pull fetches rawRef and writes its archive, returning the archive path.
// A tag that only resolves to a manifest list fails with a
// *registry.ManifestListError and writes nothing.
func (p *Puller) Pull(ctx context.Context, rawRef string) (string, error) {
	start := time.Now()
	path, err := p.pull(ctx, rawRef)
	telemetry.RecordPull(ctx, outcome(ctx, err), time.Since(start))
	return path, err
}

func outcome(ctx context.Context, err error) string {
	var listErr *registry.ManifestListError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &listErr):
		return "manifest_list"
	case ctx.Err() != nil:
		return "canceled"
	default:
		return "error"
	}
}

func (p *Puller) pull(ctx context.Context, rawRef string) (string, error) {
	ref, err := reference.Parse(rawRef)
	if err != nil {
		return "", err
	}
	logger := p.logger.With("image", ref.String())

	client, err := p.newClient(ctx, ref, logger)
	if err != nil {
		return "", err
	}

	auth, err := client.DiscoverAuth(ctx, ref.Registry)
	if err != nil {
		return "", fmt.Errorf("discovering auth endpoint: %w", err)
	}
	repo := client.Repository(ref, auth)

	manifest, err := repo.FetchManifest(ctx)
	if err != nil {
		return "", err
	}
	logger.Info("fetched manifest", "layers", len(manifest.Layers), "config", registry.ShortID(manifest.Config.Digest))

	config, err := repo.FetchConfig(ctx, manifest.Config)
	if err != nil {
		return "", err
	}

	var fetcher legacy.BlobFetcher = repo
	if p.config.CacheDir != "" {
		cache, err := p.openCache(ctx, logger)
		if err != nil {
			return "", err
		}
		defer func() { _ = cache.Close() }()
		fetcher = cache.Wrap(repo)
	}

	staging, err := legacy.NewStaging(filepath.Join(p.config.WorkDir, ref.StagingDirName()))
	if err != nil {
		return "", err
	}

	store := backend.NewInstrumented(staging, "staging")
	img, err := legacy.NewAssembler(fetcher, store, legacy.WithLogger(logger)).Assemble(ctx, manifest, config)
	if err != nil {
		return "", err
	}

	dir, name := p.archivePath(ref)
	path, err := legacy.Build(ctx, dir, name, staging, ref, img, logger)
	if err != nil {
		return "", err
	}

	logger.Info("wrote archive", "path", path, "layers", len(img.Layers), "top_layer", img.TopLayerID())
	return path, nil
}

func (p *Puller) newClient(ctx context.Context, ref reference.Reference, logger *slog.Logger) (*registry.Client, error) {
	opts := []registry.ClientOption{
		registry.WithLogger(logger),
		registry.WithInsecureSkipVerify(p.config.Insecure),
		registry.WithPlainHTTP(p.config.PlainHTTP),
	}
	if p.config.HTTPClient != nil {
		opts = append(opts, registry.WithHTTPClient(p.config.HTTPClient))
	}

	username, password, err := p.login(ctx, ref.Registry)
	if err != nil {
		return nil, err
	}
	if username != "" {
		logger.Debug("using registry credentials", "registry", ref.Registry, "username", username)
		opts = append(opts, registry.WithBasicAuth(username, password))
	}

	return registry.NewClient(opts...), nil
}

// login returns the credentials for host, preferring the explicit
// username and password over the credentials file.
func (p *Puller) login(ctx context.Context, host string) (string, string, error) {
	if p.config.Username != "" {
		return p.config.Username, p.config.Password, nil
	}
	if p.config.CredentialsFile == "" {
		return "", "", nil
	}

	resolver := credentials.NewResolver(
		credentials.WithLogger(p.logger),
		opprovider.WithOnePassword(),
	)
	creds, err := resolver.ResolveFile(ctx, p.config.CredentialsFile)
	if err != nil {
		return "", "", fmt.Errorf("loading credentials: %w", err)
	}
	auth, ok := creds.Lookup(host)
	if !ok {
		return "", "", nil
	}
	return auth.Username, auth.Password, nil
}

func (p *Puller) openCache(ctx context.Context, logger *slog.Logger) (*blobcache.Cache, error) {
	cache, err := blobcache.Open(p.config.CacheDir, blobcache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening blob cache: %w", err)
	}
	if _, err := cache.Prune(ctx, p.config.CacheMaxAge); err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("pruning blob cache: %w", err)
	}
	return cache, nil
}

func (p *Puller) archivePath(ref reference.Reference) (string, string) {
	if p.config.Output == "" {
		return p.config.OutputDir, ref.ArchiveName()
	}
	out := p.config.Output
	if !filepath.IsAbs(out) {
		out = filepath.Join(p.config.OutputDir, out)
	}
	return filepath.Split(out)
}
