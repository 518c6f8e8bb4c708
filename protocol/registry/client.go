package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wolfeidau/docker-pull/reference"
	"github.com/wolfeidau/docker-pull/telemetry"
)

// maxManifestSize bounds manifest and config documents read into memory.
const maxManifestSize = 16 << 20

// Client talks to Docker Registry HTTP API V2 endpoints.
type Client struct {
	client   *http.Client
	scheme   string
	insecure bool
	username string
	password string
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. It takes precedence over
// WithInsecureSkipVerify.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithInsecureSkipVerify disables TLS certificate verification, for
// registries with self-signed certificates.
func WithInsecureSkipVerify(insecure bool) ClientOption {
	return func(c *Client) {
		c.insecure = insecure
	}
}

// WithPlainHTTP talks to the registry over http:// instead of https://.
func WithPlainHTTP(plain bool) ClientOption {
	return func(c *Client) {
		if plain {
			c.scheme = "http"
		} else {
			c.scheme = "https"
		}
	}
}

// WithBasicAuth sets credentials presented to the token endpoint. They are
// sent whenever username is set, even with an empty password.
func WithBasicAuth(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a registry client. No request timeout is configured;
// callers bound the run through the context.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		scheme: "https",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		if c.insecure {
			base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
		}
		c.client = &http.Client{Transport: telemetry.NewInstrumentedTransport(base)}
	}
	return c
}

func (c *Client) baseURL(host string) string {
	return c.scheme + "://" + host
}

// Repository binds a client to one image reference and its discovered auth
// endpoint. It is an immutable value.
type Repository struct {
	client *Client
	ref    reference.Reference
	auth   AuthContext
}

// Repository returns the repository handle used for manifest and blob requests.
func (c *Client) Repository(ref reference.Reference, auth AuthContext) Repository {
	return Repository{client: c, ref: ref, auth: auth}
}

func (r Repository) url(kind, ref string) string {
	return fmt.Sprintf("%s/v2/%s/%s/%s", r.client.baseURL(r.ref.Registry), r.ref.Name(), kind, ref)
}

// get issues an authenticated GET with a freshly minted token.
func (r Repository) get(ctx context.Context, url string, accept []string) (*http.Response, error) {
	acceptHeader := strings.Join(accept, ", ")

	token, err := r.token(ctx, acceptHeader)
	if err != nil {
		return nil, fmt.Errorf("fetching token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if h := token.Header(); h != "" {
		req.Header.Set("Authorization", h)
	}
	if acceptHeader != "" {
		req.Header.Set("Accept", acceptHeader)
	}

	resp, err := r.client.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	return resp, nil
}

// FetchManifest retrieves the single-platform manifest for the reference.
// When the registry only has a manifest list for it, a *ManifestListError
// names the available platforms and their digests.
func (r Repository) FetchManifest(ctx context.Context) (*Manifest, error) {
	ctx = telemetry.WithStage(ctx, telemetry.StageManifest)
	url := r.url("manifests", r.ref.Selector())

	resp, err := r.get(ctx, url, ManifestAccept)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		statusErr := newStatusError(resp)
		r.client.logger.Warn("cannot fetch manifest",
			"name", r.ref.Name(), "reference", r.ref.Selector(), "status", resp.StatusCode, "body", statusErr.Body)

		listErr, err := r.fetchManifestList(ctx, url)
		if err != nil {
			r.client.logger.Debug("manifest list probe failed", "error", err)
			return nil, statusErr
		}
		return nil, listErr
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	if isManifestList(resp.Header.Get("Content-Type"), content) {
		return nil, r.decodeManifestList(content)
	}

	var manifest Manifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if manifest.SchemaVersion != 2 {
		return nil, fmt.Errorf("unsupported manifest schema version %d", manifest.SchemaVersion)
	}
	for i, l := range manifest.Layers {
		if err := l.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d digest %q: %w", i, l.Digest, err)
		}
	}

	return &manifest, nil
}

// fetchManifestList re-requests url asking for a manifest list. It returns
// the *ManifestListError to surface, or an error when no list exists either.
func (r Repository) fetchManifestList(ctx context.Context, url string) (*ManifestListError, error) {
	resp, err := r.get(ctx, url, ManifestListAccept)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("reading manifest list: %w", err)
	}
	if !isManifestList(resp.Header.Get("Content-Type"), content) {
		return nil, errors.New("registry did not return a manifest list")
	}

	listErr := r.decodeManifestList(content)
	var mle *ManifestListError
	if !errors.As(listErr, &mle) {
		return nil, listErr
	}
	return mle, nil
}

func (r Repository) decodeManifestList(content []byte) error {
	var list ManifestList
	if err := json.Unmarshal(content, &list); err != nil {
		return fmt.Errorf("decoding manifest list: %w", err)
	}
	if len(list.Manifests) == 0 {
		return fmt.Errorf("manifest list for %s has no platforms", r.ref)
	}
	return &ManifestListError{Reference: r.ref.String(), Manifests: list.Manifests}
}

func isManifestList(contentType string, content []byte) bool {
	switch contentType {
	case MediaTypeDockerManifestList, MediaTypeOCIIndex:
		return true
	}
	var probe struct {
		MediaType string            `json:"mediaType"`
		Manifests []json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return false
	}
	return probe.MediaType == MediaTypeDockerManifestList ||
		probe.MediaType == MediaTypeOCIIndex ||
		len(probe.Manifests) > 0
}

// FetchConfig downloads the image config blob into memory.
func (r Repository) FetchConfig(ctx context.Context, desc Descriptor) ([]byte, error) {
	ctx = telemetry.WithStage(ctx, telemetry.StageConfig)

	var buf bytes.Buffer
	if _, err := r.DownloadBlob(ctx, desc, &limitedWriter{w: &buf, remaining: maxManifestSize}); err != nil {
		return nil, fmt.Errorf("downloading config %s: %w", ShortID(desc.Digest), err)
	}
	return buf.Bytes(), nil
}

// DownloadBlob streams the blob described by desc into w and verifies it
// against desc.Digest. When the registry answers with an error status and the
// descriptor lists foreign URLs, the first URL is tried once; transport
// errors are not retried.
func (r Repository) DownloadBlob(ctx context.Context, desc Descriptor, w io.Writer) (int64, error) {
	if telemetry.StageFromContext(ctx) == "" {
		ctx = telemetry.WithStage(ctx, telemetry.StageBlob)
	}

	vw, err := NewVerifyingWriter(w, desc.Digest)
	if err != nil {
		return 0, err
	}

	resp, err := r.get(ctx, r.url("blobs", desc.Digest.String()), ManifestAccept)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := newStatusError(resp)
		_ = resp.Body.Close()

		if len(desc.URLs) == 0 {
			return 0, statusErr
		}

		r.client.logger.Warn("blob fetch failed, trying fallback url",
			"digest", ShortID(desc.Digest), "status", statusErr.StatusCode, "url", desc.URLs[0])

		resp, err = r.getForeign(ctx, desc.URLs[0])
		if err != nil {
			return 0, err
		}
		if resp.StatusCode != http.StatusOK {
			fallbackErr := newStatusError(resp)
			_ = resp.Body.Close()
			return 0, fallbackErr
		}
	}
	defer func() { _ = resp.Body.Close() }()

	r.client.logger.Info("downloading blob", "digest", ShortID(desc.Digest), "total_bytes", resp.ContentLength)

	n, err := io.Copy(vw, resp.Body)
	if err != nil {
		return n, fmt.Errorf("reading blob %s: %w", ShortID(desc.Digest), err)
	}

	if err := vw.Verify(); err != nil {
		return n, err
	}

	return n, nil
}

// getForeign fetches a non-distributable layer URL. Registry tokens are not
// sent to foreign hosts.
func (r Repository) getForeign(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating fallback request: %w", err)
	}
	resp, err := r.client.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing fallback request: %w", err)
	}
	return resp, nil
}

// limitedWriter fails writes beyond a size limit.
type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > lw.remaining {
		return 0, fmt.Errorf("content exceeds %d bytes", maxManifestSize)
	}
	lw.remaining -= int64(len(p))
	return lw.w.Write(p)
}
