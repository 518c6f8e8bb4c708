package registry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrNotFound indicates the manifest or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates authentication is required but failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidTokenResponse indicates the auth server answered without a
	// usable token.
	ErrInvalidTokenResponse = errors.New("invalid token response")
)

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 4 << 10

// StatusError is an unexpected HTTP status from the registry or auth server.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: upstream returned %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is maps 401 and 404 onto ErrUnauthorized and ErrNotFound.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// ManifestListError is returned when a tag resolves only to a manifest list.
// The caller has to choose a platform and pull it by digest.
type ManifestListError struct {
	Reference string
	Manifests []ManifestDescriptor
}

func (e *ManifestListError) Error() string {
	return fmt.Sprintf("%s is a manifest list with %d platforms, pull one by digest", e.Reference, len(e.Manifests))
}

// Options returns one line per platform, e.g.
// "architecture: amd64, os: linux, digest: sha256:...".
func (e *ManifestListError) Options() []string {
	lines := make([]string, 0, len(e.Manifests))
	for _, m := range e.Manifests {
		var fields []string
		if p := m.Platform; p != nil {
			fields = append(fields, "architecture: "+p.Architecture, "os: "+p.OS)
			if p.OSVersion != "" {
				fields = append(fields, "os.version: "+p.OSVersion)
			}
			if p.Variant != "" {
				fields = append(fields, "variant: "+p.Variant)
			}
		}
		fields = append(fields, "digest: "+m.Digest.String())
		lines = append(lines, strings.Join(fields, ", "))
	}
	return lines
}
