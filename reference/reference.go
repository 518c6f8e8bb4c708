// Package reference parses the image references users type on the command
// line, such as "nginx", "library/nginx:1.27" or
// "registry.example.com:5000/team/app@sha256:...".
package reference

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	distref "github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

const (
	// DefaultRegistry is the Docker Hub registry host.
	DefaultRegistry = "registry-1.docker.io"

	// DefaultRepository is the Docker Hub namespace for official images.
	DefaultRepository = "library"

	// DefaultTag is used when the reference names neither a tag nor a digest.
	DefaultTag = "latest"
)

var (
	// ErrInvalidReference is returned when a reference does not follow
	// [registry/][repository/]image[:tag|@digest].
	ErrInvalidReference = errors.New("invalid image reference")

	// ErrAmbiguousReference is returned when a path segment other than the
	// first contains a colon, e.g. a registry port in the wrong position.
	ErrAmbiguousReference = errors.New("ambiguous image reference")
)

var (
	anchoredDomain = anchored(distref.DomainRegexp)
	anchoredName   = anchored(distref.NameRegexp)
	anchoredTag    = anchored(distref.TagRegexp)
)

func anchored(re *regexp.Regexp) *regexp.Regexp {
	return regexp.MustCompile("^(?:" + re.String() + ")$")
}

// Reference is a parsed image reference. Exactly one of Tag and Digest is set.
type Reference struct {
	// Registry is the registry host, optionally with a port.
	Registry string

	// Repository is the namespace path in front of the image name. It is
	// empty when an explicit registry is given without a namespace.
	Repository string

	// Image is the final path component.
	Image string

	// Tag selects a tagged manifest.
	Tag string

	// Digest selects a manifest by content digest.
	Digest digest.Digest
}

// Parse parses [registry/][repository/]image[:tag|@digest].
func Parse(s string) (Reference, error) {
	if s == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return Reference{}, fmt.Errorf("%w: empty path segment in %q", ErrInvalidReference, s)
		}
	}

	ref := Reference{Registry: DefaultRegistry, Repository: DefaultRepository}

	last := parts[len(parts)-1]
	switch {
	case strings.Contains(last, "@"):
		name, dgst, _ := strings.Cut(last, "@")
		// name:tag@digest pins by digest; the tag is informational only.
		name, _, _ = strings.Cut(name, ":")
		d, err := digest.Parse(dgst)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: digest %q: %v", ErrInvalidReference, dgst, err)
		}
		ref.Image = name
		ref.Digest = d
	case strings.Contains(last, ":"):
		name, tag, _ := strings.Cut(last, ":")
		if !anchoredTag.MatchString(tag) {
			return Reference{}, fmt.Errorf("%w: tag %q", ErrInvalidReference, tag)
		}
		ref.Image = name
		ref.Tag = tag
	default:
		ref.Image = last
		ref.Tag = DefaultTag
	}

	if ref.Image == "" || !anchoredName.MatchString(ref.Image) {
		return Reference{}, fmt.Errorf("%w: image name %q", ErrInvalidReference, ref.Image)
	}

	leading := parts[:len(parts)-1]
	if len(leading) > 0 && strings.ContainsAny(leading[0], ".:") {
		if !anchoredDomain.MatchString(leading[0]) {
			return Reference{}, fmt.Errorf("%w: registry host %q", ErrInvalidReference, leading[0])
		}
		ref.Registry = leading[0]
		leading = leading[1:]
		ref.Repository = ""
	}

	for _, p := range leading {
		if strings.Contains(p, ":") {
			return Reference{}, fmt.Errorf("%w: %q contains ':' outside the registry host", ErrAmbiguousReference, p)
		}
	}

	if len(leading) > 0 {
		repo := strings.Join(leading, "/")
		if !anchoredName.MatchString(repo) {
			return Reference{}, fmt.Errorf("%w: repository %q", ErrInvalidReference, repo)
		}
		ref.Repository = repo
	}

	return ref, nil
}

// Name returns the repository name used in registry API paths and token
// scopes, e.g. "library/nginx".
func (r Reference) Name() string {
	if r.Repository == "" {
		return r.Image
	}
	return r.Repository + "/" + r.Image
}

// IsDigest reports whether the reference selects a manifest by digest.
func (r Reference) IsDigest() bool {
	return r.Digest != ""
}

// Selector returns the tag or digest used in the manifests endpoint.
func (r Reference) Selector() string {
	if r.IsDigest() {
		return r.Digest.String()
	}
	return r.Tag
}

// RepositoryKey returns the repository name as docker records it locally:
// the Docker Hub "library" namespace is implied.
func (r Reference) RepositoryKey() string {
	if r.Repository == "" || r.Repository == DefaultRepository {
		return r.Image
	}
	return r.Repository + "/" + r.Image
}

// RepoTags returns the tags to record in manifest.json. Digest pulls carry
// no tag, so the loaded image is left untagged.
func (r Reference) RepoTags() []string {
	if r.IsDigest() {
		return []string{}
	}
	return []string{r.RepositoryKey() + ":" + r.Tag}
}

// ArchiveName returns the default output file name,
// <repository with '/' replaced by '_'>_<image>.tar.
func (r Reference) ArchiveName() string {
	if r.Repository == "" {
		return r.Image + ".tar"
	}
	return strings.ReplaceAll(r.Repository, "/", "_") + "_" + r.Image + ".tar"
}

// StagingDirName returns the working directory name for this reference.
// It is deterministic, so two concurrent pulls of the same image collide.
func (r Reference) StagingDirName() string {
	return "tmp_" + r.Image + "_" + strings.ReplaceAll(r.Selector(), ":", "@")
}

// String returns the reference in canonical form.
func (r Reference) String() string {
	s := r.Registry + "/" + r.Name()
	if r.IsDigest() {
		return s + "@" + r.Digest.String()
	}
	return s + ":" + r.Tag
}
