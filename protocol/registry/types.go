// Package registry implements the client side of the Docker Registry HTTP
// API V2 needed to pull an image: auth discovery, bearer tokens, manifests
// and blobs.
package registry

import (
	"github.com/opencontainers/go-digest"
)

// Media types for Docker and OCI manifests.
const (
	MediaTypeDockerManifestV2   = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex           = "application/vnd.oci.image.index.v1+json"
)

// Docker Hub defaults, used when the registry does not challenge for auth.
const (
	DefaultRegistryHost = "registry-1.docker.io"
	DefaultAuthRealm    = "https://auth.docker.io/token"
	DefaultAuthService  = "registry.docker.io"
)

// ManifestAccept is sent when fetching a single-platform image manifest.
var ManifestAccept = []string{
	MediaTypeDockerManifestV2,
	MediaTypeOCIManifest,
}

// ManifestListAccept is sent when probing for a multi-platform manifest list.
var ManifestListAccept = []string{
	MediaTypeDockerManifestList,
	MediaTypeOCIIndex,
}

// Descriptor describes a blob referenced from a manifest.
type Descriptor struct {
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	URLs      []string      `json:"urls,omitempty"`
}

// Platform describes the OS and architecture of a manifest list entry.
type Platform struct {
	Architecture string   `json:"architecture"`
	OS           string   `json:"os"`
	OSVersion    string   `json:"os.version,omitempty"`
	OSFeatures   []string `json:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty"`
	Features     []string `json:"features,omitempty"`
}

// ManifestDescriptor is a manifest list entry.
type ManifestDescriptor struct {
	Descriptor
	Platform *Platform `json:"platform,omitempty"`
}

// Manifest is a single-platform image manifest. Layers are ordered base
// first.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// ManifestList is a Docker manifest list or OCI image index.
type ManifestList struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType,omitempty"`
	Manifests     []ManifestDescriptor `json:"manifests"`
}

// AuthChallenge is a parsed WWW-Authenticate Bearer challenge.
type AuthChallenge struct {
	Realm   string
	Service string
	Scope   string
}

// TokenResponse is the auth server's token response.
type TokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"` // some registries use this field
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}
