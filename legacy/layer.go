// Package legacy rebuilds registry images in the legacy docker save layout:
// one directory per chained layer ID holding VERSION, json and layer.tar,
// plus manifest.json and repositories at the top.
package legacy

import (
	_ "crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// File names inside a docker save archive.
const (
	ManifestFileName           = "manifest.json"
	LegacyLayerFileName        = "layer.tar"
	LegacyConfigFileName       = "json"
	LegacyVersionFileName      = "VERSION"
	LegacyRepositoriesFileName = "repositories"

	// LegacyVersion is the content of every layer's VERSION file.
	LegacyVersion = "1.0"

	compressedLayerFileName = "layer_gzip.tar"
)

// Layer is one assembled legacy layer. The layer.tar payload lives in the
// staging store under TarPath; everything else is held in memory.
type Layer struct {
	// ID is the chained legacy layer ID.
	ID string

	// Parent is the previous layer's ID, empty for the base layer.
	Parent string

	// Digest is the compressed blob digest from the manifest.
	Digest digest.Digest

	// MediaType is the blob media type from the manifest.
	MediaType string

	// JSON is the legacy per-layer config.
	JSON []byte

	// Size is the uncompressed layer.tar size.
	Size int64
}

// TarPath returns "<id>/layer.tar", the path of the layer in the archive and
// in the staging store.
func (l Layer) TarPath() string {
	return l.ID + "/" + LegacyLayerFileName
}

// Image is the in-memory record of an assembled image.
type Image struct {
	// Layers are ordered base first.
	Layers []Layer

	// Config is the raw image config blob.
	Config []byte
}

// TopLayerID returns the ID of the topmost layer.
func (img *Image) TopLayerID() string {
	if len(img.Layers) == 0 {
		return ""
	}
	return img.Layers[len(img.Layers)-1].ID
}

// LayerID computes the legacy layer ID:
// hex(sha256(parentID + "\n" + blobDigest + "\n")).
// It is unrelated to the content digest of the layer.
func LayerID(parentID string, blobDigest digest.Digest) string {
	return digest.SHA256.FromString(parentID + "\n" + blobDigest.String() + "\n").Encoded()
}

type placeholderContainerConfig struct {
	Hostname     string `json:"Hostname"`
	Domainname   string `json:"Domainname"`
	User         string `json:"User"`
	AttachStdin  bool   `json:"AttachStdin"`
	AttachStdout bool   `json:"AttachStdout"`
	AttachStderr bool   `json:"AttachStderr"`
	Tty          bool   `json:"Tty"`
	OpenStdin    bool   `json:"OpenStdin"`
	StdinOnce    bool   `json:"StdinOnce"`
	Env          any    `json:"Env"`
	Cmd          any    `json:"Cmd"`
	Image        string `json:"Image"`
	Volumes      any    `json:"Volumes"`
	WorkingDir   string `json:"WorkingDir"`
	Entrypoint   any    `json:"Entrypoint"`
	OnBuild      any    `json:"OnBuild"`
	Labels       any    `json:"Labels"`
}

type placeholderConfig struct {
	Created         time.Time                  `json:"created"`
	ContainerConfig placeholderContainerConfig `json:"container_config"`
}

// PlaceholderConfig returns the config JSON used for every layer except the
// topmost: an epoch creation time and an empty container config.
func PlaceholderConfig() []byte {
	b, err := json.Marshal(placeholderConfig{Created: time.Unix(0, 0).UTC()})
	if err != nil {
		panic(fmt.Sprintf("marshalling placeholder config: %v", err))
	}
	return b
}

// LayerJSON builds a layer's json file from base. The history and rootfs keys
// are dropped in any letter case, id is set, and parent is set unless parentID
// is empty.
func LayerJSON(base []byte, id, parentID string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, fmt.Errorf("decoding layer config: %w", err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}

	for k := range doc {
		if strings.EqualFold(k, "history") || strings.EqualFold(k, "rootfs") {
			delete(doc, k)
		}
	}
	// Stale values from the source config must not survive.
	delete(doc, "id")
	delete(doc, "parent")

	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	doc["id"] = idJSON

	if parentID != "" {
		parentJSON, err := json.Marshal(parentID)
		if err != nil {
			return nil, err
		}
		doc["parent"] = parentJSON
	}

	return json.Marshal(doc)
}
