package legacy

import (
	"fmt"
	"os"

	"github.com/wolfeidau/docker-pull/backend"
)

// Staging is the working directory holding decompressed layer payloads
// between download and archiving. It is owned by a single run.
type Staging struct {
	*backend.Filesystem
}

// NewStaging removes any leftover directory at dir and creates it afresh.
func NewStaging(dir string) (*Staging, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("removing stale staging directory: %w", err)
	}
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Staging{Filesystem: fs}, nil
}

// Remove deletes the staging directory.
func (s *Staging) Remove() error {
	return s.Purge()
}
