// Package opprovider resolves credential template secrets with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/docker-pull/credentials"
)

// Command is the 1Password CLI binary invoked by WithOnePassword.
var Command = "op"

// WithOnePassword registers an "op" template function that resolves
// op://vault/item/field references with `op read`, e.g.
//
//	{"host": "ghcr.io", "password": {{ op "op://ci/ghcr/token" | json }}}
func WithOnePassword() credentials.ResolverOption {
	return credentials.WithProvider("op", Read)
}

// Read resolves a single secret reference.
func Read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return "", fmt.Errorf("secret reference %q must start with op://", ref)
	}

	cmd := exec.CommandContext(ctx, Command, "read", "--no-newline", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
