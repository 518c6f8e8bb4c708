package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, r *Resolver, input string) *Credentials {
	t.Helper()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	return creds
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_PASSWORD", "secret123")

	creds := resolve(t, NewResolver(), `{"registries": [{"host": "ghcr.io", "username": "me", "password": {{ env "TEST_PASSWORD" | json }}}]}`)
	require.Len(t, creds.Registries, 1)
	require.Equal(t, "secret123", creds.Registries[0].Password)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	input := `{"registries": [{"host": "ghcr.io", "password": {{ env "NONEXISTENT_VAR_XYZ" | json }}}]}`
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	creds := resolve(t, NewResolver(), `{"registries": [{"host": "ghcr.io", "username": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}]}`)
	require.Equal(t, "fallback", creds.Registries[0].Username)

	t.Setenv("TEST_USER", "actual")
	creds = resolve(t, NewResolver(), `{"registries": [{"host": "ghcr.io", "username": {{ envDefault "TEST_USER" "fallback" | json }}}]}`)
	require.Equal(t, "actual", creds.Registries[0].Username)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600))

	creds := resolve(t, NewResolver(), `{"registries": [{"host": "quay.io", "password": {{ file "`+tmpFile+`" | json }}}]}`)
	require.Equal(t, "file-secret", creds.Registries[0].Password)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	creds := resolve(t, NewResolver(), `{"registries": [{"host": "quay.io", "password": {{ env "TEST_SPECIAL" | json }}}]}`)
	require.Equal(t, `value with "quotes" and \backslash`, creds.Registries[0].Password)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{"registries": [
		{"host": "docker.io", "username": "me", "password": {{ mock "same-ref" | json }}},
		{"host": "mirror.example.com", "username": "me", "password": {{ mock "same-ref" | json }}}
	]}`
	creds := resolve(t, NewResolver(WithProvider("mock", mockProvider)), input)
	require.Equal(t, "resolved-same-ref", creds.Registries[0].Password)
	require.Equal(t, "resolved-same-ref", creds.Registries[1].Password)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_ProviderError(t *testing.T) {
	failing := func(_ context.Context, ref string) (string, error) {
		return "", errors.New("vault sealed")
	}

	input := `{"registries": [{"host": "docker.io", "password": {{ mock "x" | json }}}]}`
	_, err := NewResolver(WithProvider("mock", failing)).ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "vault sealed")
}

func TestResolveReader_MissingHost(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`{"registries": [{"username": "me"}]}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no host")
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`{"registries": {{ .UndefinedKey }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`not valid json`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	creds := resolve(t, NewResolver(), `{}`)
	require.Empty(t, creds.Registries)

	_, ok := creds.Lookup("docker.io")
	require.False(t, ok)
}

func TestResolveReader_OversizedInput(t *testing.T) {
	input := strings.Repeat("x", maxInputSize+1)
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_PASSWORD", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "registries.json.tmpl")
	err := os.WriteFile(tmpFile, []byte(`{"registries": [{"host": "ghcr.io", "username": "me", "password": {{ env "TEST_PASSWORD" | json }}}]}`), 0o600)
	require.NoError(t, err)

	creds, err := NewResolver().ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.Registries[0].Password)
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestLookup(t *testing.T) {
	creds := &Credentials{Registries: []RegistryAuth{
		{Host: "docker.io", Username: "hub-user", Password: "hub-pass"},
		{Host: "https://GHCR.io/", Username: "gh-user", Password: "gh-pass"},
		{Host: "localhost:5000", Username: "local"},
	}}

	tests := []struct {
		host     string
		wantUser string
		wantOK   bool
	}{
		{"registry-1.docker.io", "hub-user", true},
		{"index.docker.io", "hub-user", true},
		{"ghcr.io", "gh-user", true},
		{"localhost:5000", "local", true},
		{"localhost:5001", "", false},
		{"quay.io", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			auth, ok := creds.Lookup(tt.host)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantUser, auth.Username)
		})
	}

	t.Run("nil credentials", func(t *testing.T) {
		var none *Credentials
		_, ok := none.Lookup("docker.io")
		require.False(t, ok)
	})
}
