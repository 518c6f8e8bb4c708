package reference

import (
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

var testDigest = digest.Digest("sha256:" + strings.Repeat("ab", 32))

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantReg  string
		wantRepo string
		wantImg  string
		wantTag  string
		wantDgst digest.Digest
	}{
		{
			name:     "bare image",
			input:    "alpine",
			wantReg:  DefaultRegistry,
			wantRepo: "library",
			wantImg:  "alpine",
			wantTag:  "latest",
		},
		{
			name:     "image with tag",
			input:    "alpine:3.20",
			wantReg:  DefaultRegistry,
			wantRepo: "library",
			wantImg:  "alpine",
			wantTag:  "3.20",
		},
		{
			name:     "namespace and tag",
			input:    "bitnami/redis:7.2",
			wantReg:  DefaultRegistry,
			wantRepo: "bitnami",
			wantImg:  "redis",
			wantTag:  "7.2",
		},
		{
			name:     "registry namespace and tag",
			input:    "registry.cn-shenzhen.aliyuncs.com/auto_image/pytorch:20.12-py3",
			wantReg:  "registry.cn-shenzhen.aliyuncs.com",
			wantRepo: "auto_image",
			wantImg:  "pytorch",
			wantTag:  "20.12-py3",
		},
		{
			name:     "registry with port and nested repository",
			input:    "localhost:5000/team/tools/builder:v1",
			wantReg:  "localhost:5000",
			wantRepo: "team/tools",
			wantImg:  "builder",
			wantTag:  "v1",
		},
		{
			name:     "ip registry with port",
			input:    "127.0.0.1:38753/team/app:1",
			wantReg:  "127.0.0.1:38753",
			wantRepo: "team",
			wantImg:  "app",
			wantTag:  "1",
		},
		{
			name:    "registry without namespace",
			input:   "ghcr.io/app",
			wantReg: "ghcr.io",
			wantImg: "app",
			wantTag: "latest",
		},
		{
			name:     "digest",
			input:    "alpine@" + testDigest.String(),
			wantReg:  DefaultRegistry,
			wantRepo: "library",
			wantImg:  "alpine",
			wantDgst: testDigest,
		},
		{
			name:     "tag and digest prefers digest",
			input:    "mcr.microsoft.com/windows/nanoserver:ltsc2022@" + testDigest.String(),
			wantReg:  "mcr.microsoft.com",
			wantRepo: "windows",
			wantImg:  "nanoserver",
			wantDgst: testDigest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Parse(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.wantReg, ref.Registry)
			require.Equal(t, tt.wantRepo, ref.Repository)
			require.Equal(t, tt.wantImg, ref.Image)
			require.Equal(t, tt.wantTag, ref.Tag)
			require.Equal(t, tt.wantDgst, ref.Digest)
			require.NotEqual(t, ref.Tag == "", ref.Digest == "", "exactly one selector must be set")
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty", input: "", wantErr: ErrInvalidReference},
		{name: "empty segment", input: "library//alpine", wantErr: ErrInvalidReference},
		{name: "trailing slash", input: "alpine/", wantErr: ErrInvalidReference},
		{name: "short digest", input: "alpine@sha256:aaa", wantErr: ErrInvalidReference},
		{name: "bad tag", input: "alpine:-bad", wantErr: ErrInvalidReference},
		{name: "uppercase image", input: "Alpine", wantErr: ErrInvalidReference},
		{name: "empty image", input: ":latest", wantErr: ErrInvalidReference},
		{name: "bad registry host", input: "-bad.io/team/app", wantErr: ErrInvalidReference},
		{name: "port in namespace", input: "team/host:5000/app", wantErr: ErrAmbiguousReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReferenceNames(t *testing.T) {
	t.Run("docker hub official image", func(t *testing.T) {
		ref, err := Parse("alpine:3.20")
		require.NoError(t, err)
		require.Equal(t, "library/alpine", ref.Name())
		require.Equal(t, "alpine", ref.RepositoryKey())
		require.Equal(t, []string{"alpine:3.20"}, ref.RepoTags())
		require.Equal(t, "library_alpine.tar", ref.ArchiveName())
		require.Equal(t, "tmp_alpine_3.20", ref.StagingDirName())
		require.Equal(t, "registry-1.docker.io/library/alpine:3.20", ref.String())
	})

	t.Run("nested repository", func(t *testing.T) {
		ref, err := Parse("quay.io/org/team/app:v2")
		require.NoError(t, err)
		require.Equal(t, "org/team/app", ref.Name())
		require.Equal(t, "org/team/app", ref.RepositoryKey())
		require.Equal(t, []string{"org/team/app:v2"}, ref.RepoTags())
		require.Equal(t, "org_team_app.tar", ref.ArchiveName())
	})

	t.Run("registry without namespace", func(t *testing.T) {
		ref, err := Parse("ghcr.io/app:1")
		require.NoError(t, err)
		require.Equal(t, "app", ref.Name())
		require.Equal(t, "app", ref.RepositoryKey())
		require.Equal(t, "app.tar", ref.ArchiveName())
	})

	t.Run("digest", func(t *testing.T) {
		ref, err := Parse("alpine@" + testDigest.String())
		require.NoError(t, err)
		require.True(t, ref.IsDigest())
		require.Equal(t, testDigest.String(), ref.Selector())
		require.Empty(t, ref.RepoTags())
		require.Equal(t, "tmp_alpine_sha256@"+testDigest.Encoded(), ref.StagingDirName())
		require.Equal(t, "registry-1.docker.io/library/alpine@"+testDigest.String(), ref.String())
	})
}
