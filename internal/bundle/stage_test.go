// SPDX-License-Identifier: MIT

package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/stretchr/testify/require"
)

func resolvedZip(t *testing.T, id, version string, entries []fakeEntry) (manifest.Resolved, string) {
	t.Helper()
	blob := writeZipBlob(t, entries)
	return manifest.Resolved{
		Server: manifest.Server{ID: id, Version: version},
		Asset: manifest.Asset{
			URL:  "https://registry.example.com/" + id + ".zip",
			Kind: manifest.KindArchiveZip,
		},
	}, blob
}

func TestStageServerArchiveLayout(t *testing.T) {
	r, blob := resolvedZip(t, "gopls", "0.16.2", []fakeEntry{
		{name: "bin/gopls", body: "fake", mode: 0755},
	})

	st, err := NewStager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.StageServer(context.Background(), r, blob))

	staged := filepath.Join(st.Root(), "language-servers", "gopls", "0.16.2", "bin", "gopls")
	_, err = os.Stat(staged)
	require.NoError(t, err)
}

func TestStageServerExtractTo(t *testing.T) {
	r, blob := resolvedZip(t, "pyright", "1.1.390", []fakeEntry{
		{name: "server.js", body: "js"},
	})
	r.Asset.ExtractTo = "dist"

	st, err := NewStager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.StageServer(context.Background(), r, blob))

	staged := filepath.Join(st.Root(), "language-servers", "pyright", "1.1.390", "dist", "server.js")
	_, err = os.Stat(staged)
	require.NoError(t, err)
}

func TestStageServerBinary(t *testing.T) {
	blob := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(blob, []byte{0x7f, 'E', 'L', 'F', 0}, 0644))

	r := manifest.Resolved{
		Server: manifest.Server{ID: "clangd", Version: "18.1.3"},
		Asset: manifest.Asset{
			URL:  "https://registry.example.com/releases/clangd-linux",
			Kind: manifest.KindBinary,
		},
	}

	st, err := NewStager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.StageServer(context.Background(), r, blob))

	staged := filepath.Join(st.Root(), "language-servers", "clangd", "18.1.3", "clangd-linux")
	info, err := os.Stat(staged)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0100, "staged binaries must be executable")
}

func TestBinaryName(t *testing.T) {
	name, err := binaryName("https://example.com/releases/v1/gopls.exe?token=x")
	require.NoError(t, err)
	require.Equal(t, "gopls.exe", name)

	_, err = binaryName("https://example.com/")
	require.Error(t, err)
}
