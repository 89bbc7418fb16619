// SPDX-License-Identifier: MIT

package bundle

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	name string
	body string
	mode os.FileMode
}

func writeZipBlob(t *testing.T, entries []fakeEntry) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.mode == 0 {
			e.mode = 0644
		}
		hdr.SetMode(e.mode)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "blob.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func writeTgzBlob(t *testing.T, entries []fakeEntry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0644
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: e.name,
			Mode: int64(mode),
			Size: int64(len(e.body)),
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "blob.tgz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestStripEntry(t *testing.T) {
	tests := []struct {
		name   string
		entry  string
		prefix string
		want   string
		keep   bool
	}{
		{"no prefix", "bin/gopls", "", "bin/gopls", true},
		{"dot slash trimmed", "./bin/gopls", "", "bin/gopls", true},
		{"prefix stripped", "gopls_v1/bin/gopls", "gopls_v1", "bin/gopls", true},
		{"prefix with slash", "pkg/dist/index.js", "pkg/", "dist/index.js", true},
		{"bare prefix dropped", "gopls_v1", "gopls_v1", "", false},
		{"outside prefix dropped", "README.md", "gopls_v1", "", false},
		{"empty name dropped", "", "", "", false},
		{"dot dropped", ".", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep := stripEntry(tt.entry, tt.prefix)
			require.Equal(t, tt.keep, keep)
			if keep {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExtractZip(t *testing.T) {
	blob := writeZipBlob(t, []fakeEntry{
		{name: "gopls_v1/bin/gopls", body: "#!fake binary", mode: 0755},
		{name: "gopls_v1/LICENSE", body: "MIT"},
	})

	dest := t.TempDir()
	require.NoError(t, extractZip(blob, dest, "gopls_v1"))

	data, err := os.ReadFile(filepath.Join(dest, "LICENSE"))
	require.NoError(t, err)
	require.Equal(t, "MIT", string(data))

	info, err := os.Stat(filepath.Join(dest, "bin", "gopls"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0100, "execute bit must survive extraction")
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	blob := writeZipBlob(t, []fakeEntry{
		{name: "../evil.sh", body: "#!/bin/sh"},
	})

	parent := t.TempDir()
	dest := filepath.Join(parent, "extract")
	require.NoError(t, os.MkdirAll(dest, 0750))

	err := extractZip(blob, dest, "")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(parent, "evil.sh"))
	require.True(t, os.IsNotExist(statErr), "traversal entry must not be written")
}

func TestExtractZipRejectsSymlinks(t *testing.T) {
	blob := writeZipBlob(t, []fakeEntry{
		{name: "link", body: "/etc/passwd", mode: os.ModeSymlink | 0777},
	})

	err := extractZip(blob, t.TempDir(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "symlink")
}

func TestExtractTgz(t *testing.T) {
	blob := writeTgzBlob(t, []fakeEntry{
		{name: "package/dist/server.js", body: "module.exports = {}"},
		{name: "package/package.json", body: "{}"},
	})

	dest := t.TempDir()
	require.NoError(t, extractTgz(blob, dest, "package"))

	data, err := os.ReadFile(filepath.Join(dest, "dist", "server.js"))
	require.NoError(t, err)
	require.Equal(t, "module.exports = {}", string(data))
}

func TestWriteEntryCapped(t *testing.T) {
	dir := t.TempDir()

	target := filepath.Join(dir, "small")
	require.NoError(t, writeEntryCapped(target, bytes.NewReader(make([]byte, 16)), 0644, 16))
	info, err := os.Stat(target)
	require.NoError(t, err)
	require.EqualValues(t, 16, info.Size())

	// An oversized entry must fail instead of staging a silently truncated file.
	err = writeEntryCapped(filepath.Join(dir, "big"), bytes.NewReader(make([]byte, 17)), 0644, 16)
	require.Error(t, err)
	require.Contains(t, err.Error(), "decompression cap")
}

func TestExtractTgzRejectsLinks(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "escape",
		Typeflag: tar.TypeSymlink,
		Linkname: "/etc/passwd",
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "links.tgz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	err := extractTgz(path, t.TempDir(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "links are not allowed")
}
