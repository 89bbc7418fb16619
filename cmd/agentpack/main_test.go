// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

const validManifest = `{
	"schemaVersion": "1",
	"servers": [{
		"id": "gopls",
		"name": "gopls",
		"version": "0.16.2",
		"required": true,
		"assets": {
			"win-x64": {
				"url": "https://example.com/gopls.zip",
				"sha256": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				"size": 10,
				"kind": "archive-zip"
			}
		}
	}]
}`

func TestRunDispatch(t *testing.T) {
	require.Equal(t, 2, run(nil), "no arguments prints usage")
	require.Equal(t, 2, run([]string{"frobnicate"}), "unknown command")
	require.Equal(t, 0, run([]string{"help"}))
	require.Equal(t, 0, run([]string{"version"}))
}

func TestManifestValidateCommand(t *testing.T) {
	path := writeManifest(t, validManifest)
	require.Equal(t, 0, run([]string{"manifest", "validate", "-manifest", path}))

	broken := writeManifest(t, `{"schemaVersion": "1", "servers": []}`)
	require.Equal(t, 1, run([]string{"manifest", "validate", "-manifest", broken}))
}

func TestManifestResolveCommand(t *testing.T) {
	path := writeManifest(t, validManifest)
	require.Equal(t, 0, run([]string{"manifest", "resolve", "-manifest", path, "-platform", "win-x64"}))
	require.Equal(t, 1, run([]string{"manifest", "resolve", "-manifest", path, "-platform", "linux-x64"}))
}

func TestManifestArm64Command(t *testing.T) {
	path := writeManifest(t, validManifest)
	// gopls has no win-arm64 asset and no emulation flag: unsupported.
	require.Equal(t, 1, run([]string{"manifest", "arm64", "-manifest", path}))
}

func TestManifestDiffCommand(t *testing.T) {
	path := writeManifest(t, validManifest)
	require.Equal(t, 0, run([]string{"manifest", "diff", path, path}))
}
