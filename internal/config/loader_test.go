// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentpack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func testManifestPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	return path
}

func TestLoaderDefaults(t *testing.T) {
	t.Setenv("AGENTPACK_DATA", t.TempDir())
	t.Setenv("AGENTPACK_MANIFEST", testManifestPath(t))

	cfg, err := NewLoader("", "v0.0.0-test").Load()
	require.NoError(t, err)

	require.Equal(t, "win-x64", cfg.Platform)
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, 3, cfg.RetryMax)
	require.Equal(t, 5*time.Minute, cfg.HTTPTimeout)
	require.False(t, cfg.Offline)
	require.True(t, filepath.IsAbs(cfg.DataDir))
	require.Equal(t, filepath.Join(cfg.DataDir, "cache"), cfg.CacheDir)
	require.Equal(t, filepath.Join(cfg.DataDir, "dist"), cfg.OutputDir)
}

func TestLoaderFileOverridesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfigFile(t, `
dataDir: `+dataDir+`
platform: linux-arm64
concurrency: 8
httpTimeout: 90s
offline: true
`)
	t.Setenv("AGENTPACK_MANIFEST", testManifestPath(t))

	cfg, err := NewLoader(path, "v0.0.0-test").Load()
	require.NoError(t, err)

	require.Equal(t, "linux-arm64", cfg.Platform)
	require.Equal(t, 8, cfg.Concurrency)
	require.Equal(t, 90*time.Second, cfg.HTTPTimeout)
	require.True(t, cfg.Offline)
}

func TestLoaderEnvBeatsFile(t *testing.T) {
	path := writeConfigFile(t, "platform: linux-x64\nconcurrency: 2\n")
	t.Setenv("AGENTPACK_DATA", t.TempDir())
	t.Setenv("AGENTPACK_MANIFEST", testManifestPath(t))
	t.Setenv("AGENTPACK_PLATFORM", "win-arm64")
	t.Setenv("AGENTPACK_CONCURRENCY", "6")

	cfg, err := NewLoader(path, "v0.0.0-test").Load()
	require.NoError(t, err)

	require.Equal(t, "win-arm64", cfg.Platform)
	require.Equal(t, 6, cfg.Concurrency)
}

func TestLoaderRejectsUnknownFileKeys(t *testing.T) {
	path := writeConfigFile(t, "platfrom: win-x64\n") // typo must be fatal

	_, err := NewLoader(path, "v0.0.0-test").Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "load config file")
}

func TestLoaderOfflineAlias(t *testing.T) {
	t.Setenv("AGENTPACK_DATA", t.TempDir())
	t.Setenv("AGENTPACK_MANIFEST", testManifestPath(t))
	t.Setenv("SERENA_OFFLINE_MODE", "1")

	cfg, err := NewLoader("", "v0.0.0-test").Load()
	require.NoError(t, err)
	require.True(t, cfg.Offline)

	// Primary key wins over the alias.
	t.Setenv("AGENTPACK_OFFLINE", "false")
	cfg, err = NewLoader("", "v0.0.0-test").Load()
	require.NoError(t, err)
	require.False(t, cfg.Offline)
}

func TestLoaderProxyIgnoresAmbientEnv(t *testing.T) {
	t.Setenv("AGENTPACK_DATA", t.TempDir())
	t.Setenv("AGENTPACK_MANIFEST", testManifestPath(t))
	t.Setenv("HTTPS_PROXY", "http://proxy.corp:3128")
	t.Setenv("NO_PROXY", "internal.registry.example")

	// Ambient proxy vars stay with http.ProxyFromEnvironment; lifting them
	// into ProxyURL would force the proxy past NO_PROXY exclusions.
	cfg, err := NewLoader("", "v0.0.0-test").Load()
	require.NoError(t, err)
	require.Empty(t, cfg.ProxyURL)

	t.Setenv("AGENTPACK_PROXY", "http://other.corp:8080")
	cfg, err = NewLoader("", "v0.0.0-test").Load()
	require.NoError(t, err)
	require.Equal(t, "http://other.corp:8080", cfg.ProxyURL)
}

func TestLoaderInvalidPlatformFailsValidation(t *testing.T) {
	t.Setenv("AGENTPACK_DATA", t.TempDir())
	t.Setenv("AGENTPACK_MANIFEST", testManifestPath(t))
	t.Setenv("AGENTPACK_PLATFORM", "os2-warp")

	_, err := NewLoader("", "v0.0.0-test").Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "Platform")
}
