// SPDX-License-Identifier: MIT

package bundle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWriteLauncherConfig(t *testing.T) {
	st, err := NewStager(t.TempDir())
	require.NoError(t, err)

	resolved := []manifest.Resolved{
		{
			Server: manifest.Server{ID: "gopls", Version: "0.16.2"},
			Asset:  manifest.Asset{Kind: manifest.KindArchiveZip},
		},
		{
			Server: manifest.Server{ID: "pyright", Version: "1.1.390", Runtime: "node"},
			Asset:  manifest.Asset{Kind: manifest.KindNpmPack},
		},
	}
	require.NoError(t, st.WriteLauncherConfig(DefaultLauncherConfig(), resolved))

	data, err := os.ReadFile(filepath.Join(st.Root(), "config", "serena_config.yml"))
	require.NoError(t, err)

	var cfg LauncherConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Equal(t, "stdio", cfg.Transport)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 4*time.Minute, cfg.ToolTimeout)
	require.False(t, cfg.TraceLSP)

	require.Len(t, cfg.Servers, 2)
	require.Equal(t, "language-servers/gopls/0.16.2", cfg.Servers[0].Path)
	require.Equal(t, "node", cfg.Servers[1].Runtime)
}

func TestWriteLauncherScripts(t *testing.T) {
	t.Run("windows", func(t *testing.T) {
		st, err := NewStager(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, st.WriteLauncherScripts(manifest.PlatformWinX64))

		data, err := os.ReadFile(filepath.Join(st.Root(), "bin", "serena-mcp-server.cmd"))
		require.NoError(t, err)
		require.Contains(t, string(data), "SERENA_OFFLINE_MODE=1")
	})

	t.Run("unix", func(t *testing.T) {
		st, err := NewStager(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, st.WriteLauncherScripts(manifest.PlatformLinuxArm64))

		path := filepath.Join(st.Root(), "bin", "serena-mcp-server.sh")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(data), "#!/bin/sh")

		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NotZero(t, info.Mode()&0100, "launcher must be executable")
	})
}
