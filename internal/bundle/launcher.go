// SPDX-License-Identifier: MIT

package bundle

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkgsmith/agentpack/internal/manifest"
	"gopkg.in/yaml.v3"
)

// LauncherConfig is the runtime configuration shipped inside the bundle. The
// packaged agent reads it at startup; fields mirror its command line surface.
type LauncherConfig struct {
	Transport   string           `yaml:"transport"`
	LogLevel    string           `yaml:"logLevel"`
	ToolTimeout time.Duration    `yaml:"toolTimeout"`
	TraceLSP    bool             `yaml:"traceLspCommunication"`
	Servers     []LauncherServer `yaml:"languageServers"`
}

// LauncherServer points the agent at one staged language server.
type LauncherServer struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
	Path    string `yaml:"path"`
	Runtime string `yaml:"runtime,omitempty"`
}

// DefaultLauncherConfig returns the shipped defaults: stdio transport, info
// logging, 4 minute tool timeout, LSP tracing off.
func DefaultLauncherConfig() LauncherConfig {
	return LauncherConfig{
		Transport:   "stdio",
		LogLevel:    "info",
		ToolTimeout: 4 * time.Minute,
		TraceLSP:    false,
	}
}

// WriteLauncherConfig renders config/serena_config.yml for the staged servers.
func (st *Stager) WriteLauncherConfig(cfg LauncherConfig, resolved []manifest.Resolved) error {
	for _, r := range resolved {
		cfg.Servers = append(cfg.Servers, LauncherServer{
			ID:      r.Server.ID,
			Version: r.Server.Version,
			Path:    "language-servers/" + r.Server.ID + "/" + r.Server.Version,
			Runtime: r.Server.Runtime,
		})
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal launcher config: %w", err)
	}
	return st.writeFileAtomic("config/serena_config.yml", data, 0644)
}

// WriteLauncherScripts emits the bin/ entry points. Windows targets get a
// .cmd, everything else a .sh; both pass --project/--context/--mode through
// untouched so the packaged agent owns their semantics.
func (st *Stager) WriteLauncherScripts(platform manifest.Platform) error {
	// The agent binary itself is dropped into runtime/ by the release
	// pipeline, not by this builder; the placeholder documents the contract.
	if err := st.writeFileAtomic("runtime/README.md", []byte(runtimeReadme), 0644); err != nil {
		return err
	}
	if strings.HasPrefix(string(platform), "win-") {
		return st.writeFileAtomic("bin/serena-mcp-server.cmd", []byte(windowsLauncher), 0755)
	}
	return st.writeFileAtomic("bin/serena-mcp-server.sh", []byte(unixLauncher), 0755)
}

const runtimeReadme = `# runtime/

Place the serena-mcp-server executable for this platform here. The launchers
in bin/ resolve it relative to the package root.
`

const windowsLauncher = `@echo off
setlocal
set "PACK_ROOT=%~dp0.."
set "SERENA_CONFIG=%PACK_ROOT%\config\serena_config.yml"
set "SERENA_LS_ROOT=%PACK_ROOT%\language-servers"
set "SERENA_OFFLINE_MODE=1"
rem Flags such as --project, --context and --mode pass straight through.
"%PACK_ROOT%\runtime\serena-mcp-server.exe" --config "%SERENA_CONFIG%" %*
endlocal
`

const unixLauncher = `#!/bin/sh
set -eu
PACK_ROOT="$(cd "$(dirname "$0")/.." && pwd)"
SERENA_CONFIG="$PACK_ROOT/config/serena_config.yml"
SERENA_LS_ROOT="$PACK_ROOT/language-servers"
SERENA_OFFLINE_MODE=1
export SERENA_CONFIG SERENA_LS_ROOT SERENA_OFFLINE_MODE
# Flags such as --project, --context and --mode pass straight through.
exec "$PACK_ROOT/runtime/serena-mcp-server" --config "$SERENA_CONFIG" "$@"
`
