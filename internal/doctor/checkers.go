// SPDX-License-Identifier: MIT

package doctor

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkgsmith/agentpack/internal/config"
	"github.com/pkgsmith/agentpack/internal/manifest"
)

// ProxyChecker validates that the proxy environment is coherent: explicit and
// ambient proxy settings must parse, and mixed configurations are flagged.
type ProxyChecker struct {
	explicit string // from config; empty means ambient env only
}

func NewProxyChecker(explicit string) *ProxyChecker {
	return &ProxyChecker{explicit: explicit}
}

func (c *ProxyChecker) Name() string { return "proxy" }

func (c *ProxyChecker) Check(_ context.Context) Result {
	httpProxy := firstEnv("HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy")

	if c.explicit != "" {
		if _, err := url.Parse(c.explicit); err != nil {
			return Result{Status: StatusUnhealthy, Error: err.Error(), Message: "configured proxy does not parse"}
		}
		if httpProxy != "" && httpProxy != c.explicit {
			return Result{
				Status:  StatusDegraded,
				Message: "configured proxy overrides a different HTTP(S)_PROXY environment value",
			}
		}
		return Result{Status: StatusHealthy, Message: "explicit proxy configured"}
	}

	if httpProxy == "" {
		return Result{Status: StatusHealthy, Message: "no proxy configured"}
	}
	if _, err := url.Parse(httpProxy); err != nil {
		return Result{Status: StatusUnhealthy, Error: err.Error(), Message: "HTTP(S)_PROXY does not parse"}
	}
	return Result{Status: StatusHealthy, Message: "ambient proxy from environment"}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// CABundleChecker verifies that the configured PEM bundle contains at least
// one parseable certificate. TLS-intercepting proxies ship these and a typo
// here fails every download with an opaque x509 error.
type CABundleChecker struct {
	path string
}

func NewCABundleChecker(path string) *CABundleChecker {
	return &CABundleChecker{path: path}
}

func (c *CABundleChecker) Name() string { return "ca_bundle" }

func (c *CABundleChecker) Check(_ context.Context) Result {
	if c.path == "" {
		return Result{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	pem, err := os.ReadFile(c.path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return Result{Status: StatusUnhealthy, Error: err.Error(), Message: "CA bundle unreadable"}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return Result{Status: StatusUnhealthy, Message: "CA bundle contains no parseable certificates"}
	}
	return Result{Status: StatusHealthy, Message: "CA bundle parsed"}
}

// DirsChecker verifies the cache and output directories are writable.
type DirsChecker struct {
	dirs []string
}

func NewDirsChecker(dirs ...string) *DirsChecker {
	return &DirsChecker{dirs: dirs}
}

func (c *DirsChecker) Name() string { return "directories" }

func (c *DirsChecker) Check(_ context.Context) Result {
	for _, dir := range c.dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return Result{Status: StatusUnhealthy, Error: err.Error(), Message: dir}
		}
		probe := filepath.Join(dir, ".doctor-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
			return Result{Status: StatusUnhealthy, Error: err.Error(), Message: "not writable: " + dir}
		}
		_ = os.Remove(probe)
	}
	return Result{Status: StatusHealthy, Message: "all directories writable"}
}

// DiskChecker flags low free space in the data directory. Language server
// bundles run into the gigabytes; running out mid-build leaves partial state.
type DiskChecker struct {
	path  string
	floor uint64 // bytes
}

func NewDiskChecker(path string, floorBytes uint64) *DiskChecker {
	return &DiskChecker{path: path, floor: floorBytes}
}

func (c *DiskChecker) Name() string { return "disk_space" }

func (c *DiskChecker) Check(_ context.Context) Result {
	free, err := diskFree(c.path)
	if err != nil {
		return Result{Status: StatusDegraded, Error: err.Error(), Message: "free space unknown"}
	}
	if free < c.floor {
		return Result{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d MiB free, need at least %d MiB", free>>20, c.floor>>20),
		}
	}
	return Result{Status: StatusHealthy, Message: fmt.Sprintf("%d MiB free", free>>20)}
}

// ManifestChecker loads and validates the manifest and reports arm64 coverage.
type ManifestChecker struct {
	path string
}

func NewManifestChecker(path string) *ManifestChecker {
	return &ManifestChecker{path: path}
}

func (c *ManifestChecker) Name() string { return "manifest" }

func (c *ManifestChecker) Check(_ context.Context) Result {
	m, err := manifest.Load(c.path)
	if err != nil {
		return Result{Status: StatusUnhealthy, Error: err.Error(), Message: c.path}
	}
	if err := m.Validate(); err != nil {
		return Result{Status: StatusUnhealthy, Error: err.Error(), Message: "manifest invalid"}
	}
	report := m.Arm64Report()
	msg := fmt.Sprintf("%d servers", len(m.Servers))
	if !report.Supported {
		msg += ", no win-arm64 coverage"
		return Result{Status: StatusDegraded, Message: msg}
	}
	return Result{Status: StatusHealthy, Message: msg}
}

// RegistryChecker probes the first asset URL of the manifest with a HEAD
// request. Skipped entirely in offline mode.
type RegistryChecker struct {
	cfg    config.AppConfig
	client *http.Client
}

func NewRegistryChecker(cfg config.AppConfig) *RegistryChecker {
	return &RegistryChecker{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RegistryChecker) Name() string { return "registry" }

func (c *RegistryChecker) Check(ctx context.Context) Result {
	if c.cfg.Offline {
		return Result{Status: StatusHealthy, Message: "skipped (offline mode)"}
	}

	m, err := manifest.Load(c.cfg.ManifestPath)
	if err != nil || len(m.Servers) == 0 {
		return Result{Status: StatusDegraded, Message: "no manifest to probe with"}
	}
	target := firstAssetURL(m)
	if target == "" {
		return Result{Status: StatusDegraded, Message: "manifest has no asset URLs"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return Result{Status: StatusUnhealthy, Error: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Status: StatusUnhealthy, Error: err.Error(), Message: "registry unreachable"}
	}
	_ = resp.Body.Close()

	// Some registries answer HEAD with 403/405 but still serve GET fine.
	if resp.StatusCode >= 500 {
		return Result{Status: StatusDegraded, Message: fmt.Sprintf("registry returned %d", resp.StatusCode)}
	}
	return Result{Status: StatusHealthy, Message: fmt.Sprintf("registry answered %d", resp.StatusCode)}
}

func firstAssetURL(m *manifest.Manifest) string {
	for _, s := range m.Servers {
		for _, p := range manifest.KnownPlatforms {
			if a, ok := s.Assets[p]; ok {
				return a.URL
			}
		}
	}
	return ""
}

// ForConfig assembles the standard preflight set for a configuration.
func ForConfig(cfg config.AppConfig) *Manager {
	m := NewManager()
	m.Register(NewProxyChecker(cfg.ProxyURL))
	m.Register(NewCABundleChecker(cfg.CABundle))
	m.Register(NewDirsChecker(cfg.CacheDir, cfg.OutputDir, cfg.DataDir))
	m.Register(NewDiskChecker(cfg.DataDir, 2<<30))
	m.Register(NewManifestChecker(cfg.ManifestPath))
	m.Register(NewRegistryChecker(cfg))
	return m
}
