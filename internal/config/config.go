// SPDX-License-Identifier: MIT

// Package config loads and validates agentpack configuration with
// precedence ENV > file > defaults.
package config

import (
	"time"

	"github.com/pkgsmith/agentpack/internal/validate"
)

// Platforms lists every platform key the manifest schema accepts.
var Platforms = []string{
	"win-x64", "win-arm64",
	"linux-x64", "linux-arm64",
	"darwin-x64", "darwin-arm64",
}

// AppConfig is the resolved configuration for a packaging run.
type AppConfig struct {
	// Paths
	DataDir      string // working root; staging lives beneath it
	CacheDir     string // content-addressed blob store + index
	OutputDir    string // final archives and lockfile
	ManifestPath string // language-servers manifest (JSON or YAML)

	// Target
	Platform string // e.g. "win-x64"

	// Download behaviour
	Concurrency  int           // parallel downloads (1..16)
	RetryMax     int           // retries per asset after the first attempt (0..10)
	HTTPTimeout  time.Duration // per-request overall timeout
	RateLimitBps int64         // shared download byte budget, 0 = unlimited

	// Network environment
	Offline  bool   // never touch the network; cache must satisfy the build
	ProxyURL string // explicit proxy; empty means honor HTTP(S)_PROXY/NO_PROXY
	CABundle string // PEM bundle path for TLS interception proxies

	// Status server (watch mode)
	StatusAddr     string
	MetricsEnabled bool

	// Logging
	LogLevel   string
	LogService string

	// Build metadata
	Version string
}

// Validate checks the configuration and returns an accumulated error
// describing every violation.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.Directory("DataDir", cfg.DataDir, false)
	v.Directory("CacheDir", cfg.CacheDir, false)
	v.Directory("OutputDir", cfg.OutputDir, false)
	v.NotEmpty("ManifestPath", cfg.ManifestPath)
	v.OneOf("Platform", cfg.Platform, Platforms)
	v.Range("Concurrency", cfg.Concurrency, 1, 16)
	v.Range("RetryMax", cfg.RetryMax, 0, 10)

	if cfg.ProxyURL != "" {
		v.URL("ProxyURL", cfg.ProxyURL, []string{"http", "https", "socks5"})
	}
	if cfg.CABundle != "" {
		v.File("CABundle", cfg.CABundle)
	}
	if cfg.HTTPTimeout <= 0 {
		v.AddError("HTTPTimeout", "timeout must be positive", cfg.HTTPTimeout)
	}
	if cfg.RateLimitBps < 0 {
		v.AddError("RateLimitBps", "rate limit cannot be negative", cfg.RateLimitBps)
	}

	if !v.IsValid() {
		return v.Err()
	}
	return nil
}
