// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the optional agentpack.yaml on disk. Pointer fields
// distinguish "absent" from zero values during merge.
type FileConfig struct {
	DataDir      *string `yaml:"dataDir"`
	CacheDir     *string `yaml:"cacheDir"`
	OutputDir    *string `yaml:"outputDir"`
	ManifestPath *string `yaml:"manifest"`
	Platform     *string `yaml:"platform"`
	Concurrency  *int    `yaml:"concurrency"`
	RetryMax     *int    `yaml:"retryMax"`
	HTTPTimeout  *string `yaml:"httpTimeout"`
	RateLimitBps *int64  `yaml:"rateLimitBps"`
	Offline      *bool   `yaml:"offline"`
	ProxyURL     *string `yaml:"proxy"`
	CABundle     *string `yaml:"caBundle"`
	StatusAddr   *string `yaml:"statusAddr"`
	Metrics      *bool   `yaml:"metrics"`
	LogLevel     *string `yaml:"logLevel"`
}

// Loader handles configuration loading with precedence ENV > File > Defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath: configPath,
		version:    version,
	}
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order is: defaults -> strict file parse -> env overrides -> validate.
func (l *Loader) Load() (AppConfig, error) {
	cfg := l.defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	l.mergeEnvConfig(&cfg)

	// DataDir must be absolute so staging paths stay unambiguous.
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.DataDir, "cache")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(cfg.DataDir, "dist")
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) defaults() AppConfig {
	return AppConfig{
		DataDir:        "data",
		ManifestPath:   "language-servers-manifest.json",
		Platform:       "win-x64",
		Concurrency:    4,
		RetryMax:       3,
		HTTPTimeout:    5 * time.Minute,
		RateLimitBps:   0,
		Offline:        false,
		StatusAddr:     "",
		MetricsEnabled: true,
		LogLevel:       "info",
		LogService:     "agentpack",
		Version:        l.version,
	}
}

func (l *Loader) loadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fileCfg, nil
}

func mergeFileConfig(cfg *AppConfig, file *FileConfig) {
	if file == nil {
		return
	}
	setString(&cfg.DataDir, file.DataDir)
	setString(&cfg.CacheDir, file.CacheDir)
	setString(&cfg.OutputDir, file.OutputDir)
	setString(&cfg.ManifestPath, file.ManifestPath)
	setString(&cfg.Platform, file.Platform)
	setString(&cfg.ProxyURL, file.ProxyURL)
	setString(&cfg.CABundle, file.CABundle)
	setString(&cfg.StatusAddr, file.StatusAddr)
	setString(&cfg.LogLevel, file.LogLevel)
	if file.Concurrency != nil {
		cfg.Concurrency = *file.Concurrency
	}
	if file.RetryMax != nil {
		cfg.RetryMax = *file.RetryMax
	}
	if file.RateLimitBps != nil {
		cfg.RateLimitBps = *file.RateLimitBps
	}
	if file.Offline != nil {
		cfg.Offline = *file.Offline
	}
	if file.Metrics != nil {
		cfg.MetricsEnabled = *file.Metrics
	}
	if file.HTTPTimeout != nil {
		if d, err := time.ParseDuration(*file.HTTPTimeout); err == nil {
			cfg.HTTPTimeout = d
		}
	}
}

func setString(dst, src *string) {
	if src != nil && *src != "" {
		*dst = *src
	}
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.DataDir = ParseString("AGENTPACK_DATA", cfg.DataDir)
	cfg.CacheDir = ParseString("AGENTPACK_CACHE", cfg.CacheDir)
	cfg.OutputDir = ParseString("AGENTPACK_OUTPUT", cfg.OutputDir)
	cfg.ManifestPath = ParseString("AGENTPACK_MANIFEST", cfg.ManifestPath)
	cfg.Platform = ParseString("AGENTPACK_PLATFORM", cfg.Platform)
	cfg.Concurrency = ParseInt("AGENTPACK_CONCURRENCY", cfg.Concurrency)
	cfg.RetryMax = ParseInt("AGENTPACK_RETRY_MAX", cfg.RetryMax)
	cfg.HTTPTimeout = ParseDuration("AGENTPACK_HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.RateLimitBps = ParseInt64("AGENTPACK_RATE_LIMIT_BPS", cfg.RateLimitBps)
	cfg.Offline = ParseBoolWithAlias("AGENTPACK_OFFLINE", "SERENA_OFFLINE_MODE", cfg.Offline)
	// Only AGENTPACK_PROXY is an explicit proxy. Ambient HTTP(S)_PROXY and
	// NO_PROXY stay with http.ProxyFromEnvironment in the fetch client, so
	// NO_PROXY exclusions keep working.
	cfg.ProxyURL = ParseString("AGENTPACK_PROXY", cfg.ProxyURL)
	cfg.CABundle = ParseStringWithAlias("AGENTPACK_CA_BUNDLE", "SSL_CERT_FILE", cfg.CABundle)
	cfg.StatusAddr = ParseString("AGENTPACK_STATUS_ADDR", cfg.StatusAddr)
	cfg.MetricsEnabled = ParseBool("AGENTPACK_METRICS", cfg.MetricsEnabled)
	cfg.LogLevel = ParseString("AGENTPACK_LOG_LEVEL", cfg.LogLevel)
}
