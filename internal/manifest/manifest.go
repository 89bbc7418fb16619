// SPDX-License-Identifier: MIT

// Package manifest defines the language-server manifest schema and the
// operations the packaging pipeline performs on it: load, validate, resolve
// for a target platform, arm64 coverage reporting and diffing.
package manifest

import (
	"strconv"
	"strings"

	"github.com/pkgsmith/agentpack/internal/validate"
)

// SchemaVersion is the only manifest schema this builder understands.
const SchemaVersion = "1"

// Platform identifies an os/arch pair in manifest keys, e.g. "win-x64".
type Platform string

const (
	PlatformWinX64      Platform = "win-x64"
	PlatformWinArm64    Platform = "win-arm64"
	PlatformLinuxX64    Platform = "linux-x64"
	PlatformLinuxArm64  Platform = "linux-arm64"
	PlatformDarwinX64   Platform = "darwin-x64"
	PlatformDarwinArm64 Platform = "darwin-arm64"
)

// KnownPlatforms lists every accepted platform key.
var KnownPlatforms = []Platform{
	PlatformWinX64, PlatformWinArm64,
	PlatformLinuxX64, PlatformLinuxArm64,
	PlatformDarwinX64, PlatformDarwinArm64,
}

// Kind describes how a downloaded asset is materialized into the bundle.
type Kind string

const (
	KindArchiveZip Kind = "archive-zip"
	KindArchiveTgz Kind = "archive-tgz"
	KindBinary     Kind = "binary"
	KindVsix       Kind = "vsix" // zip container, extracted like archive-zip
	KindNpmPack    Kind = "npm-pack"
)

var knownKinds = []Kind{KindArchiveZip, KindArchiveTgz, KindBinary, KindVsix, KindNpmPack}

// Asset is one downloadable artifact for a concrete platform.
type Asset struct {
	URL         string `json:"url" yaml:"url"`
	SHA256      string `json:"sha256" yaml:"sha256"`
	Size        int64  `json:"size" yaml:"size"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	ExtractTo   string `json:"extractTo,omitempty" yaml:"extractTo,omitempty"`
	StripPrefix string `json:"stripPrefix,omitempty" yaml:"stripPrefix,omitempty"`
}

// Server is one language server entry in the manifest.
type Server struct {
	ID        string             `json:"id" yaml:"id"`
	Name      string             `json:"name" yaml:"name"`
	Version   string             `json:"version" yaml:"version"`
	Required  bool               `json:"required" yaml:"required"`
	Runtime   string             `json:"runtime,omitempty" yaml:"runtime,omitempty"` // e.g. "node", "python", "" for native
	Emulation bool               `json:"emulation,omitempty" yaml:"emulation,omitempty"`
	Assets    map[Platform]Asset `json:"assets" yaml:"assets"`
}

// Manifest is the root document.
type Manifest struct {
	SchemaVersion string   `json:"schemaVersion" yaml:"schemaVersion"`
	GeneratedAt   string   `json:"generatedAt,omitempty" yaml:"generatedAt,omitempty"`
	Servers       []Server `json:"servers" yaml:"servers"`
}

// Validate checks the whole manifest and returns an accumulated error
// describing every violation. It never mutates the manifest.
func (m *Manifest) Validate() error {
	v := validate.New()

	if m.SchemaVersion != SchemaVersion {
		v.AddError("schemaVersion",
			"unsupported schema version, expected \""+SchemaVersion+"\"", m.SchemaVersion)
	}
	if len(m.Servers) == 0 {
		v.AddError("servers", "a distribution must bundle at least one server", nil)
	}

	seen := make(map[string]struct{}, len(m.Servers))
	for i, s := range m.Servers {
		field := "servers[" + s.ID + "]"
		if s.ID == "" {
			field = "servers[#" + strconv.Itoa(i) + "]"
		}

		v.Slug(field+".id", s.ID)
		if _, dup := seen[s.ID]; dup {
			v.AddError(field+".id", "duplicate server id", s.ID)
		}
		seen[s.ID] = struct{}{}

		v.NotEmpty(field+".name", s.Name)
		validateVersion(v, field+".version", s.Version)

		if len(s.Assets) == 0 {
			v.AddError(field+".assets", "server has no assets", nil)
		}
		for plat, a := range s.Assets {
			af := field + ".assets[" + string(plat) + "]"
			if !knownPlatform(plat) {
				v.AddError(af, "unknown platform key", string(plat))
			}
			v.URL(af+".url", a.URL, []string{"https"})
			v.Sha256(af+".sha256", a.SHA256)
			if a.Size <= 0 {
				v.AddError(af+".size", "size must be positive", a.Size)
			}
			if !knownKind(a.Kind) {
				v.AddError(af+".kind", "unknown asset kind", string(a.Kind))
			}
			v.Path(af+".extractTo", a.ExtractTo)
		}
	}

	if !v.IsValid() {
		return v.Err()
	}
	return nil
}

func knownPlatform(p Platform) bool {
	for _, k := range KnownPlatforms {
		if p == k {
			return true
		}
	}
	return false
}

func knownKind(k Kind) bool {
	for _, known := range knownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// validateVersion accepts "1.2.3", "v1.2.3" and pre-release suffixes; the
// upstream registries are not consistent enough for strict semver.
func validateVersion(v *validate.Validator, field, version string) {
	if strings.TrimSpace(version) == "" {
		v.AddError(field, "version cannot be empty", version)
		return
	}
	trimmed := strings.TrimPrefix(version, "v")
	if trimmed == "" || !isDigit(rune(trimmed[0])) {
		v.AddError(field, "version must start with a digit (optionally prefixed with 'v')", version)
	}
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
