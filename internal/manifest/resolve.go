// SPDX-License-Identifier: MIT

package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Resolved pairs a server with the asset selected for the target platform.
type Resolved struct {
	Server Server
	Asset  Asset
}

// PlatformGapError reports required servers that cannot be satisfied on the
// requested platform.
type PlatformGapError struct {
	Platform Platform
	Missing  []string // server IDs
}

func (e *PlatformGapError) Error() string {
	return fmt.Sprintf("platform %s not supported by required servers: %s",
		e.Platform, strings.Join(e.Missing, ", "))
}

// Resolve selects the asset for every server that provides the platform,
// preserving manifest order so builds stay deterministic. A required server
// without the platform and without an emulation escape hatch fails the
// resolution with a PlatformGapError naming every gap at once.
func (m *Manifest) Resolve(platform Platform) ([]Resolved, error) {
	var out []Resolved
	var missing []string

	for _, s := range m.Servers {
		asset, ok := s.Assets[platform]
		if !ok {
			// win-arm64 may fall back to the x64 asset when the server is
			// flagged as runnable under emulation.
			if platform == PlatformWinArm64 && s.Emulation {
				if fallback, has := s.Assets[PlatformWinX64]; has {
					out = append(out, Resolved{Server: s, Asset: fallback})
					continue
				}
			}
			if s.Required {
				missing = append(missing, s.ID)
			}
			continue
		}
		out = append(out, Resolved{Server: s, Asset: asset})
	}

	if len(missing) > 0 {
		return nil, &PlatformGapError{Platform: platform, Missing: missing}
	}
	return out, nil
}

// Arm64Support classifies one server's windows-arm64 story.
type Arm64Support string

const (
	Arm64Native      Arm64Support = "native"
	Arm64Emulated    Arm64Support = "emulated"
	Arm64Unsupported Arm64Support = "unsupported"
)

// Arm64Report summarizes windows-arm64 coverage across the manifest.
type Arm64Report struct {
	Supported bool                    // every required server is native or emulated
	Servers   map[string]Arm64Support // keyed by server ID
}

// Arm64Report classifies each server and decides whether a win-arm64 bundle
// can be produced at all.
func (m *Manifest) Arm64Report() Arm64Report {
	report := Arm64Report{
		Supported: true,
		Servers:   make(map[string]Arm64Support, len(m.Servers)),
	}

	for _, s := range m.Servers {
		switch {
		case hasPlatform(s, PlatformWinArm64):
			report.Servers[s.ID] = Arm64Native
		case s.Emulation && hasPlatform(s, PlatformWinX64):
			report.Servers[s.ID] = Arm64Emulated
		default:
			report.Servers[s.ID] = Arm64Unsupported
			if s.Required {
				report.Supported = false
			}
		}
	}

	return report
}

func hasPlatform(s Server, p Platform) bool {
	_, ok := s.Assets[p]
	return ok
}

func hexSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
