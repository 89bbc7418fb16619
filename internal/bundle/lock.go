// SPDX-License-Identifier: MIT

package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkgsmith/agentpack/internal/manifest"
)

// LockFileName is the pin file written next to the assembled archive.
const LockFileName = "agentpack.lock.json"

// Lock records exactly what went into a bundle so a rebuild from the same
// manifest can be compared byte for byte.
type Lock struct {
	SchemaVersion  string            `json:"schemaVersion"`
	BuildID        string            `json:"buildId"`
	BuilderVersion string            `json:"builderVersion"`
	Platform       manifest.Platform `json:"platform"`
	ManifestDigest string            `json:"manifestDigest"`
	CreatedAt      time.Time         `json:"createdAt"`
	Servers        []LockedServer    `json:"servers"`
}

// LockedServer pins one bundled server to the digest that was staged.
type LockedServer struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Digest  string `json:"sha256"`
	URL     string `json:"url"`
}

// NewLock builds a lock from the resolved set, preserving manifest order.
func NewLock(buildID, builderVersion, manifestDigest string, platform manifest.Platform, resolved []manifest.Resolved) Lock {
	l := Lock{
		SchemaVersion:  "1",
		BuildID:        buildID,
		BuilderVersion: builderVersion,
		Platform:       platform,
		ManifestDigest: manifestDigest,
		CreatedAt:      time.Now().UTC(),
	}
	for _, r := range resolved {
		l.Servers = append(l.Servers, LockedServer{
			ID:      r.Server.ID,
			Version: r.Server.Version,
			Digest:  r.Asset.SHA256,
			URL:     r.Asset.URL,
		})
	}
	return l
}

// WriteLock writes the lock atomically to path.
func WriteLock(path string, l Lock) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

// ReadLock loads and strictly decodes a lockfile.
func ReadLock(path string) (Lock, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return Lock{}, fmt.Errorf("read lock: %w", err)
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return Lock{}, fmt.Errorf("parse lock: %w", err)
	}
	if l.SchemaVersion != "1" {
		return Lock{}, fmt.Errorf("unsupported lock schema version %q", l.SchemaVersion)
	}
	return l, nil
}
