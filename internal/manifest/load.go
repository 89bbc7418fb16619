// SPDX-License-Identifier: MIT

package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a manifest from path. JSON is parsed strictly (unknown fields
// rejected); ".yml"/".yaml" files go through the YAML decoder with the same
// strictness. Load does not validate; callers decide when to run Validate.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided manifest path
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
		}
	}

	return &m, nil
}

// Digest returns the sha256 hex digest of the canonical JSON encoding of m.
// It pins the lockfile to the exact manifest a bundle was built from.
func (m *Manifest) Digest() (string, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	return hexSum(buf), nil
}
