// SPDX-License-Identifier: MIT

package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkgsmith/agentpack/internal/metrics"
)

// ErrChecksum marks digest mismatches so callers can distinguish corruption
// from transport failures.
var ErrChecksum = errors.New("checksum mismatch")

// Digest returns the lowercase sha256 hex digest of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- paths come from the confined staging tree
	if err != nil {
		return "", fmt.Errorf("open for digest: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckDigest verifies the file at path against the expected digest. The
// error carries only digest prefixes, never paths, so it can be surfaced to
// remote status consumers verbatim.
func CheckDigest(path, want string) error {
	got, err := Digest(path)
	if err != nil {
		return err
	}
	if got != want {
		metrics.IncVerifyFailure("checksum")
		return fmt.Errorf("%w: got %s.., want %s..", ErrChecksum, safePrefix(got), safePrefix(want))
	}
	return nil
}

func safePrefix(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
