// SPDX-License-Identifier: MIT

package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	payload := []byte("portable package payload")
	if err := os.WriteFile(path, payload, 0600); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(payload)
	want := hex.EncodeToString(sum[:])

	if err := CheckDigest(path, want); err != nil {
		t.Fatalf("CheckDigest with correct digest: %v", err)
	}

	err := CheckDigest(path, strings.Repeat("00", 32))
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("err = %v, want ErrChecksum", err)
	}
	// Mismatch errors must not leak filesystem paths.
	if strings.Contains(err.Error(), dir) {
		t.Errorf("checksum error leaks path: %q", err.Error())
	}
}

func TestDigestMissingFile(t *testing.T) {
	if _, err := Digest(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
