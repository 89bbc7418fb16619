// SPDX-License-Identifier: MIT

package bundle

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkgsmith/agentpack/internal/fsutil"
)

// maxDecompressedSize caps a single extracted file to guard against
// decompression bombs.
const maxDecompressedSize = 4 << 30 // 4 GiB

// extractZip unpacks a zip (or vsix) blob into destRoot. Entry names are
// confined to destRoot; symlink entries and absolute names are rejected.
func extractZip(src, destRoot, stripPrefix string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		name, keep := stripEntry(f.Name, stripPrefix)
		if !keep {
			continue
		}

		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %s: symlinks are not allowed", f.Name)
		}

		target, err := fsutil.ConfineRelPath(destRoot, name)
		if err != nil {
			return fmt.Errorf("archive entry %s: %w", f.Name, err)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0750); err != nil {
				return fmt.Errorf("archive entry %s: %w", f.Name, err)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("archive entry %s: %w", f.Name, err)
		}
		err = writeEntry(target, rc, entryMode(mode))
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("archive entry %s: %w", f.Name, err)
		}
	}
	return nil
}

// extractTgz unpacks a gzip-compressed tar (or npm pack) blob into destRoot
// with the same confinement rules as extractZip.
func extractTgz(src, destRoot, stripPrefix string) error {
	in, err := os.Open(src) // #nosec G304 -- cache blob path
	if err != nil {
		return fmt.Errorf("open tarball: %w", err)
	}
	defer func() { _ = in.Close() }()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name, keep := stripEntry(hdr.Name, stripPrefix)
		if !keep {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			target, err := fsutil.ConfineRelPath(destRoot, name)
			if err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
			if err := os.MkdirAll(target, 0750); err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			target, err := fsutil.ConfineRelPath(destRoot, name)
			if err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
			if err := writeEntry(target, tr, entryMode(hdr.FileInfo().Mode())); err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("archive entry %s: links are not allowed", hdr.Name)
		default:
			// Devices, fifos etc. have no place in a language server archive.
			return fmt.Errorf("archive entry %s: unsupported entry type %d", hdr.Name, hdr.Typeflag)
		}
	}
}

// stripEntry normalizes an archive entry name and removes the configured
// prefix. Entries outside the prefix, and the bare prefix itself, are skipped.
func stripEntry(name, stripPrefix string) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	if name == "" || name == "." {
		return "", false
	}
	if stripPrefix == "" {
		return name, true
	}
	prefix := stripPrefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if name == stripPrefix || name+"/" == prefix {
		return "", false
	}
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return name[len(prefix):], true
}

// entryMode keeps only the execute bit decision: extracted files are either
// 0644 or 0755 regardless of what the archive claims.
func entryMode(m os.FileMode) os.FileMode {
	if m&0111 != 0 {
		return 0755
	}
	return 0644
}

func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	return writeEntryCapped(target, r, perm, maxDecompressedSize)
}

func writeEntryCapped(target string, r io.Reader, perm os.FileMode, limit int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) // #nosec G304 -- confined above
	if err != nil {
		return err
	}
	// Read one byte past the cap: a truncated write must fail, not stage a
	// short file.
	n, err := io.Copy(out, io.LimitReader(r, limit+1))
	if err == nil && n > limit {
		err = fmt.Errorf("entry exceeds the %d byte decompression cap", limit)
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}
