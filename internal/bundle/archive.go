// SPDX-License-Identifier: MIT

package bundle

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// archiveEpoch is the fixed timestamp stamped on every archive entry so two
// builds of the same staging tree produce identical archives.
var archiveEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Assemble packs the staging tree into outPath. The format follows the
// extension: .zip or .tar.gz. Entries are sorted, modes reduced to 0644/0755,
// timestamps fixed; the archive appears atomically via rename.
func Assemble(stageRoot, outPath string) error {
	entries, err := collectEntries(stageRoot)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".agentpack-*.partial")
	if err != nil {
		return fmt.Errorf("create archive temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	switch {
	case strings.HasSuffix(outPath, ".zip"):
		err = writeZip(tmp, stageRoot, entries)
	case strings.HasSuffix(outPath, ".tar.gz"):
		err = writeTarGz(tmp, stageRoot, entries)
	default:
		return fmt.Errorf("unsupported archive extension: %s", outPath)
	}
	if err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return fmt.Errorf("publish archive: %w", err)
	}
	return nil
}

type archiveEntry struct {
	rel  string // '/'-separated
	mode fs.FileMode
	size int64
}

// collectEntries walks the staging tree and returns sorted regular files.
// Directories are implied by entry paths; anything else is rejected.
func collectEntries(stageRoot string) ([]archiveEntry, error) {
	var entries []archiveEntry
	err := filepath.WalkDir(stageRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("staging tree contains non-regular file: %s", p)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stageRoot, p)
		if err != nil {
			return err
		}
		entries = append(entries, archiveEntry{
			rel:  filepath.ToSlash(rel),
			mode: entryMode(info.Mode()),
			size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk staging tree: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

func writeZip(w io.Writer, stageRoot string, entries []archiveEntry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		hdr := &zip.FileHeader{
			Name:     e.rel,
			Method:   zip.Deflate,
			Modified: archiveEpoch,
		}
		hdr.SetMode(e.mode)
		out, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("archive %s: %w", e.rel, err)
		}
		if err := copyFile(out, filepath.Join(stageRoot, filepath.FromSlash(e.rel))); err != nil {
			return fmt.Errorf("archive %s: %w", e.rel, err)
		}
	}
	return zw.Close()
}

func writeTarGz(w io.Writer, stageRoot string, entries []archiveEntry) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.rel,
			Mode:    int64(e.mode),
			Size:    e.size,
			ModTime: archiveEpoch,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive %s: %w", e.rel, err)
		}
		if err := copyFile(tw, filepath.Join(stageRoot, filepath.FromSlash(e.rel))); err != nil {
			return fmt.Errorf("archive %s: %w", e.rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304 -- path from the staging walk
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}
