// SPDX-License-Identifier: MIT

// Package bundle turns verified cache blobs into a portable package: a staged
// directory tree with launcher configs, pinned by a lockfile and assembled
// into a zip or tar.gz archive.
package bundle

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pkgsmith/agentpack/internal/fsutil"
	"github.com/pkgsmith/agentpack/internal/log"
	"github.com/pkgsmith/agentpack/internal/manifest"
)

// Stager materializes resolved assets into the staging tree.
type Stager struct {
	root string
}

// NewStager creates a stager rooted at a (possibly not yet existing) directory.
func NewStager(root string) (*Stager, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Stager{root: root}, nil
}

// Root returns the staging root directory.
func (st *Stager) Root() string { return st.root }

// serverDir is the staged location of one server: language-servers/<id>/<version>,
// optionally extended by the asset's extractTo.
func (st *Stager) serverDir(r manifest.Resolved) (string, error) {
	rel := path.Join("language-servers", r.Server.ID, r.Server.Version)
	if r.Asset.ExtractTo != "" {
		rel = path.Join(rel, r.Asset.ExtractTo)
	}
	return fsutil.ConfineRelPath(st.root, rel)
}

// StageServer places one server's verified blob into the staging tree,
// extracting archives and copying plain binaries.
func (st *Stager) StageServer(ctx context.Context, r manifest.Resolved, blobPath string) error {
	logger := log.WithComponentFromContext(ctx, "bundle")

	dest, err := st.serverDir(r)
	if err != nil {
		return fmt.Errorf("server %s: %w", r.Server.ID, err)
	}
	if err := os.MkdirAll(dest, 0750); err != nil {
		return fmt.Errorf("server %s: create dir: %w", r.Server.ID, err)
	}

	switch r.Asset.Kind {
	case manifest.KindArchiveZip, manifest.KindVsix:
		err = extractZip(blobPath, dest, r.Asset.StripPrefix)
	case manifest.KindArchiveTgz, manifest.KindNpmPack:
		err = extractTgz(blobPath, dest, r.Asset.StripPrefix)
	case manifest.KindBinary:
		err = st.copyBinary(blobPath, dest, r)
	default:
		err = fmt.Errorf("unknown asset kind %q", r.Asset.Kind)
	}
	if err != nil {
		return fmt.Errorf("server %s: %w", r.Server.ID, err)
	}

	logger.Debug().
		Str("server_id", r.Server.ID).
		Str("kind", string(r.Asset.Kind)).
		Str("dest", dest).
		Msg("server staged")
	return nil
}

// copyBinary copies a single-file asset, naming it after the URL's basename.
func (st *Stager) copyBinary(blobPath, dest string, r manifest.Resolved) error {
	name, err := binaryName(r.Asset.URL)
	if err != nil {
		return err
	}
	target, err := fsutil.ConfineRelPath(dest, name)
	if err != nil {
		return err
	}

	in, err := os.Open(blobPath) // #nosec G304 -- cache blob path
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer func() { _ = in.Close() }()

	pending, err := renameio.NewPendingFile(target, renameio.WithPermissions(0755)) // #nosec G302 -- executables need the x bit
	if err != nil {
		return fmt.Errorf("create pending binary: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, in); err != nil {
		return fmt.Errorf("copy binary: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit binary: %w", err)
	}
	return nil
}

// binaryName derives a safe filename from the asset URL path.
func binaryName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse asset url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("cannot derive filename from url path %q", u.Path)
	}
	return name, nil
}

// writeFileAtomic writes data under the staging root with renameio.
func (st *Stager) writeFileAtomic(rel string, data []byte, perm os.FileMode) error {
	target, err := fsutil.ConfineRelPath(st.root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return renameio.WriteFile(target, data, perm)
}
