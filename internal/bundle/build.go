// SPDX-License-Identifier: MIT

package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkgsmith/agentpack/internal/cache"
	"github.com/pkgsmith/agentpack/internal/config"
	"github.com/pkgsmith/agentpack/internal/fetch"
	"github.com/pkgsmith/agentpack/internal/log"
	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/pkgsmith/agentpack/internal/metrics"
	"github.com/pkgsmith/agentpack/internal/verify"
)

// Builder runs the full packaging pipeline: resolve, ensure, verify, stage,
// assemble.
type Builder struct {
	cfg      config.AppConfig
	store    *cache.Store
	pool     *fetch.Pool
	launcher LauncherConfig
}

// Result describes one completed build.
type Result struct {
	BuildID     string
	ArchivePath string
	LockPath    string
	Servers     int
	Duration    time.Duration
}

// NewBuilder wires a builder from its collaborators. pool may be nil when the
// configuration is offline.
func NewBuilder(cfg config.AppConfig, store *cache.Store, pool *fetch.Pool) *Builder {
	return &Builder{cfg: cfg, store: store, pool: pool, launcher: DefaultLauncherConfig()}
}

// Build produces one archive for the configured platform. Every failure path
// counts a failed build; staging directories are removed on the way out.
func (b *Builder) Build(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	buildID := uuid.NewString()
	ctx = log.ContextWithBuildID(ctx, buildID)
	logger := log.WithComponentFromContext(ctx, "build")
	start := time.Now()

	res, err := b.build(ctx, m, buildID)
	if err != nil {
		metrics.RecordBuild("failure", time.Since(start).Seconds())
		logger.Error().Err(err).Msg("build failed")
		return nil, err
	}

	res.Duration = time.Since(start)
	metrics.RecordBuild("success", res.Duration.Seconds())
	metrics.SetServersBundled(res.Servers)
	logger.Info().
		Str("archive", res.ArchivePath).
		Int("servers", res.Servers).
		Dur("duration", res.Duration).
		Msg("build complete")
	return res, nil
}

func (b *Builder) build(ctx context.Context, m *manifest.Manifest, buildID string) (*Result, error) {
	platform := manifest.Platform(b.cfg.Platform)

	resolved, err := m.Resolve(platform)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest: %w", err)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("manifest resolves to zero servers for %s", platform)
	}

	if err := b.ensure(ctx, resolved); err != nil {
		return nil, err
	}

	// Re-verify every blob before it enters a bundle. Cache corruption is
	// rare but a poisoned offline bundle is expensive.
	for _, r := range resolved {
		path, err := b.store.Get(r.Asset.SHA256)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", r.Server.ID, err)
		}
		if err := verify.CheckDigest(path, r.Asset.SHA256); err != nil {
			return nil, fmt.Errorf("server %s: cached blob failed verification: %w", r.Server.ID, err)
		}
	}

	stageRoot, err := os.MkdirTemp(b.cfg.DataDir, "stage-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(stageRoot) }()

	stager, err := NewStager(stageRoot)
	if err != nil {
		return nil, err
	}
	for _, r := range resolved {
		if err := stager.StageServer(ctx, r, b.store.BlobPath(r.Asset.SHA256)); err != nil {
			return nil, err
		}
	}
	if err := stager.WriteLauncherConfig(b.launcher, resolved); err != nil {
		return nil, err
	}
	if err := stager.WriteLauncherScripts(platform); err != nil {
		return nil, err
	}

	digest, err := m.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest manifest: %w", err)
	}
	lock := NewLock(buildID, b.cfg.Version, digest, platform, resolved)
	if err := WriteLock(filepath.Join(stageRoot, LockFileName), lock); err != nil {
		return nil, err
	}

	archivePath := filepath.Join(b.cfg.OutputDir, ArchiveName(platform, digest))
	if err := Assemble(stageRoot, archivePath); err != nil {
		return nil, err
	}

	// The lockfile also lands next to the archive so automation can diff
	// builds without unpacking them.
	lockPath := filepath.Join(b.cfg.OutputDir, LockFileName)
	if err := WriteLock(lockPath, lock); err != nil {
		return nil, err
	}

	return &Result{
		BuildID:     buildID,
		ArchivePath: archivePath,
		LockPath:    lockPath,
		Servers:     len(resolved),
	}, nil
}

// ensure makes every resolved asset present in the cache: offline builds are
// gated on cache completeness, online builds download what is missing.
func (b *Builder) ensure(ctx context.Context, resolved []manifest.Resolved) error {
	if b.cfg.Offline {
		return b.store.EnsureAll(resolved)
	}
	jobs := make([]fetch.Job, 0, len(resolved))
	for _, r := range resolved {
		jobs = append(jobs, fetch.Job{ServerID: r.Server.ID, Asset: r.Asset})
	}
	return b.pool.FetchAll(ctx, jobs)
}

// ArchiveName is the canonical output filename: zip for windows targets,
// tar.gz for everything else, keyed by a manifest digest prefix.
func ArchiveName(platform manifest.Platform, manifestDigest string) string {
	short := manifestDigest
	if len(short) > 12 {
		short = short[:12]
	}
	ext := ".tar.gz"
	if strings.HasPrefix(string(platform), "win-") {
		ext = ".zip"
	}
	return fmt.Sprintf("serena-agent-%s-%s%s", platform, short, ext)
}
