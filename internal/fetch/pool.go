// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkgsmith/agentpack/internal/cache"
	"github.com/pkgsmith/agentpack/internal/log"
	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/pkgsmith/agentpack/internal/metrics"
	"github.com/pkgsmith/agentpack/internal/resilience"
	"github.com/pkgsmith/agentpack/internal/verify"
	"golang.org/x/sync/errgroup"
)

// Job is one asset to make present in the cache.
type Job struct {
	ServerID string
	Asset    manifest.Asset
}

// Pool downloads a batch of assets with bounded concurrency, deduplicating by
// digest and guarding each upstream host with a circuit breaker.
type Pool struct {
	client  *Client
	store   *cache.Store
	workDir string
	limit   int
	policy  RetryPolicy

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	inflightMu sync.Mutex
	inflight   map[string]struct{} // digest -> claimed
}

// NewPool creates a download pool. workDir holds in-flight temp files and
// must be on the same filesystem as the cache for cheap renames.
func NewPool(client *Client, store *cache.Store, workDir string, concurrency int, policy RetryPolicy) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		client:   client,
		store:    store,
		workDir:  workDir,
		limit:    concurrency,
		policy:   policy,
		breakers: make(map[string]*resilience.CircuitBreaker),
		inflight: make(map[string]struct{}),
	}
}

// FetchAll makes every job's asset present in the cache. It returns the first
// error encountered; in-flight downloads are cancelled via the group context.
func (p *Pool) FetchAll(ctx context.Context, jobs []Job) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)

	for _, job := range jobs {
		g.Go(func() error {
			jobCtx := log.ContextWithServerID(ctx, job.ServerID)
			return p.fetchOne(jobCtx, job)
		})
	}

	return g.Wait()
}

func (p *Pool) fetchOne(ctx context.Context, job Job) error {
	logger := log.WithComponentFromContext(ctx, "fetch")
	digest := job.Asset.SHA256

	if p.store.Has(digest) {
		metrics.IncDownload("cache_hit")
		logger.Debug().Str("digest", digest[:12]).Msg("asset already cached")
		return nil
	}

	// Duplicate digests across servers are fetched once; later claimants see
	// the blob in the cache by the time the batch finishes.
	if !p.claim(digest) {
		metrics.IncDownload("dedup")
		return nil
	}
	defer p.release(digest)

	breaker := p.breakerFor(hostOf(job.Asset.URL))

	var etag string
	if rec, ok, err := p.store.Lookup(job.Asset.URL); err == nil && ok && rec.Digest == digest {
		etag = rec.ETag
	}

	start := time.Now()
	err := breaker.Execute(func() error {
		return p.download(ctx, job, etag)
	})
	if err != nil {
		metrics.IncDownload("failure")
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("server %s: upstream %s is unavailable: %w",
				job.ServerID, hostOf(job.Asset.URL), err)
		}
		return fmt.Errorf("server %s: %w", job.ServerID, err)
	}

	metrics.IncDownload("success")
	logger.Info().
		Str("digest", digest[:12]).
		Str("host", hostOf(job.Asset.URL)).
		Dur("duration", time.Since(start)).
		Int64("size", job.Asset.Size).
		Msg("asset downloaded")
	return nil
}

// download performs the retried fetch, digest check and cache insertion.
// A checksum mismatch gets exactly one fresh (non-conditional) re-download
// before failing: stale conditional caches are the usual culprit.
func (p *Pool) download(ctx context.Context, job Job, etag string) error {
	res, path, err := p.client.FetchWithRetry(ctx, job.Asset.URL, p.workDir, job.Asset.Kind, etag, p.policy)
	if err != nil {
		return err
	}
	if res.NotModified {
		// Index said current but the blob is gone; refetch unconditionally.
		res, path, err = p.client.FetchWithRetry(ctx, job.Asset.URL, p.workDir, job.Asset.Kind, "", p.policy)
		if err != nil {
			return err
		}
	}

	if res.Digest != job.Asset.SHA256 {
		_ = removeQuiet(path)
		res, path, err = p.client.FetchWithRetry(ctx, job.Asset.URL, p.workDir, job.Asset.Kind, "", p.policy)
		if err != nil {
			return err
		}
		if res.Digest != job.Asset.SHA256 {
			_ = removeQuiet(path)
			metrics.IncVerifyFailure("checksum")
			return fmt.Errorf("asset %s: %w: manifest pins %s.., upstream serves %s..",
				job.ServerID, verify.ErrChecksum, job.Asset.SHA256[:12], res.Digest[:12])
		}
	}

	if err := p.store.Put(path, res.Digest); err != nil {
		return fmt.Errorf("cache asset: %w", err)
	}
	return p.store.Remember(cache.Record{
		URL:      job.Asset.URL,
		Digest:   res.Digest,
		ETag:     res.ETag,
		Size:     res.Size,
		StoredAt: time.Now().UTC(),
	})
}

func removeQuiet(path string) error {
	if path == "" {
		return nil
	}
	return os.Remove(path)
}

func (p *Pool) claim(digest string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, taken := p.inflight[digest]; taken {
		return false
	}
	p.inflight[digest] = struct{}{}
	return true
}

func (p *Pool) release(digest string) {
	p.inflightMu.Lock()
	delete(p.inflight, digest)
	p.inflightMu.Unlock()
}

func (p *Pool) breakerFor(host string) *resilience.CircuitBreaker {
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()
	cb, ok := p.breakers[host]
	if !ok {
		cb = resilience.NewCircuitBreaker(host, 3, 30*time.Second)
		p.breakers[host] = cb
	}
	return cb
}
