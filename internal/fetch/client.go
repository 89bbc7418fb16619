// SPDX-License-Identifier: MIT

// Package fetch downloads manifest assets with retry, verification and
// bounded concurrency. It is proxy- and custom-CA-aware so it works behind
// TLS-intercepting enterprise gateways.
package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/pkgsmith/agentpack/internal/metrics"
	"github.com/pkgsmith/agentpack/internal/verify"
	"golang.org/x/time/rate"
)

// Options configures a download client.
type Options struct {
	Timeout      time.Duration // overall per-request timeout
	ProxyURL     string        // explicit proxy; empty falls back to environment
	CABundle     string        // extra PEM roots for intercepting proxies
	UserAgent    string
	RateLimitBps int64 // shared byte budget across all downloads, 0 = unlimited
}

// Client wraps http.Client with the download conventions of the builder.
type Client struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
}

// HTTPError carries a non-2xx upstream status through the retry classifier.
type HTTPError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// NewClient builds a download client. The proxy resolution order is explicit
// option, then HTTP(S)_PROXY/NO_PROXY environment.
func NewClient(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "agentpack"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyFromEnvironment
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if opts.CABundle != "" {
		pem, err := os.ReadFile(opts.CABundle) // #nosec G304 -- operator-provided CA bundle
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no certificates", opts.CABundle)
		}
		transport.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}

	var limiter *rate.Limiter
	if opts.RateLimitBps > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitBps), int(opts.RateLimitBps))
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:    opts,
		limiter: limiter,
	}, nil
}

// Result describes a completed fetch.
type Result struct {
	Digest      string
	Size        int64
	ETag        string
	NotModified bool
}

// Fetch downloads url into a temp file inside dir and atomically renames it to
// a digest-named file. The payload prefix is sniffed against the declared
// kind before any bytes are admitted, and the sha256 is computed on the fly.
// When etag is non-empty a conditional request is sent; a 304 yields
// Result{NotModified: true} and no file.
func (c *Client) Fetch(ctx context.Context, rawURL, dir string, kind manifest.Kind, etag string) (*Result, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request %s: %w", redact(rawURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Result{NotModified: true, ETag: etag}, "", nil
	case resp.StatusCode != http.StatusOK:
		return nil, "", &HTTPError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	// Sniff before committing any bytes to disk.
	prefix := make([]byte, verify.SniffLen)
	n, err := io.ReadAtLeast(resp.Body, prefix, 1)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, "", fmt.Errorf("read payload prefix: %w", err)
	}
	prefix = prefix[:n]
	if err := verify.ExpectBinary(kind, prefix, resp.Header.Get("Content-Type")); err != nil {
		return nil, "", permanentErr{err}
	}

	tmp, err := os.CreateTemp(dir, "fetch-*.tmp")
	if err != nil {
		return nil, "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	out := io.MultiWriter(tmp, h)

	body := io.Reader(resp.Body)
	if c.limiter != nil {
		body = &limitedReader{r: resp.Body, limiter: c.limiter, ctx: ctx}
	}

	written := int64(len(prefix))
	if _, err := out.Write(prefix); err != nil {
		_ = tmp.Close()
		return nil, "", fmt.Errorf("write payload: %w", err)
	}
	n2, err := io.Copy(out, body)
	written += n2
	if err != nil {
		_ = tmp.Close()
		return nil, "", fmt.Errorf("stream payload: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, "", fmt.Errorf("sync payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, "", fmt.Errorf("close payload: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	final := filepath.Join(dir, digest)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, "", fmt.Errorf("finalize payload: %w", err)
	}

	metrics.AddDownloadBytes(written)
	metrics.ObserveDownloadDuration(time.Since(start).Seconds())

	return &Result{
		Digest: digest,
		Size:   written,
		ETag:   resp.Header.Get("ETag"),
	}, final, nil
}

// limitedReader throttles reads against the shared byte budget.
type limitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (l *limitedReader) Read(p []byte) (int, error) {
	// Cap the chunk to the limiter burst so WaitN never exceeds it.
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// parseRetryAfter handles both Retry-After forms: delta seconds and HTTP-date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// redact strips query strings from URLs before logging or error wrapping;
// registries put tokens there.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
