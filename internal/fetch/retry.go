// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkgsmith/agentpack/internal/log"
	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/pkgsmith/agentpack/internal/metrics"
)

// permanentErr marks failures that retrying cannot fix (verification
// rejections, client errors).
type permanentErr struct{ error }

func (e permanentErr) Unwrap() error { return e.error }

// RetryPolicy bounds the retry loop around a single asset download.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the documented behaviour: up to 3 retries with
// exponential backoff starting at 500ms and capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// FetchWithRetry runs Client.Fetch under the retry policy. Permanent failures
// (verification rejections, most 4xx) abort immediately; 408/429/5xx and
// transport errors are retried with backoff, honoring Retry-After when the
// upstream provides one.
func (c *Client) FetchWithRetry(ctx context.Context, rawURL, dir string, kind manifest.Kind, etag string, policy RetryPolicy) (*Result, string, error) {
	logger := log.WithComponentFromContext(ctx, "fetch")
	host := hostOf(rawURL)
	attempt := 0

	type fetched struct {
		res  *Result
		path string
	}

	operation := func() (fetched, error) {
		attempt++
		if attempt > 1 {
			metrics.IncDownloadRetry(host)
			logger.Debug().
				Str("url", redact(rawURL)).
				Int("attempt", attempt).
				Msg("retrying download")
		}

		res, path, err := c.Fetch(ctx, rawURL, dir, kind, etag)
		if err == nil {
			return fetched{res: res, path: path}, nil
		}

		var perm permanentErr
		if errors.As(err, &perm) {
			return fetched{}, backoff.Permanent(perm.error)
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch {
			case httpErr.Status == 408 || httpErr.Status == 429:
				if httpErr.RetryAfter > 0 {
					return fetched{}, backoff.RetryAfter(int(httpErr.RetryAfter.Seconds()))
				}
			case httpErr.Status >= 500:
				if httpErr.RetryAfter > 0 {
					return fetched{}, backoff.RetryAfter(int(httpErr.RetryAfter.Seconds()))
				}
			default:
				// Remaining 4xx: the request itself is wrong, retrying is noise.
				return fetched{}, backoff.Permanent(err)
			}
		}

		return fetched{}, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(policy.MaxRetries+1)),
	)
	if err != nil {
		return nil, "", err
	}
	return out.res, out.path, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid"
	}
	return u.Host
}
