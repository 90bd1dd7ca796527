package netutil

import (
	"context"
	"errors"
	"time"
)

// RetryDownloader decorates a Downloader with proxy retry logic: it tries a
// direct fetch first, then falls back to ProxyFetch against successive
// proxy candidates returned by ProxyPicker. Nothing outside its tests
// constructs one; the GeoIP service downloads through a DirectDownloader.
type RetryDownloader struct {
	Direct Downloader
	// ProxyAttemptTimeout caps each proxy retry attempt duration.
	// If <= 0, it falls back to Direct's timeout when Direct is a
	// *DirectDownloader with a positive timeout, otherwise 30s.
	ProxyAttemptTimeout time.Duration
	// ProxyPicker returns the next proxy candidate identifier to try, or an
	// error once candidates are exhausted.
	ProxyPicker func(attempt int, target string) (proxyID string, err error)
	ProxyFetch  func(ctx context.Context, proxyID, url string) ([]byte, error)
	MaxAttempts int
}

// Download attempts direct download first, then falls back to proxy retries.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := r.Direct.Download(ctx, url)
	if err == nil {
		return body, nil
	}

	if !shouldRetryViaProxy(err) {
		return nil, err
	}

	if r.ProxyPicker == nil || r.ProxyFetch == nil {
		return nil, err
	}

	// Respect caller cancellation/deadline: don't extend lifecycle beyond caller ctx.
	if ctx.Err() != nil {
		return nil, err
	}

	attemptTimeout := r.proxyAttemptTimeout()
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}

	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return nil, err
		}

		proxyID, pickErr := r.ProxyPicker(i, url)
		if pickErr != nil {
			break
		}

		attemptCtx := ctx
		cancel := func() {}
		if attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		body, fetchErr := r.ProxyFetch(attemptCtx, proxyID, url)
		cancel()
		if fetchErr == nil {
			return body, nil
		}
	}

	return nil, err
}

func shouldRetryViaProxy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}

func (r *RetryDownloader) proxyAttemptTimeout() time.Duration {
	if r.ProxyAttemptTimeout > 0 {
		return r.ProxyAttemptTimeout
	}
	if direct, ok := r.Direct.(*DirectDownloader); ok && direct != nil {
		if t := direct.timeout(); t > 0 {
			return t
		}
	}
	return 30 * time.Second
}
