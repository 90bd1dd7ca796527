package netutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Downloader fetches remote resources. Interface allows for proxy-aware
// implementations in later phases.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// HTTPStatusError reports a non-200 response. It is never retried via proxy:
// the direct path reached the target fine, a different egress IP won't help.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError wraps a caller-identified permanent failure (malformed
// URL, unsupported scheme) that a proxy retry cannot fix.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// DirectDownloader downloads via a standard HTTP client (no proxy). Timeout
// and UserAgent are pulled fresh on every call so a hot-swapped RuntimeConfig
// (spec §4, IPProbeTimeout) takes effect without reconstructing the client.
type DirectDownloader struct {
	Client    *http.Client
	timeoutFn func() time.Duration
	userAgentFn func() string
}

// NewDirectDownloader creates a downloader that pulls its timeout and
// User-Agent from the given functions on every Download call.
func NewDirectDownloader(timeoutFn func() time.Duration, userAgentFn func() string) *DirectDownloader {
	return &DirectDownloader{
		Client:      &http.Client{},
		timeoutFn:   timeoutFn,
		userAgentFn: userAgentFn,
	}
}

// Download fetches the URL and returns the response body.
func (d *DirectDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	timeout := d.timeout()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NonRetryableError{Err: fmt.Errorf("downloader: %w", err)}
	}
	if ua := d.userAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	return body, nil
}

func (d *DirectDownloader) timeout() time.Duration {
	if d.timeoutFn == nil {
		return 0
	}
	return d.timeoutFn()
}

func (d *DirectDownloader) userAgent() string {
	if d.userAgentFn == nil {
		return ""
	}
	return d.userAgentFn()
}
