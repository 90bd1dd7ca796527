package redirecttrack

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// HTTPTracker is the concrete Tracer: it builds a non-redirect-following
// *http.Client per call (dial is proxy-specific, so the transport can't be
// pooled across proxies the way redirecttrack is invoked) and walks the
// chain per spec §4.A's algorithm.
type HTTPTracker struct{}

// NewHTTPTracker returns the default Tracer implementation.
func NewHTTPTracker() *HTTPTracker { return &HTTPTracker{} }

func (t *HTTPTracker) Track(ctx context.Context, startURL string, dial DialFunc, opts Options) Result {
	opts = opts.withDefaults()

	totalCtx, cancel := context.WithTimeout(ctx, opts.TotalTimeout)
	defer cancel()

	transport := &http.Transport{
		DialContext: dial,
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	current := startURL
	referer := opts.InitialReferer
	visited := map[string]bool{}
	var chain []Step

	for i := 0; i < opts.MaxRedirects; i++ {
		if visited[current] {
			// Cycle: terminate with success and the chain so far (spec §4.A tie-break).
			return Result{Success: true, FinalURL: current, Chain: chain}
		}
		visited[current] = true

		stepCtx, stepCancel := context.WithTimeout(totalCtx, opts.PerRequestTimeout)
		req, err := http.NewRequestWithContext(stepCtx, http.MethodGet, current, nil)
		if err != nil {
			stepCancel()
			return Result{Success: false, Chain: chain, ErrorCategory: ErrorHTTPStatus, ErrorMessage: err.Error()}
		}
		req.Header.Set("User-Agent", defaultUserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		if referer != "" {
			req.Header.Set("Referer", referer)
		}

		resp, err := client.Do(req)
		if err != nil {
			stepCancel()
			return Result{Success: false, Chain: chain, ErrorCategory: categorizeError(err), ErrorMessage: err.Error()}
		}

		domain := hostOf(current)

		switch {
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			stepCancel()
			if loc == "" {
				return Result{Success: true, FinalURL: current, Chain: chain}
			}
			next, err := resolveURL(current, loc)
			if err != nil {
				return Result{Success: false, Chain: chain, ErrorCategory: ErrorHTTPStatus, ErrorMessage: err.Error()}
			}
			chain = append(chain, Step{StepIndex: i, URL: current, Domain: domain, StatusCode: resp.StatusCode, RedirectType: RedirectHTTP})
			referer = current
			current = next
			continue

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			contentType := resp.Header.Get("Content-Type")
			if !strings.Contains(strings.ToLower(contentType), "html") {
				resp.Body.Close()
				stepCancel()
				return Result{Success: true, FinalURL: current, Chain: chain}
			}
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
			resp.Body.Close()
			stepCancel()
			if readErr != nil {
				return Result{Success: false, Chain: chain, ErrorCategory: ErrorHTTPStatus, ErrorMessage: readErr.Error()}
			}

			next, redirectType, found := nextFromHTML(body)
			if !found {
				return Result{Success: true, FinalURL: current, Chain: chain}
			}
			resolved, err := resolveURL(current, next)
			if err != nil || !isHTTPScheme(resolved) {
				return Result{Success: true, FinalURL: current, Chain: chain}
			}
			if visited[resolved] {
				return Result{Success: true, FinalURL: current, Chain: chain}
			}
			chain = append(chain, Step{StepIndex: i, URL: current, Domain: domain, StatusCode: resp.StatusCode, RedirectType: redirectType})
			referer = current
			current = resolved
			continue

		default:
			resp.Body.Close()
			stepCancel()
			return Result{Success: false, Chain: chain, ErrorCategory: ErrorHTTPStatus, ErrorMessage: "unexpected status from " + current}
		}
	}

	return Result{Success: false, Chain: chain, ErrorCategory: ErrorHTTPStatus, ErrorMessage: "redirect chain exceeded maxRedirects"}
}

func categorizeError(err error) ErrorCategory {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorDNS
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return ErrorTLS
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return ErrorTLS
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "socks"):
		return ErrorProxyRefused
	case strings.Contains(msg, "reset by peer"), strings.Contains(msg, "eof"), strings.Contains(msg, "broken pipe"):
		return ErrorSocketHangup
	default:
		return ErrorProxyRefused
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

func isHTTPScheme(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
