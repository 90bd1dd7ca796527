// Package redirecttrack follows an affiliate entry URL through its full
// HTTP/meta-refresh/JavaScript-location redirect chain and reports the
// final landing URL (spec §4.A).
package redirecttrack

import (
	"context"
	"net"
	"time"
)

// RedirectType classifies how a chain step was discovered.
type RedirectType string

const (
	RedirectHTTP        RedirectType = "http"
	RedirectMetaRefresh RedirectType = "meta-refresh"
	RedirectJSLocation  RedirectType = "js-location"
)

// ErrorCategory classifies why a track attempt failed (spec §4.C step 2).
// The producer logs it and moves on to the next proxy for every category.
type ErrorCategory string

const (
	ErrorNone          ErrorCategory = ""
	ErrorDNS           ErrorCategory = "dns"
	ErrorTLS           ErrorCategory = "tls"
	ErrorProxyRefused  ErrorCategory = "proxy-refused"
	ErrorTimeout       ErrorCategory = "timeout"
	ErrorHTTPStatus    ErrorCategory = "http-status"
	ErrorSocketHangup  ErrorCategory = "socket-hangup"
)

// IsConnectionClass reports whether the category is a connection-class
// failure (proxy refused, timeout, TLS, socket hang-up, DNS) rather than an
// HTTP-status failure (spec §4.C). The producer does not call it.
func (c ErrorCategory) IsConnectionClass() bool {
	switch c {
	case ErrorProxyRefused, ErrorTimeout, ErrorTLS, ErrorSocketHangup, ErrorDNS:
		return true
	default:
		return false
	}
}

// Step is one hop in the redirect chain.
type Step struct {
	StepIndex    int
	URL          string
	Domain       string
	StatusCode   int
	RedirectType RedirectType
}

// Result is the outcome of one track() call.
type Result struct {
	Success       bool
	FinalURL      string
	Chain         []Step
	ErrorCategory ErrorCategory
	ErrorMessage  string
}

// Options configures one track() call.
type Options struct {
	InitialReferer    string
	MaxRedirects      int
	PerRequestTimeout time.Duration
	TotalTimeout      time.Duration
	RetryCount        int
}

func (o Options) withDefaults() Options {
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 20
	}
	if o.PerRequestTimeout <= 0 {
		o.PerRequestTimeout = 15 * time.Second
	}
	if o.TotalTimeout <= 0 {
		o.TotalTimeout = 30 * time.Second
	}
	return o
}

// DialFunc dials the transport-level connection for each step's request.
// A nil DialFunc means direct connection (no proxy).
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Tracer follows a redirect chain. Interface so the suffix producer can
// inject a fake tracer in tests, the way netutil.Downloader decouples the
// teacher's fetch call sites from a concrete *http.Client.
type Tracer interface {
	Track(ctx context.Context, url string, dial DialFunc, opts Options) Result
}
