// Package outbound builds SOCKS5-based *http.Transport instances for the
// proxy providers assigned to a tenant (spec §4.B/§4.C), replacing the
// teacher's sing-box outbound registry with a direct golang.org/x/net/proxy
// SOCKS5 dialer — there is no need for sing-box's protocol breadth when the
// only outbound kind this domain ever dials is plain SOCKS5.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// ErrNotReady is returned when a transport is requested for a provider that
// has not been built yet.
var ErrNotReady = errors.New("outbound: transport not ready")

// ProviderConfig is the dial-time configuration for one proxy provider
// (model.ProxyProvider, with the username template already expanded).
type ProviderConfig struct {
	ProviderID string
	Host       string
	Port       int
	Username   string
	Password   string
}

// Dialer builds a net.Conn through a SOCKS5 endpoint. Injectable for tests.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// socks5ContextDialer adapts golang.org/x/net/proxy's non-context Dialer to
// a context-aware one by racing the dial against ctx.Done in a goroutine.
// proxy.SOCKS5 does not natively accept a context (the package predates
// context-aware dialing); this wrapper bounds it from the outside.
type socks5ContextDialer struct {
	inner proxy.Dialer
}

func (d socks5ContextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.inner.Dial(network, addr)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// NewDialer builds a context-aware SOCKS5 dialer for one proxy provider.
func NewDialer(cfg ProviderConfig) (Dialer, error) {
	var auth *proxy.Auth
	if cfg.Username != "" || cfg.Password != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}

	forward := &net.Dialer{Timeout: 10 * time.Second}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	d, err := proxy.SOCKS5("tcp", addr, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("outbound: build socks5 dialer for %s: %w", cfg.ProviderID, err)
	}
	return socks5ContextDialer{inner: d}, nil
}
