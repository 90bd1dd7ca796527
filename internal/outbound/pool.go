package outbound

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// TransportPool builds and caches one *http.Transport per proxy provider,
// keyed by provider id. Mirrors the teacher's keyed outbound pooling
// (internal/outbound.OutboundManager), adapted from a node-hash key to a
// proxy-provider-id key and from sing-box's adapter.Outbound.DialContext to
// a plain SOCKS5 Dialer.
type TransportPool struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewTransportPool creates an empty pool.
func NewTransportPool() *TransportPool {
	return &TransportPool{transports: make(map[string]*http.Transport)}
}

// Get returns the cached transport for a provider, building one on first use.
func (p *TransportPool) Get(cfg ProviderConfig) (*http.Transport, error) {
	p.mu.Lock()
	if t, ok := p.transports[cfg.ProviderID]; ok {
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	dialer, err := NewDialer(cfg)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	p.mu.Lock()
	// Another goroutine may have built and stored one first; keep the
	// winner so at most one transport per provider lives for the pool's
	// lifetime and idle connections aren't fragmented across duplicates.
	if existing, ok := p.transports[cfg.ProviderID]; ok {
		p.mu.Unlock()
		transport.CloseIdleConnections()
		return existing, nil
	}
	p.transports[cfg.ProviderID] = transport
	p.mu.Unlock()

	return transport, nil
}

// Invalidate drops a cached transport, e.g. after repeated dial failures
// suggest stale pooled connections.
func (p *TransportPool) Invalidate(providerID string) {
	p.mu.Lock()
	t, ok := p.transports[providerID]
	delete(p.transports, providerID)
	p.mu.Unlock()
	if ok {
		t.CloseIdleConnections()
	}
}

// CloseAll releases every pooled transport's idle connections. Call on
// shutdown.
func (p *TransportPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
	p.transports = make(map[string]*http.Transport)
}

// Fetch issues one GET through the provider's transport and returns the raw
// body. Used by the proxy selector's egress probe; the redirect tracker
// dials through a per-candidate outbound.NewDialer instead.
func (p *TransportPool) Fetch(ctx context.Context, cfg ProviderConfig, url string) ([]byte, error) {
	transport, err := p.Get(cfg)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("outbound: build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("outbound: fetch via %s: %w", cfg.ProviderID, err)
	}
	defer resp.Body.Close()

	return readAllLimited(resp.Body, 4<<20)
}
