package proxysel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kylink/suffixpool/internal/outbound"
)

// Fetcher performs one GET through a proxy's transport and returns the raw
// body. *outbound.TransportPool satisfies this; tests inject a fake.
type Fetcher interface {
	Fetch(ctx context.Context, cfg outbound.ProviderConfig, url string) ([]byte, error)
}

// EchoService is one public IP-reporting endpoint used to learn a probed
// proxy's egress IP (and, where available, country). Spec §4.B step 3
// requires at least two, tried in parallel, first successful response wins.
type EchoService struct {
	Name  string
	URL   string
	Parse func(body []byte) (ip, country string, err error)
}

// DefaultEchoServices mirrors the kind of public echo endpoints the teacher's
// egress probe (internal/probe.ProbeManager) hits, adapted from a single
// fixed Cloudflare trace URL to the pair spec §4.B requires so a failure in
// one service doesn't stall the whole probe.
var DefaultEchoServices = []EchoService{
	{Name: "ipify", URL: "https://api.ipify.org?format=json", Parse: parseIpify},
	{Name: "ipapi", URL: "http://ip-api.com/json/", Parse: parseIPAPI},
}

func parseIpify(body []byte) (string, string, error) {
	var v struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", "", fmt.Errorf("proxysel: parse ipify response: %w", err)
	}
	if v.IP == "" {
		return "", "", fmt.Errorf("proxysel: ipify response missing ip")
	}
	return v.IP, "", nil
}

func parseIPAPI(body []byte) (string, string, error) {
	var v struct {
		Query       string `json:"query"`
		CountryCode string `json:"countryCode"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", "", fmt.Errorf("proxysel: parse ip-api response: %w", err)
	}
	if v.Status != "" && v.Status != "success" {
		return "", "", fmt.Errorf("proxysel: ip-api reported status %q", v.Status)
	}
	if v.Query == "" {
		return "", "", fmt.Errorf("proxysel: ip-api response missing query")
	}
	return v.Query, strings.ToLower(v.CountryCode), nil
}

// probeResult is what ProbeEgress returns: the exit IP and, if the echo
// service reported one, its country.
type probeResult struct {
	IP      string
	Country string
}

// ProbeEgress issues one GET against each configured echo service in
// parallel through the given proxy's transport and returns the first
// successful response (spec §4.B step 3).
func ProbeEgress(ctx context.Context, pool Fetcher, cfg outbound.ProviderConfig, services []EchoService) (probeResult, error) {
	if len(services) == 0 {
		services = DefaultEchoServices
	}

	type attempt struct {
		res probeResult
		err error
	}
	ch := make(chan attempt, len(services))

	for _, svc := range services {
		svc := svc
		go func() {
			body, err := pool.Fetch(ctx, cfg, svc.URL)
			if err != nil {
				ch <- attempt{err: fmt.Errorf("proxysel: probe via %s: %w", svc.Name, err)}
				return
			}
			ip, country, err := svc.Parse(body)
			if err != nil {
				ch <- attempt{err: err}
				return
			}
			ch <- attempt{res: probeResult{IP: ip, Country: country}}
		}()
	}

	var lastErr error
	for i := 0; i < len(services); i++ {
		select {
		case a := <-ch:
			if a.err == nil {
				return a.res, nil
			}
			lastErr = a.err
		case <-ctx.Done():
			return probeResult{}, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("proxysel: no echo service configured")
	}
	return probeResult{}, lastErr
}
