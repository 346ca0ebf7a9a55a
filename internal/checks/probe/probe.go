// Package probe checks link targets for existence using colly.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/qa-scanner/internal/checks"
	"github.com/JakeFAU/qa-scanner/internal/policy/ratelimit"
)

// Config controls probe behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	// HostLimit spaces out probes that hit the same host.
	HostLimit    ratelimit.Config
}

// Prober issues HEAD requests, falling back to GET when the server rejects HEAD.
type Prober struct {
	cfg       Config
	transport http.RoundTripper
	limiter   *ratelimit.Limiter
}

var _ checks.Prober = (*Prober)(nil)

// New builds a Prober sharing one pooled transport across probes.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	return &Prober{cfg: cfg, transport: newHTTPTransport(), limiter: ratelimit.New(cfg.HostLimit)}
}

// Probe reports whether link exists.
func (p *Prober) Probe(ctx context.Context, link string) checks.ProbeResult {
	if err := p.limiter.Wait(ctx, link); err != nil {
		return checks.ProbeResult{URL: link, Method: http.MethodHead, Err: err}
	}
	res := p.do(ctx, http.MethodHead, link)
	if res.Err == nil && (res.StatusCode == http.StatusMethodNotAllowed || res.StatusCode == http.StatusNotImplemented) {
		res = p.do(ctx, http.MethodGet, link)
	}
	return res
}

func (p *Prober) do(ctx context.Context, method, link string) checks.ProbeResult {
	done := make(chan checks.ProbeResult, 1)
	go func() { done <- p.visit(method, link) }()

	select {
	case <-ctx.Done():
		return checks.ProbeResult{
			URL:    link,
			Method: method,
			Err:    fmt.Errorf("probe canceled: %w", ctx.Err()),
		}
	case res := <-done:
		return res
	}
}

// visit runs one request to completion. Each call gets its own collector: redirect handlers
// and timeouts live on the collector's http.Client, which Clone would share.
func (p *Prober) visit(method, link string) checks.ProbeResult {
	res := checks.ProbeResult{URL: link, Method: method}
	collector := colly.NewCollector(colly.Async(false))
	collector.WithTransport(p.transport)
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true
	collector.MaxBodySize = 64 << 10
	collector.SetRequestTimeout(p.cfg.Timeout)
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) > p.cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", p.cfg.MaxRedirects)
		}
		res.Redirects = len(via)
		return nil
	})

	var fetchErr error
	collector.OnResponse(func(r *colly.Response) {
		res.StatusCode = r.StatusCode
		res.FinalURL = r.Request.URL.String()
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode > 0 {
			res.StatusCode = r.StatusCode
		}
	})

	var err error
	if method == http.MethodHead {
		err = collector.Head(link)
	} else {
		err = collector.Visit(link)
	}
	switch {
	case err != nil:
		res.Err = fmt.Errorf("probe %s: %w", method, err)
	case fetchErr != nil:
		res.Err = fmt.Errorf("probe %s: %w", method, fetchErr)
	}
	return res
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
