package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/qa-scanner/internal/browser"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Tab is one chromedp target living in its own browser context.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *responseLog

	closeOnce sync.Once
	closeErr  error
}

func newTab(ctx context.Context, cancel context.CancelFunc) *Tab {
	return &Tab{ctx: ctx, cancel: cancel, log: newResponseLog()}
}

// Configure applies viewport, user agent, extra headers and request blocking.
func (t *Tab) Configure(ctx context.Context, opts browser.TabOptions) error {
	var actions []chromedp.Action
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		actions = append(actions,
			emulation.SetDeviceMetricsOverride(opts.Viewport.Width, opts.Viewport.Height, 1, false))
	}
	if opts.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(opts.UserAgent))
	}
	if len(opts.Headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(toNetworkHeaders(opts.Headers)))
	}
	if patterns := blockPatterns(opts.BlockedResourceTypes, opts.BlockedURLPatterns); len(patterns) > 0 {
		actions = append(actions, fetch.Enable().WithPatterns(patterns))
	}
	if len(actions) == 0 {
		return nil
	}
	if err := runWithin(ctx, t.ctx, actions...); err != nil {
		return fmt.Errorf("configure tab: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the body. The response log restarts with each navigation.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.log.reset()
	err := runWithin(ctx, t.ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// URL returns the current location.
func (t *Tab) URL(ctx context.Context) (string, error) {
	var loc string
	if err := runWithin(ctx, t.ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// Content returns the document's outer HTML.
func (t *Tab) Content(ctx context.Context) (string, error) {
	var html string
	if err := runWithin(ctx, t.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return html, nil
}

// Evaluate runs expression, awaiting promises, and decodes the result into out.
func (t *Tab) Evaluate(ctx context.Context, expression string, out any) error {
	if out == nil {
		var discard []byte
		out = &discard
	}
	await := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := runWithin(ctx, t.ctx, chromedp.Evaluate(expression, out, await)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Type replaces the value of selector with text, sending real key events.
func (t *Tab) Type(ctx context.Context, selector, text string) error {
	err := runWithin(ctx, t.ctx,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

// Click clicks the first element matching selector.
func (t *Tab) Click(ctx context.Context, selector string) error {
	if err := runWithin(ctx, t.ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Responses returns a copy of the responses seen since the last navigation.
func (t *Tab) Responses() []qa.ObservedResponse {
	return t.log.snapshot()
}

// Close closes the target and disposes of its browser context.
func (t *Tab) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(t.ctx) }()
		select {
		case t.closeErr = <-done:
		case <-ctx.Done():
			t.cancel()
			t.closeErr = ctx.Err()
		}
	})
	if t.closeErr != nil {
		return fmt.Errorf("close tab: %w", t.closeErr)
	}
	return nil
}

func (t *Tab) onEvent(ev any) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		// Only blocked patterns are intercepted. Commands cannot be issued from the listener itself.
		go func(id fetch.RequestID) {
			c := chromedp.FromContext(t.ctx)
			if c == nil || c.Target == nil {
				return
			}
			_ = fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(cdp.WithExecutor(t.ctx, c.Target))
		}(e.RequestID)
	default:
		t.log.captureEvent(ev)
	}
}

func blockPatterns(resourceTypes, urlPatterns []string) []*fetch.RequestPattern {
	patterns := make([]*fetch.RequestPattern, 0, len(resourceTypes)+len(urlPatterns))
	for _, rt := range resourceTypes {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: network.ResourceType(rt),
			RequestStage: fetch.RequestStageRequest,
		})
	}
	for _, p := range urlPatterns {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   p,
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return patterns
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

// responseLog records responses for the current document, keyed by request id so
// LoadingFinished can attach transfer sizes.
type responseLog struct {
	mu        sync.Mutex
	methods   map[network.RequestID]string
	index     map[network.RequestID]int
	responses []qa.ObservedResponse
}

func newResponseLog() *responseLog {
	return &responseLog{
		methods: make(map[network.RequestID]string),
		index:   make(map[network.RequestID]int),
	}
}

func (l *responseLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = make(map[network.RequestID]string)
	l.index = make(map[network.RequestID]int)
	l.responses = nil
}

func (l *responseLog) captureEvent(ev any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request != nil {
			l.methods[e.RequestID] = e.Request.Method
		}
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		method := l.methods[e.RequestID]
		if method == "" {
			method = http.MethodGet
		}
		l.index[e.RequestID] = len(l.responses)
		l.responses = append(l.responses, qa.ObservedResponse{
			URL:          e.Response.URL,
			Method:       method,
			Status:       int(e.Response.Status),
			ResourceType: string(e.Type),
			MimeType:     e.Response.MimeType,
		})
	case *network.EventLoadingFinished:
		if i, ok := l.index[e.RequestID]; ok {
			l.responses[i].Bytes = int64(e.EncodedDataLength)
		}
	}
}

func (l *responseLog) snapshot() []qa.ObservedResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]qa.ObservedResponse(nil), l.responses...)
}
