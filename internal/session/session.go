// Package session opens isolated execution contexts on leased browser workers.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/JakeFAU/qa-scanner/internal/browser"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// DefaultBlockedResourceTypes are not needed by any check and only cost bandwidth.
var DefaultBlockedResourceTypes = []string{"Font", "Media"}

// Options configure a Session.
type Options struct {
	Viewport  qa.Viewport
	UserAgent string
	Headers   http.Header
	// Timeout bounds every individual page operation.
	Timeout time.Duration
	// BlockedResourceTypes defaults to DefaultBlockedResourceTypes when nil. Use an empty,
	// non-nil slice to block nothing.
	BlockedResourceTypes []string
	BlockedURLPatterns   []string
}

func (o Options) withDefaults() Options {
	if o.Viewport.Width <= 0 || o.Viewport.Height <= 0 {
		o.Viewport = qa.Viewport{Width: 1920, Height: 1080}
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BlockedResourceTypes == nil {
		o.BlockedResourceTypes = DefaultBlockedResourceTypes
	}
	return o
}

// TabOpener hands out tabs; *browser.Lease satisfies it.
type TabOpener interface {
	OpenTab(ctx context.Context) (browser.Tab, error)
}

// Session is one isolated browser context. It implements qa.Page and bounds every
// operation by the configured timeout.
type Session struct {
	tab     browser.Tab
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ qa.Page = (*Session)(nil)

// Open takes a context slot on the leased worker, waiting while ctx allows, and configures it.
func Open(ctx context.Context, opener TabOpener, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	tab, err := opener.OpenTab(ctx)
	if err != nil {
		return nil, fmt.Errorf("open context: %w", err)
	}
	s := &Session{tab: tab, timeout: opts.Timeout}
	err = s.do(ctx, func(ctx context.Context) error {
		return tab.Configure(ctx, browser.TabOptions{
			Viewport:             opts.Viewport,
			UserAgent:            opts.UserAgent,
			Headers:              opts.Headers,
			BlockedResourceTypes: opts.BlockedResourceTypes,
			BlockedURLPatterns:   opts.BlockedURLPatterns,
		})
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Timeout)
		defer cancel()
		_ = s.Close(closeCtx)
		return nil, fmt.Errorf("configure context: %w", err)
	}
	return s, nil
}

// do runs fn under the per-operation timeout and reports deadline expiry as qa.ErrTimeout.
func (s *Session) do(ctx context.Context, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, qa.ErrTimeout) {
		return err
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", qa.ErrTimeout, err)
	}
	return err
}

// Navigate loads url.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.tab.Navigate(ctx, url) })
}

// URL returns the current location.
func (s *Session) URL(ctx context.Context) (string, error) {
	var loc string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		loc, err = s.tab.URL(ctx)
		return err
	})
	return loc, err
}

// Content returns the serialized DOM.
func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		html, err = s.tab.Content(ctx)
		return err
	})
	return html, err
}

// Evaluate runs expression and decodes its result into out.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	return s.do(ctx, func(ctx context.Context) error { return s.tab.Evaluate(ctx, expression, out) })
}

// Type sends text to selector.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.tab.Type(ctx, selector, text) })
}

// Click clicks selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.tab.Click(ctx, selector) })
}

// Responses returns the responses observed since the last navigation.
func (s *Session) Responses() []qa.ObservedResponse {
	return s.tab.Responses()
}

// Close disposes of the context. Only the first call does any work.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.tab.Close(ctx)
	})
	return s.closeErr
}
