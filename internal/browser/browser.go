// Package browser manages a bounded fleet of headless browser workers.
//
// A Pool owns every Worker. Callers Acquire a Lease, open isolated tabs on the
// leased Worker and Release the Lease when done. The Pool recycles workers by
// age, usage and health, and keeps a warm minimum alive in the background.
package browser

import (
	"context"
	"net/http"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Browser is one browser process.
type Browser interface {
	// NewTab opens an isolated browsing context (own cookies, storage and cache).
	NewTab(ctx context.Context) (Tab, error)
	// Probe is a lightweight liveness check.
	Probe(ctx context.Context) error
	// Reset returns the default context to a blank page and clears cookies and cache.
	Reset(ctx context.Context) error
	// Close shuts the process down gracefully.
	Close(ctx context.Context) error
	// Kill terminates the process immediately.
	Kill() error
	// PID returns the OS process id, or 0 when unknown.
	PID() int
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// TabOptions configure a freshly opened tab.
type TabOptions struct {
	Viewport  qa.Viewport
	UserAgent string
	Headers   http.Header
	// BlockedResourceTypes are CDP resource types (Font, Media, Image...) to fail at request time.
	BlockedResourceTypes []string
	// BlockedURLPatterns are wildcard URL patterns to fail at request time.
	BlockedURLPatterns []string
}

// Tab is an isolated browsing context within a Browser.
type Tab interface {
	qa.Page
	Configure(ctx context.Context, opts TabOptions) error
	Close(ctx context.Context) error
}
