package qa

import (
	"context"
	"time"
)

// Page is an isolated, navigable browsing context used by checkers and the form tester.
// Operations on one Page are sequential; implementations serialize concurrent callers.
type Page interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// URL returns the current document location.
	URL(ctx context.Context) (string, error)
	// Content returns the serialized DOM.
	Content(ctx context.Context) (string, error)
	// Evaluate runs a JavaScript expression and decodes its JSON result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	// Type focuses selector and sends text to it.
	Type(ctx context.Context, selector, text string) error
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// Responses returns the network responses observed since the last navigation.
	Responses() []ObservedResponse
}

// ResultStore persists finished results. Failures are logged by callers and never unwind a scan.
type ResultStore interface {
	SaveScan(ctx context.Context, result ScanResult) error
	SaveMultiPage(ctx context.Context, result MultiPageScanResult) error
	SaveFormTest(ctx context.Context, result FormTestResult) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// SiteProvider is the read-only site catalog.
type SiteProvider interface {
	ListSites(ctx context.Context) ([]Site, error)
	ListPages(ctx context.Context, siteID string) ([]PageRef, error)
	ListForms(ctx context.Context, siteID string) ([]FormRef, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// SystemClock implements Clock using time.Now in UTC.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
