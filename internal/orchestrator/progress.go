package orchestrator

import (
	"context"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Step is the work one finished page contributes to a scan or form test.
type Step struct {
	URL    string
	Pages  int
	Forms  int
	Issues int
	Failed bool
}

// ProgressFunc receives a Step as each page finishes. Pages in the same chunk finish
// concurrently, so implementations must be safe for concurrent use.
type ProgressFunc func(ctx context.Context, s Step)

type progressKey struct{}

// WithProgress returns a context under which ScanMultiPage, ScanBatch and TestForms report
// each finished page to fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, fn)
}

// Report passes s to the ProgressFunc attached to ctx, if any.
func Report(ctx context.Context, s Step) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		fn(ctx, s)
	}
}

func pageStep(res qa.ScanResult) Step {
	return Step{URL: res.URL, Pages: 1, Forms: len(res.Forms), Issues: res.Counts.Total, Failed: !res.Success}
}

func formStep(pageURL string, results []qa.FormTestResult) Step {
	s := Step{URL: pageURL, Pages: 1, Forms: len(results)}
	for _, r := range results {
		s.Issues += len(r.Issues)
		if r.Error != "" {
			s.Failed = true
		}
	}
	return s
}
