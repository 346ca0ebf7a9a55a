package checks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// PerformanceThresholds are the budgets a page is measured against.
type PerformanceThresholds struct {
	LoadWarnMillis     float64
	LoadHighMillis     float64
	WeightWarnBytes    int64
	WeightHighBytes    int64
	MaxRequests        int
	FirstPaintMaxMilli float64
}

// DefaultPerformanceThresholds returns the stock budgets.
func DefaultPerformanceThresholds() PerformanceThresholds {
	return PerformanceThresholds{
		LoadWarnMillis:     3000,
		LoadHighMillis:     5000,
		WeightWarnBytes:    3 << 20,
		WeightHighBytes:    5 << 20,
		MaxRequests:        100,
		FirstPaintMaxMilli: 1800,
	}
}

// timingScript reads navigation and paint timing plus resource transfer sizes.
const timingScript = `(() => {
  const nav = performance.getEntriesByType('navigation')[0];
  const fcp = performance.getEntriesByName('first-contentful-paint')[0];
  const res = performance.getEntriesByType('resource');
  const end = nav ? (nav.loadEventEnd || nav.duration) : 0;
  return {
    load_ms: nav ? end - nav.startTime : 0,
    dom_content_loaded_ms: nav ? nav.domContentLoadedEventEnd - nav.startTime : 0,
    ttfb_ms: nav ? nav.responseStart - nav.requestStart : 0,
    fcp_ms: fcp ? fcp.startTime : 0,
    transfer_bytes: (nav ? nav.transferSize || 0 : 0) + res.reduce((sum, r) => sum + (r.transferSize || 0), 0),
    request_count: res.length + (nav ? 1 : 0),
  };
})()`

type pageTiming struct {
	LoadMillis         float64 `json:"load_ms"`
	DOMContentLoadedMs float64 `json:"dom_content_loaded_ms"`
	TTFBMillis         float64 `json:"ttfb_ms"`
	FirstContentfulMs  float64 `json:"fcp_ms"`
	TransferBytes      int64   `json:"transfer_bytes"`
	RequestCount       int     `json:"request_count"`
}

// Performance measures load time, page weight and request volume.
type Performance struct {
	thresholds PerformanceThresholds
}

// NewPerformance builds the performance checker.
func NewPerformance(t PerformanceThresholds) *Performance {
	return &Performance{thresholds: t}
}

// Kind implements Checker.
func (*Performance) Kind() qa.CheckKind { return qa.CheckPerformance }

// Check implements Checker.
func (p *Performance) Check(ctx context.Context, page qa.Page) (qa.CheckResult, error) {
	var timing pageTiming
	if err := page.Evaluate(ctx, timingScript, &timing); err != nil {
		return qa.CheckResult{}, fmt.Errorf("collect timing: %w", err)
	}

	// The network log sees requests the Performance API hides (cross-origin sizes, failed loads).
	responses := page.Responses()
	var observedBytes int64
	for _, r := range responses {
		observedBytes += r.Bytes
	}
	requests := max(timing.RequestCount, len(responses))
	weight := max(timing.TransferBytes, observedBytes)

	t := p.thresholds
	var issues []qa.Issue
	switch {
	case timing.LoadMillis > t.LoadHighMillis:
		issues = append(issues, slowLoad(qa.SeverityHigh, timing.LoadMillis, t.LoadHighMillis))
	case timing.LoadMillis > t.LoadWarnMillis:
		issues = append(issues, slowLoad(qa.SeverityMedium, timing.LoadMillis, t.LoadWarnMillis))
	}
	switch {
	case weight > t.WeightHighBytes:
		issues = append(issues, heavyPage(qa.SeverityHigh, weight, t.WeightHighBytes))
	case weight > t.WeightWarnBytes:
		issues = append(issues, heavyPage(qa.SeverityMedium, weight, t.WeightWarnBytes))
	}
	if requests > t.MaxRequests {
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityLow,
			Category:    "request_count",
			Title:       "Too many requests",
			Description: fmt.Sprintf("Page issued %d requests; budget is %d.", requests, t.MaxRequests),
			Suggestion:  "Bundle assets and lazy-load below-the-fold resources.",
		})
	}
	if timing.FirstContentfulMs > t.FirstPaintMaxMilli {
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityLow,
			Category:    "slow_first_paint",
			Title:       "Slow first contentful paint",
			Description: fmt.Sprintf("First contentful paint at %.0fms; budget is %.0fms.", timing.FirstContentfulMs, t.FirstPaintMaxMilli),
		})
	}

	return qa.CheckResult{
		Issues:   issues,
		Metadata: qa.CheckMetadata{ElementsChecked: requests},
		Details: map[string]any{
			"load_ms":               timing.LoadMillis,
			"dom_content_loaded_ms": timing.DOMContentLoadedMs,
			"ttfb_ms":               timing.TTFBMillis,
			"fcp_ms":                timing.FirstContentfulMs,
			"total_bytes":           weight,
			"request_count":         requests,
		},
	}, nil
}

func slowLoad(sev qa.Severity, got, budget float64) qa.Issue {
	return qa.Issue{
		Severity:    sev,
		Category:    "slow_load",
		Title:       "Slow page load",
		Description: fmt.Sprintf("Page loaded in %.0fms; threshold is %.0fms.", got, budget),
		Suggestion:  "Defer non-critical scripts and compress large assets.",
	}
}

func heavyPage(sev qa.Severity, got, budget int64) qa.Issue {
	return qa.Issue{
		Severity:    sev,
		Category:    "page_weight",
		Title:       "Heavy page",
		Description: fmt.Sprintf("Page transferred %.1fMB; threshold is %.1fMB.", mb(got), mb(budget)),
		Suggestion:  "Optimize images and drop unused JavaScript.",
	}
}

func mb(n int64) float64 { return float64(n) / (1 << 20) }
