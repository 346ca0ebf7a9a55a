package checks

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// ProbeResult is the outcome of one link existence probe.
type ProbeResult struct {
	URL        string
	FinalURL   string
	StatusCode int
	Redirects  int
	Method     string
	Err        error
}

// Broken reports whether the link is unreachable or answered with an error status.
func (r ProbeResult) Broken() bool {
	return r.Err != nil || r.StatusCode >= 400 || r.StatusCode == 0
}

// Prober checks whether a URL exists.
type Prober interface {
	Probe(ctx context.Context, link string) ProbeResult
}

// LinksConfig tunes the broken link checker.
type LinksConfig struct {
	// MaxLinks caps how many unique links are probed per page.
	MaxLinks    int
	Concurrency int
}

// Links finds empty, broken and redirected anchors.
type Links struct {
	cfg    LinksConfig
	prober Prober
}

// NewLinks builds the link checker.
func NewLinks(cfg LinksConfig, prober Prober) *Links {
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Links{cfg: cfg, prober: prober}
}

// Kind implements Checker.
func (*Links) Kind() qa.CheckKind { return qa.CheckLinks }

// Check implements Checker.
func (l *Links) Check(ctx context.Context, page qa.Page) (qa.CheckResult, error) {
	base, err := page.URL(ctx)
	if err != nil {
		return qa.CheckResult{}, fmt.Errorf("page url: %w", err)
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return qa.CheckResult{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := document(ctx, page)
	if err != nil {
		return qa.CheckResult{}, err
	}

	var (
		issues  []qa.Issue
		targets []string
		seen    = make(map[string]struct{})
		total   int
	)
	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		total++
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		lower := strings.ToLower(href)
		switch {
		case href == "" || href == "#" || strings.HasPrefix(lower, "javascript:"):
			issues = append(issues, qa.Issue{
				Severity:    qa.SeverityLow,
				Category:    "empty_link",
				Title:       "Link has no destination",
				Description: fmt.Sprintf("href %q does not navigate anywhere.", href),
				Element:     describe(a),
				Suggestion:  "Use a <button> for actions or point the link at a real URL.",
			})
			return
		case strings.HasPrefix(lower, "mailto:"), strings.HasPrefix(lower, "tel:"), strings.HasPrefix(lower, "#"):
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		targets = append(targets, key)
	})

	skipped := 0
	if len(targets) > l.cfg.MaxLinks {
		skipped = len(targets) - l.cfg.MaxLinks
		targets = targets[:l.cfg.MaxLinks]
	}

	results := make([]ProbeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = l.prober.Probe(gctx, target)
			return nil
		})
	}
	_ = g.Wait()

	broken, redirected := 0, 0
	for _, r := range results {
		switch {
		case r.Broken():
			broken++
			metrics.ObserveLinkProbe(r.URL, "broken")
			issues = append(issues, brokenLink(r))
		case r.Redirects > 0:
			redirected++
			metrics.ObserveLinkProbe(r.URL, "redirect")
			issues = append(issues, qa.Issue{
				Severity:    qa.SeverityLow,
				Category:    "redirect",
				Title:       "Link redirects",
				Description: fmt.Sprintf("%s redirects %d time(s) to %s.", r.URL, r.Redirects, r.FinalURL),
				Element:     fmt.Sprintf("a[href=%q]", r.URL),
				Suggestion:  "Link directly to the final URL.",
			})
		default:
			metrics.ObserveLinkProbe(r.URL, "ok")
		}
	}

	return qa.CheckResult{
		Issues:   issues,
		Metadata: qa.CheckMetadata{ElementsChecked: total},
		Details: map[string]any{
			"total_links":  total,
			"unique_links": len(seen),
			"probed":       len(targets),
			"skipped":      skipped,
			"broken":       broken,
			"redirected":   redirected,
		},
	}, nil
}

func brokenLink(r ProbeResult) qa.Issue {
	desc := fmt.Sprintf("%s answered %d.", r.URL, r.StatusCode)
	if r.Err != nil {
		desc = fmt.Sprintf("%s is unreachable: %v", r.URL, r.Err)
	}
	return qa.Issue{
		Severity:    qa.SeverityHigh,
		Category:    "broken_link",
		Title:       "Broken link",
		Description: desc,
		Element:     fmt.Sprintf("a[href=%q]", r.URL),
		Suggestion:  "Fix or remove the link.",
	}
}
