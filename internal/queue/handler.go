package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/orchestrator"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Scanner is the orchestration surface jobs run against.
type Scanner interface {
	ScanMultiPage(ctx context.Context, req qa.MultiPageScanRequest) (qa.MultiPageScanResult, error)
	ScanBatch(ctx context.Context, reqs []qa.ScanRequest) (qa.MultiPageScanResult, error)
	TestForms(ctx context.Context, req orchestrator.FormTestRequest) ([]qa.FormTestResult, error)
}

// JobHandler runs scan and form jobs, resolving pages through the site provider when a job
// does not list URLs itself.
type JobHandler struct {
	scanner Scanner
	sites   qa.SiteProvider
	logger  *zap.Logger
}

// NewJobHandler builds a JobHandler. sites may be nil when every job carries URLs.
func NewJobHandler(scanner Scanner, sites qa.SiteProvider, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{scanner: scanner, sites: sites, logger: logger}
}

// Handle dispatches on the payload kind.
func (h *JobHandler) Handle(ctx context.Context, job Job, t Tracker) error {
	switch job.Payload.Kind {
	case KindScan:
		return h.scan(ctx, job, t)
	case KindForms:
		return h.forms(ctx, job, t)
	default:
		return fmt.Errorf("%w: unknown job kind %q", qa.ErrInvalidRequest, job.Payload.Kind)
	}
}

func (h *JobHandler) scan(ctx context.Context, job Job, t Tracker) error {
	p := job.Payload
	setStatus(ctx, t, StatusDiscovering)

	urls := p.URLs
	if len(urls) == 0 {
		pages, err := h.listPages(ctx, p.SiteID)
		if err != nil {
			return err
		}
		for _, ref := range pages {
			urls = append(urls, ref.URL)
		}
	}
	if len(urls) == 0 {
		return fmt.Errorf("site %s has no pages", p.SiteID)
	}

	_ = t.Update(ctx, func(pr *Progress) {
		pr.Status = StatusTesting
		pr.PagesTotal = len(urls)
	})

	base := qa.ScanRequest{
		SiteID:      p.SiteID,
		Checks:      p.Checks,
		TestForms:   p.TestForms,
		SubmitForms: p.SubmitForms,
		FormValues:  p.FormValues,
		Tags:        p.Tags,
	}
	var (
		res qa.MultiPageScanResult
		err error
	)
	ctx = orchestrator.WithProgress(ctx, stepCounter(t))
	if len(urls) == 1 && p.MaxPages > 1 {
		req := qa.MultiPageScanRequest{ScanRequest: base, MaxPages: p.MaxPages}
		req.URL = urls[0]
		res, err = h.scanner.ScanMultiPage(ctx, req)
	} else {
		reqs := make([]qa.ScanRequest, len(urls))
		for i, u := range urls {
			reqs[i] = base
			reqs[i].URL = u
		}
		res, err = h.scanner.ScanBatch(ctx, reqs)
	}
	if err != nil {
		return fmt.Errorf("scan job: %w", err)
	}

	_ = t.Update(ctx, func(pr *Progress) {
		pr.SitesProcessed = 1
		pr.PagesTotal = len(res.Pages)
		pr.PagesProcessed = res.Summary.TotalPages
		pr.FormsProcessed = res.Summary.TotalForms
		pr.IssuesFound = res.Summary.Counts.Total
		pr.ResultID = res.ID
	})
	if res.Summary.TotalPages > 0 && res.Summary.PagesFailed == res.Summary.TotalPages {
		return fmt.Errorf("all %d pages failed", res.Summary.TotalPages)
	}
	h.logger.Info("scan job finished",
		zap.String("job_id", job.ID),
		zap.Int("pages", res.Summary.TotalPages),
		zap.Int("failed", res.Summary.PagesFailed),
		zap.Int("issues", res.Summary.Counts.Total),
	)
	return nil
}

func (h *JobHandler) forms(ctx context.Context, job Job, t Tracker) error {
	p := job.Payload
	setStatus(ctx, t, StatusDiscovering)

	var refs []qa.FormRef
	for _, u := range p.URLs {
		refs = append(refs, qa.FormRef{SiteID: p.SiteID, PageURL: u})
	}
	if len(refs) == 0 {
		if h.sites == nil {
			return fmt.Errorf("%w: no site provider configured", qa.ErrInvalidRequest)
		}
		listed, err := h.sites.ListForms(ctx, p.SiteID)
		if err != nil {
			return fmt.Errorf("list forms for %s: %w", p.SiteID, err)
		}
		refs = listed
	}
	if len(refs) == 0 {
		return fmt.Errorf("site %s has no forms", p.SiteID)
	}

	_ = t.Update(ctx, func(pr *Progress) {
		pr.Status = StatusTesting
		pr.PagesTotal = len(refs)
	})
	results, err := h.scanner.TestForms(orchestrator.WithProgress(ctx, stepCounter(t)), orchestrator.FormTestRequest{
		SiteID: p.SiteID,
		Pages:  refs,
		Submit: p.SubmitForms,
		Values: p.FormValues,
	})
	if err != nil {
		return fmt.Errorf("forms job: %w", err)
	}
	issues := 0
	for _, r := range results {
		issues += len(r.Issues)
	}
	_ = t.Update(ctx, func(pr *Progress) {
		pr.SitesProcessed = 1
		pr.PagesProcessed = len(refs)
		pr.FormsProcessed = len(results)
		pr.IssuesFound = issues
	})
	return nil
}

func (h *JobHandler) listPages(ctx context.Context, siteID string) ([]qa.PageRef, error) {
	if h.sites == nil {
		return nil, fmt.Errorf("%w: no site provider configured", qa.ErrInvalidRequest)
	}
	pages, err := h.sites.ListPages(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("list pages for %s: %w", siteID, err)
	}
	return pages, nil
}

// stepCounter folds finished pages into the job's progress. The tracker's read-modify-write
// is not atomic, so concurrent pages are applied one at a time.
func stepCounter(t Tracker) orchestrator.ProgressFunc {
	var mu sync.Mutex
	return func(ctx context.Context, s orchestrator.Step) {
		mu.Lock()
		defer mu.Unlock()
		_ = t.Update(ctx, func(pr *Progress) {
			pr.PagesProcessed += s.Pages
			pr.FormsProcessed += s.Forms
			pr.IssuesFound += s.Issues
			if pr.PagesProcessed > pr.PagesTotal {
				pr.PagesTotal = pr.PagesProcessed
			}
		})
	}
}

func setStatus(ctx context.Context, t Tracker, s Status) {
	_ = t.Update(ctx, func(p *Progress) { p.Status = s })
}
