// Package checks runs quality checkers against a rendered page and aggregates their findings.
package checks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Checker inspects a page for one class of problems. A returned error means the pass
// itself could not complete; findings go in the result's issues.
type Checker interface {
	Kind() qa.CheckKind
	Check(ctx context.Context, page qa.Page) (qa.CheckResult, error)
}

// Pipeline fans enabled checkers out against one page.
type Pipeline struct {
	checkers map[qa.CheckKind]Checker
	logger   *zap.Logger
	clock    qa.Clock
}

// NewPipeline registers checkers by kind. A later checker replaces an earlier one of the same kind.
func NewPipeline(logger *zap.Logger, checkers ...Checker) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		checkers: make(map[qa.CheckKind]Checker, len(checkers)),
		logger:   logger,
		clock:    qa.SystemClock{},
	}
	for _, c := range checkers {
		p.checkers[c.Kind()] = c
	}
	return p
}

// Run executes the requested kinds concurrently (every registered kind when kinds is empty).
// Results come back in request order. Checker panics and failures become error results.
func (p *Pipeline) Run(ctx context.Context, page qa.Page, kinds []qa.CheckKind) qa.PipelineResult {
	start := p.clock.Now()
	if len(kinds) == 0 {
		kinds = qa.AllChecks
	}
	url, err := page.URL(ctx)
	if err != nil {
		p.logger.Debug("page url unavailable", zap.Error(err))
	}
	shared := &snapshotPage{Page: page}

	results := make([]qa.CheckResult, len(kinds))
	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			results[i] = p.runOne(ctx, shared, kind, url)
			return nil
		})
	}
	_ = g.Wait()

	out := qa.PipelineResult{
		URL:      url,
		Results:  results,
		Counts:   qa.NewIssueCounts(),
		Duration: p.clock.Now().Sub(start),
	}
	for _, res := range results {
		for _, issue := range res.Issues {
			out.Issues = append(out.Issues, issue)
			out.Counts.Add(issue)
			metrics.ObserveIssue(string(issue.Kind), string(issue.Severity))
		}
	}
	out.Status = DeriveStatus(results)
	return out
}

func (p *Pipeline) runOne(ctx context.Context, page qa.Page, kind qa.CheckKind, url string) (res qa.CheckResult) {
	start := p.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("checker panicked", zap.String("kind", string(kind)), zap.Any("panic", r))
			res = failedResult(kind, fmt.Errorf("panic: %v", r))
		}
		res.Kind = kind
		res.Metadata.URL = url
		res.Metadata.Duration = p.clock.Now().Sub(start)
		metrics.ObserveCheck(string(kind), string(res.Status), res.Metadata.Duration)
	}()

	checker, ok := p.checkers[kind]
	if !ok {
		return failedResult(kind, fmt.Errorf("no checker registered for %q", kind))
	}
	res, err := checker.Check(ctx, page)
	if err != nil {
		p.logger.Warn("checker failed", zap.String("kind", string(kind)), zap.String("url", url), zap.Error(err))
		return failedResult(kind, err)
	}
	for i := range res.Issues {
		res.Issues[i].Kind = kind
	}
	res.Status = statusFromIssues(res.Issues)
	return res
}

// failedResult is a checker-level error carrying a single synthetic critical issue.
func failedResult(kind qa.CheckKind, err error) qa.CheckResult {
	cerr := &qa.CheckerError{Kind: kind, Err: err}
	return qa.CheckResult{
		Kind:   kind,
		Status: qa.StatusError,
		Error:  cerr.Error(),
		Issues: []qa.Issue{{
			Kind:        kind,
			Severity:    qa.SeverityCritical,
			Category:    "checker_error",
			Title:       fmt.Sprintf("%s check failed", kind),
			Description: err.Error(),
		}},
	}
}

func statusFromIssues(issues []qa.Issue) qa.CheckStatus {
	status := qa.StatusSuccess
	for _, issue := range issues {
		switch issue.Severity {
		case qa.SeverityCritical:
			return qa.StatusError
		case qa.SeverityHigh:
			status = qa.StatusWarning
		}
	}
	return status
}

// DeriveStatus folds per-checker results into an overall status: error when any checker
// errored or reported a critical issue, warning when any issue is high or any checker
// warned, success otherwise.
func DeriveStatus(results []qa.CheckResult) qa.CheckStatus {
	status := qa.StatusSuccess
	for _, res := range results {
		if res.Status == qa.StatusError {
			return qa.StatusError
		}
		if res.Status == qa.StatusWarning {
			status = qa.StatusWarning
		}
		switch statusFromIssues(res.Issues) {
		case qa.StatusError:
			return qa.StatusError
		case qa.StatusWarning:
			status = qa.StatusWarning
		}
	}
	return status
}

// snapshotPage serves one DOM snapshot to every concurrent checker.
type snapshotPage struct {
	qa.Page
	once sync.Once
	html string
	err  error
}

func (s *snapshotPage) Content(ctx context.Context) (string, error) {
	s.once.Do(func() {
		s.html, s.err = s.Page.Content(ctx)
	})
	return s.html, s.err
}
