// Package orchestrator runs page scans, multi-page crawls, batches and form tests on top
// of the browser pool, bounding how many run at once.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/qa-scanner/internal/forms"
	"github.com/JakeFAU/qa-scanner/internal/id/uuid"
	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/session"
)

const tracerName = "github.com/JakeFAU/qa-scanner/internal/orchestrator"

// Config bounds orchestrator concurrency and pacing.
type Config struct {
	MaxConcurrentScans int           `mapstructure:"max_concurrent_scans"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	ChunkPause         time.Duration `mapstructure:"chunk_pause"`
	MaxPages           int           `mapstructure:"max_pages"`
	PageTimeout        time.Duration `mapstructure:"page_timeout"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentScans <= 0 {
		c.MaxConcurrentScans = 10
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 5
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 2 * time.Minute
	}
	return c
}

// Runner executes a task inside one leased browser context.
type Runner interface {
	Run(ctx context.Context, task session.Task) error
}

// Analyzer runs the checker pipeline against a page.
type Analyzer interface {
	Run(ctx context.Context, page qa.Page, kinds []qa.CheckKind) qa.PipelineResult
}

// FormTester tests one discovered form.
type FormTester interface {
	TestForm(ctx context.Context, page qa.Page, form qa.FormDescriptor, opts forms.Options) qa.FormTestResult
}

// FormTestRequest selects pages whose forms should be tested.
type FormTestRequest struct {
	SiteID string
	Pages  []qa.FormRef
	Submit bool
	Values qa.FormValues
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock.
func WithClock(clock qa.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithIDGenerator overrides result ID generation.
func WithIDGenerator(ids qa.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = ids }
}

// WithSleep overrides the pause between chunks.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithTracer overrides the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// Orchestrator coordinates scans. Every page uses exactly one Runner.Run.
type Orchestrator struct {
	cfg      Config
	runner   Runner
	pipeline Analyzer
	tester   FormTester
	store    qa.ResultStore
	logger   *zap.Logger
	clock    qa.Clock
	ids      qa.IDGenerator
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error

	admission *semaphore.Weighted
	inFlight  atomic.Int64
}

// New builds an Orchestrator. store may be nil, in which case results are not persisted.
func New(
	cfg Config,
	runner Runner,
	pipeline Analyzer,
	tester FormTester,
	store qa.ResultStore,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		runner:    runner,
		pipeline:  pipeline,
		tester:    tester,
		store:     store,
		logger:    logger,
		clock:     qa.SystemClock{},
		ids:       uuid.New("scan"),
		tracer:    otel.Tracer(tracerName),
		sleep:     sleepCtx,
		admission: semaphore.NewWeighted(int64(cfg.MaxConcurrentScans)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InFlight reports how many admitted operations are running.
func (o *Orchestrator) InFlight() int {
	return int(o.inFlight.Load())
}

// admit claims an admission slot without waiting. The returned func releases it.
func (o *Orchestrator) admit(op string) (func(), error) {
	if !o.admission.TryAcquire(1) {
		o.logger.Warn("scan rejected at capacity", zap.String("op", op), zap.Int("max", o.cfg.MaxConcurrentScans))
		return nil, fmt.Errorf("%s: %w", op, qa.ErrCapacity)
	}
	o.inFlight.Add(1)
	metrics.IncScansInFlight()
	return func() {
		metrics.DecScansInFlight()
		o.inFlight.Add(-1)
		o.admission.Release(1)
	}, nil
}

// Scan runs the checker pipeline, and optionally the form battery, against one page.
// Failures that keep the page from loading at all are returned as errors.
func (o *Orchestrator) Scan(ctx context.Context, req qa.ScanRequest) (qa.ScanResult, error) {
	if err := validateURL(req.URL); err != nil {
		return qa.ScanResult{}, err
	}
	release, err := o.admit("scan")
	if err != nil {
		return qa.ScanResult{}, err
	}
	defer release()

	res, _, err := o.scanPage(ctx, req, 0)
	if err != nil {
		return qa.ScanResult{}, err
	}
	o.save(ctx, "scan", func(ctx context.Context) error { return o.store.SaveScan(ctx, res) })
	return res, nil
}

// ScanMultiPage scans the entry page, discovers same-site links on it and scans up to
// MaxPages pages in total.
func (o *Orchestrator) ScanMultiPage(ctx context.Context, req qa.MultiPageScanRequest) (qa.MultiPageScanResult, error) {
	if err := validateURL(req.URL); err != nil {
		return qa.MultiPageScanResult{}, err
	}
	release, err := o.admit("multi-page scan")
	if err != nil {
		return qa.MultiPageScanResult{}, err
	}
	defer release()

	ctx, span := o.tracer.Start(ctx, "orchestrator.ScanMultiPage",
		trace.WithAttributes(attribute.String("qa.url", req.URL)))
	defer span.End()

	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = o.cfg.MaxPages
	}
	start := o.clock.Now()
	out := qa.MultiPageScanResult{
		ID:        o.newID(),
		EntryURL:  req.URL,
		SiteID:    req.SiteID,
		StartedAt: start,
	}

	entry, links, err := o.scanPage(ctx, req.ScanRequest, maxPages-1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return qa.MultiPageScanResult{}, err
	}
	Report(ctx, pageStep(entry))
	out.Discovered = append([]string{normalizeURL(req.URL)}, links...)

	rest := make([]qa.ScanRequest, len(links))
	for i, link := range links {
		rest[i] = req.ScanRequest
		rest[i].URL = link
	}
	out.Pages = append([]qa.ScanResult{entry}, o.scanAll(ctx, rest)...)
	out.Summary = summarize(out.Pages, o.clock.Now().Sub(start))
	for _, p := range out.Pages {
		out.Errors = append(out.Errors, p.Errors...)
	}
	span.SetAttributes(attribute.Int("qa.pages", len(out.Pages)))

	o.save(ctx, "multi-page scan", func(ctx context.Context) error { return o.store.SaveMultiPage(ctx, out) })
	return out, nil
}

// ScanBatch scans independent pages in chunks. Every request yields a page result, including
// requests that failed.
func (o *Orchestrator) ScanBatch(ctx context.Context, reqs []qa.ScanRequest) (qa.MultiPageScanResult, error) {
	if len(reqs) == 0 {
		return qa.MultiPageScanResult{}, fmt.Errorf("%w: batch is empty", qa.ErrInvalidRequest)
	}
	release, err := o.admit("batch scan")
	if err != nil {
		return qa.MultiPageScanResult{}, err
	}
	defer release()

	ctx, span := o.tracer.Start(ctx, "orchestrator.ScanBatch",
		trace.WithAttributes(attribute.Int("qa.batch_size", len(reqs))))
	defer span.End()

	start := o.clock.Now()
	out := qa.MultiPageScanResult{
		ID:        o.newID(),
		EntryURL:  reqs[0].URL,
		SiteID:    reqs[0].SiteID,
		StartedAt: start,
	}
	for _, r := range reqs {
		out.Discovered = append(out.Discovered, r.URL)
	}
	out.Pages = o.scanAll(ctx, reqs)
	out.Summary = summarize(out.Pages, o.clock.Now().Sub(start))
	for _, p := range out.Pages {
		out.Errors = append(out.Errors, p.Errors...)
	}
	o.save(ctx, "batch scan", func(ctx context.Context) error { return o.store.SaveMultiPage(ctx, out) })
	return out, nil
}

// TestForms discovers and tests the forms on each requested page. A page that cannot be
// loaded yields a single result carrying the error.
func (o *Orchestrator) TestForms(ctx context.Context, req FormTestRequest) ([]qa.FormTestResult, error) {
	if len(req.Pages) == 0 {
		return nil, fmt.Errorf("%w: no pages to test", qa.ErrInvalidRequest)
	}
	release, err := o.admit("form test")
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := o.tracer.Start(ctx, "orchestrator.TestForms",
		trace.WithAttributes(attribute.Int("qa.pages", len(req.Pages))))
	defer span.End()

	perPage := make([][]qa.FormTestResult, len(req.Pages))
	o.inChunks(ctx, len(req.Pages), func(ctx context.Context, i int) {
		ref := req.Pages[i]
		results, err := o.testPageForms(ctx, ref, req)
		if err != nil {
			o.logger.Warn("form test failed", zap.String("url", ref.PageURL), zap.Error(err))
			results = []qa.FormTestResult{{URL: ref.PageURL, Error: err.Error()}}
		}
		perPage[i] = results
		Report(ctx, formStep(ref.PageURL, results))
	})

	var out []qa.FormTestResult
	for _, results := range perPage {
		out = append(out, results...)
	}
	return out, nil
}

func (o *Orchestrator) testPageForms(ctx context.Context, ref qa.FormRef, req FormTestRequest) ([]qa.FormTestResult, error) {
	if err := validateURL(ref.PageURL); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
	defer cancel()

	var results []qa.FormTestResult
	err := o.runner.Run(ctx, func(ctx context.Context, page qa.Page, _ session.Info) error {
		if err := page.Navigate(ctx, ref.PageURL); err != nil {
			return fmt.Errorf("navigate %s: %w", ref.PageURL, err)
		}
		results = o.runForms(ctx, page, ref.PageURL, ref.Selector, forms.Options{Submit: req.Submit, Values: req.Values})
		return nil
	})
	return results, err
}

// scanPage loads req.URL in one browser context and analyzes it. When discover is positive
// up to that many same-site links are collected from the rendered page.
func (o *Orchestrator) scanPage(ctx context.Context, req qa.ScanRequest, discover int) (qa.ScanResult, []string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.scanPage",
		trace.WithAttributes(attribute.String("qa.url", req.URL)))
	defer span.End()

	start := o.clock.Now()
	res := qa.ScanResult{
		ID:        o.newID(),
		URL:       req.URL,
		SiteID:    req.SiteID,
		StartedAt: start,
	}
	var links []string
	started := false

	pageCtx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
	defer cancel()
	err := o.runner.Run(pageCtx, func(ctx context.Context, page qa.Page, info session.Info) error {
		started = true
		res.WorkerID = info.WorkerID
		if err := page.Navigate(ctx, req.URL); err != nil {
			return fmt.Errorf("navigate %s: %w", req.URL, err)
		}
		if rendered, err := page.URL(ctx); err == nil {
			res.RenderedURL = rendered
		}

		pr := o.pipeline.Run(ctx, page, req.Checks)
		res.Checks = pr.Results
		res.Counts = pr.Counts
		res.Status = pr.Status
		for _, c := range pr.Results {
			if c.Error != "" {
				res.Errors = append(res.Errors, c.Error)
			}
		}

		if discover > 0 {
			html, err := page.Content(ctx)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("link discovery: %v", err))
			} else {
				base := res.RenderedURL
				if base == "" {
					base = req.URL
				}
				links = SameSiteLinks(base, html, discover)
			}
		}

		if req.TestForms {
			res.Forms = o.runForms(ctx, page, req.URL, "", forms.Options{Submit: req.SubmitForms, Values: req.FormValues})
			for _, f := range res.Forms {
				if f.Error != "" {
					res.Errors = append(res.Errors, fmt.Sprintf("form %s: %s", f.Form.Selector, f.Error))
				}
			}
		}
		return nil
	})
	res.Duration = o.clock.Now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !started {
			metrics.ObserveScan("rejected", res.Duration)
			return qa.ScanResult{}, nil, fmt.Errorf("scan %s: %w", req.URL, err)
		}
		res.Errors = append(res.Errors, err.Error())
		res.Status = qa.StatusError
	}
	res.Success = err == nil && len(res.Errors) == 0
	if res.Status == "" {
		res.Status = qa.StatusError
	}
	metrics.ObserveScan(string(res.Status), res.Duration)
	o.logger.Info("page scanned",
		zap.String("url", req.URL),
		zap.String("status", string(res.Status)),
		zap.Int("issues", res.Counts.Total),
		zap.Duration("duration", res.Duration),
		zap.String("worker_id", res.WorkerID),
	)
	return res, links, nil
}

// runForms tests every form on the loaded page, or only the one matching selector. After a
// real submission the page is reloaded so the next form starts from a clean document.
func (o *Orchestrator) runForms(ctx context.Context, page qa.Page, pageURL, selector string, opts forms.Options) []qa.FormTestResult {
	opts.PageURL = pageURL
	descs, err := forms.DiscoverPage(ctx, page)
	if err != nil {
		return []qa.FormTestResult{{URL: pageURL, Error: fmt.Sprintf("discover forms: %v", err)}}
	}
	var results []qa.FormTestResult
	dirty := false
	for i := range descs {
		if selector != "" && descs[i].Selector != selector && descs[i].ID != selector {
			continue
		}
		form := descs[i]
		if dirty {
			if err := page.Navigate(ctx, pageURL); err != nil {
				results = append(results, qa.FormTestResult{URL: pageURL, Form: form, Error: fmt.Sprintf("reload: %v", err)})
				break
			}
			if fresh, err := forms.DiscoverPage(ctx, page); err == nil && i < len(fresh) {
				form = fresh[i]
			}
		}
		res := o.tester.TestForm(ctx, page, form, opts)
		if res.URL == "" {
			res.URL = pageURL
		}
		dirty = opts.Submit
		results = append(results, res)
		o.save(ctx, "form test", func(ctx context.Context) error { return o.store.SaveFormTest(ctx, res) })
	}
	return results
}

// scanAll scans reqs in chunks and returns one result per request in order.
func (o *Orchestrator) scanAll(ctx context.Context, reqs []qa.ScanRequest) []qa.ScanResult {
	out := make([]qa.ScanResult, len(reqs))
	o.inChunks(ctx, len(reqs), func(ctx context.Context, i int) {
		res, _, err := o.scanPage(ctx, reqs[i], 0)
		if err != nil {
			res = qa.ScanResult{
				ID:        o.newID(),
				URL:       reqs[i].URL,
				SiteID:    reqs[i].SiteID,
				Status:    qa.StatusError,
				StartedAt: o.clock.Now(),
				Errors:    []string{err.Error()},
			}
		}
		out[i] = res
		Report(ctx, pageStep(res))
	})
	return out
}

// inChunks calls fn for indexes [0,n) with ChunkSize calls in parallel and a pause between
// chunks. A cancelled context skips the pauses; fn still runs for every index.
func (o *Orchestrator) inChunks(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	for start := 0; start < n; start += o.cfg.ChunkSize {
		if start > 0 && ctx.Err() == nil {
			if err := o.sleep(ctx, o.cfg.ChunkPause); err != nil {
				o.logger.Debug("chunk pause interrupted", zap.Error(err))
			}
		}
		end := min(start+o.cfg.ChunkSize, n)
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				fn(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (o *Orchestrator) save(ctx context.Context, what string, fn func(context.Context) error) {
	if o.store == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		o.logger.Error("persist result failed", zap.String("what", what), zap.Error(err))
	}
}

func (o *Orchestrator) newID() string {
	id, err := o.ids.NewID()
	if err != nil {
		o.logger.Warn("id generation failed", zap.Error(err))
		return fmt.Sprintf("scan-%d", o.clock.Now().UnixNano())
	}
	return id
}

func summarize(pages []qa.ScanResult, total time.Duration) qa.ScanSummary {
	s := qa.ScanSummary{TotalPages: len(pages), TotalDuration: total, Counts: qa.NewIssueCounts()}
	for _, p := range pages {
		if !p.Success {
			s.PagesFailed++
		}
		s.Counts.Merge(p.Counts)
		s.TotalForms += len(p.Forms)
		for _, f := range p.Forms {
			if f.HasIssues() {
				s.FormsWithIssues++
			}
		}
	}
	return s
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: url %q: %v", qa.ErrInvalidRequest, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url %q: scheme must be http or https", qa.ErrInvalidRequest, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url %q: missing host", qa.ErrInvalidRequest, raw)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
