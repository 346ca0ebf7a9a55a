package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/forms"
	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/session"
)

type site map[string]string

type stubPage struct {
	site    site
	current string
	fail    map[string]error
}

func (p *stubPage) Navigate(_ context.Context, url string) error {
	if err := p.fail[url]; err != nil {
		return err
	}
	p.current = url
	return nil
}

func (p *stubPage) URL(context.Context) (string, error) { return p.current, nil }
func (p *stubPage) Content(context.Context) (string, error) {
	return p.site[p.current], nil
}

func (p *stubPage) Evaluate(_ context.Context, _ string, out any) error {
	n := strings.Count(p.site[p.current], "<form")
	raw, _ := json.Marshal(n)
	return json.Unmarshal(raw, out)
}

func (p *stubPage) Type(context.Context, string, string) error { return nil }
func (p *stubPage) Click(context.Context, string) error        { return nil }
func (p *stubPage) Responses() []qa.ObservedResponse           { return nil }

type stubRunner struct {
	site       site
	navFail    map[string]error
	acquireErr map[string]error
	hold       chan struct{}
	entered    chan struct{}
	runs       atomic.Int32
}

func (r *stubRunner) Run(ctx context.Context, task session.Task) error {
	r.runs.Add(1)
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.hold != nil {
		<-r.hold
	}
	page := &stubPage{site: r.site, fail: r.navFail}
	probe := &urlSniffer{stubPage: page, acquireErr: r.acquireErr}
	err := task(ctx, probe, session.Info{WorkerID: "worker-1"})
	if probe.rejected != nil {
		return probe.rejected
	}
	return err
}

// urlSniffer fails navigation to URLs listed in acquireErr and makes Run report that error
// unwrapped, the way a worker timeout surfaces.
type urlSniffer struct {
	*stubPage
	acquireErr map[string]error
	rejected   error
}

func (u *urlSniffer) Navigate(ctx context.Context, url string) error {
	if err := u.acquireErr[url]; err != nil {
		u.rejected = err
		return err
	}
	return u.stubPage.Navigate(ctx, url)
}

type stubAnalyzer struct{}

func (stubAnalyzer) Run(ctx context.Context, page qa.Page, _ []qa.CheckKind) qa.PipelineResult {
	url, _ := page.URL(ctx)
	issue := qa.Issue{Kind: qa.CheckSEO, Severity: qa.SeverityLow, Category: "missing_canonical"}
	counts := qa.NewIssueCounts()
	counts.Add(issue)
	return qa.PipelineResult{
		URL:     url,
		Status:  qa.StatusSuccess,
		Results: []qa.CheckResult{{Kind: qa.CheckSEO, Status: qa.StatusSuccess, Issues: []qa.Issue{issue}}},
		Issues:  []qa.Issue{issue},
		Counts:  counts,
	}
}

type stubTester struct {
	mu    sync.Mutex
	tests []string
}

func (t *stubTester) TestForm(_ context.Context, _ qa.Page, form qa.FormDescriptor, opts forms.Options) qa.FormTestResult {
	t.mu.Lock()
	t.tests = append(t.tests, form.Selector)
	t.mu.Unlock()
	res := qa.FormTestResult{Form: form, Cases: []qa.FormTestCase{{Name: "empty_submission", Passed: true}}}
	if opts.Submit {
		res.Submission = qa.SubmissionResult{Outcome: qa.SubmissionSucceeded, Attempts: 1}
	}
	return res
}

type memStore struct {
	mu     sync.Mutex
	scans  []qa.ScanResult
	multi  []qa.MultiPageScanResult
	forms  []qa.FormTestResult
	failOn error
}

func (s *memStore) SaveScan(_ context.Context, r qa.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = append(s.scans, r)
	return s.failOn
}

func (s *memStore) SaveMultiPage(_ context.Context, r qa.MultiPageScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multi = append(s.multi, r)
	return s.failOn
}

func (s *memStore) SaveFormTest(_ context.Context, r qa.FormTestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms = append(s.forms, r)
	return s.failOn
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type pauses struct {
	mu sync.Mutex
	d  []time.Duration
}

func (p *pauses) sleep(_ context.Context, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.d = append(p.d, d)
	return nil
}

const homeHTML = `<html><body>
<a href="/about">About</a>
<a href="/about/">About again</a>
<a href="/pricing#plans">Pricing</a>
<a href="https://ACME.example/blog">Blog</a>
<a href="https://other.example/">Elsewhere</a>
<a href="mailto:hi@acme.example">Mail</a>
<a href="/">Home</a>
</body></html>`

func newSite() site {
	return site{
		"https://acme.example/":        homeHTML,
		"https://acme.example/about":   "<html><body>about</body></html>",
		"https://acme.example/pricing": "<html><body>pricing</body></html>",
		"https://acme.example/blog":    "<html><body>blog</body></html>",
		"https://acme.example/contact": `<html><body><form id="c"><input name="email" type="email" required></form>` +
			`<form id="n"><input name="email"></form></body></html>`,
	}
}

func newTestOrchestrator(cfg Config, runner Runner, store qa.ResultStore, p *pauses) (*Orchestrator, *stubTester) {
	tester := &stubTester{}
	if p == nil {
		p = &pauses{}
	}
	o := New(cfg, runner, stubAnalyzer{}, tester, store, zap.NewNop(),
		WithIDGenerator(&seqIDs{}),
		WithSleep(p.sleep),
	)
	return o, tester
}

func TestScanSinglePage(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	runner := &stubRunner{site: newSite()}
	o, _ := newTestOrchestrator(Config{}, runner, store, nil)

	res, err := o.Scan(context.Background(), qa.ScanRequest{URL: "https://acme.example/about", SiteID: "acme"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, qa.StatusSuccess, res.Status)
	require.Equal(t, "worker-1", res.WorkerID)
	require.Equal(t, "https://acme.example/about", res.RenderedURL)
	require.Equal(t, 1, res.Counts.Total)
	require.Equal(t, "acme", res.SiteID)
	require.NotEmpty(t, res.ID)
	require.Len(t, store.scans, 1)
	require.Zero(t, o.InFlight())
	require.EqualValues(t, 1, runner.runs.Load())
}

func TestScanRejectsBadURL(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(Config{}, &stubRunner{}, nil, nil)
	for _, raw := range []string{"", "ftp://acme.example/", "https://", "::"} {
		_, err := o.Scan(context.Background(), qa.ScanRequest{URL: raw})
		require.ErrorIs(t, err, qa.ErrInvalidRequest, raw)
	}
}

func TestScanCapacity(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{site: newSite(), hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	o, _ := newTestOrchestrator(Config{MaxConcurrentScans: 1}, runner, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.Scan(context.Background(), qa.ScanRequest{URL: "https://acme.example/"})
		done <- err
	}()
	<-runner.entered
	require.Equal(t, 1, o.InFlight())

	_, err := o.Scan(context.Background(), qa.ScanRequest{URL: "https://acme.example/about"})
	require.ErrorIs(t, err, qa.ErrCapacity)
	_, err = o.ScanBatch(context.Background(), []qa.ScanRequest{{URL: "https://acme.example/about"}})
	require.ErrorIs(t, err, qa.ErrCapacity)

	close(runner.hold)
	require.NoError(t, <-done)
	require.Zero(t, o.InFlight())
}

func TestScanFailureBeforeStartIsError(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(Config{}, failingRunner{err: qa.ErrTimeout}, nil, nil)
	_, err := o.Scan(context.Background(), qa.ScanRequest{URL: "https://acme.example/"})
	require.ErrorIs(t, err, qa.ErrTimeout)
	require.Zero(t, o.InFlight())
}

type failingRunner struct{ err error }

func (f failingRunner) Run(context.Context, session.Task) error {
	return fmt.Errorf("acquire worker: %w", f.err)
}

func TestScanNavigationFailureIsResult(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	runner := &stubRunner{site: newSite(), navFail: map[string]error{"https://acme.example/down": errors.New("net::ERR_NAME_NOT_RESOLVED")}}
	o, _ := newTestOrchestrator(Config{}, runner, store, nil)

	res, err := o.Scan(context.Background(), qa.ScanRequest{URL: "https://acme.example/down"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, qa.StatusError, res.Status)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "ERR_NAME_NOT_RESOLVED")
	require.Len(t, store.scans, 1)
}

func TestScanStoreFailureStillReturnsResult(t *testing.T) {
	t.Parallel()

	store := &memStore{failOn: errors.New("db down")}
	o, _ := newTestOrchestrator(Config{}, &stubRunner{site: newSite()}, store, nil)
	res, err := o.Scan(context.Background(), qa.ScanRequest{URL: "https://acme.example/"})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestScanWithForms(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	o, tester := newTestOrchestrator(Config{}, &stubRunner{site: newSite()}, store, nil)
	res, err := o.Scan(context.Background(), qa.ScanRequest{URL: "https://acme.example/contact", TestForms: true})
	require.NoError(t, err)
	require.Len(t, res.Forms, 2)
	require.Equal(t, []string{"form:nth-of-type(1)", "form:nth-of-type(2)"}, tester.tests)
	require.Equal(t, "https://acme.example/contact", res.Forms[0].URL)
	require.Len(t, store.forms, 2)
}

func TestScanMultiPage(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	runner := &stubRunner{site: newSite()}
	o, _ := newTestOrchestrator(Config{}, runner, store, nil)

	res, err := o.ScanMultiPage(context.Background(), qa.MultiPageScanRequest{
		ScanRequest: qa.ScanRequest{URL: "https://acme.example/"},
		MaxPages:    3,
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://acme.example/",
		"https://acme.example/about",
		"https://acme.example/pricing",
	}, res.Discovered)
	require.Len(t, res.Pages, 3)
	require.Equal(t, "https://acme.example/pricing", res.Pages[2].URL)
	require.Equal(t, 3, res.Summary.TotalPages)
	require.Zero(t, res.Summary.PagesFailed)
	require.Equal(t, 3, res.Summary.Counts.Total)
	require.EqualValues(t, 3, runner.runs.Load())
	require.Len(t, store.multi, 1)
}

func TestScanBatchChunksAndKeepsOrder(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{
		site:       newSite(),
		acquireErr: map[string]error{"https://acme.example/blog": qa.ErrTimeout},
	}
	p := &pauses{}
	o, _ := newTestOrchestrator(Config{ChunkSize: 2, ChunkPause: 250 * time.Millisecond}, runner, nil, p)

	urls := []string{
		"https://acme.example/",
		"https://acme.example/about",
		"https://acme.example/pricing",
		"https://acme.example/blog",
		"https://acme.example/contact",
	}
	reqs := make([]qa.ScanRequest, len(urls))
	for i, u := range urls {
		reqs[i] = qa.ScanRequest{URL: u}
	}
	res, err := o.ScanBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, res.Pages, len(urls))
	for i, page := range res.Pages {
		require.Equal(t, urls[i], page.URL)
	}
	blog := res.Pages[3]
	require.False(t, blog.Success)
	require.Equal(t, qa.StatusError, blog.Status)
	require.Contains(t, blog.Errors[0], qa.ErrTimeout.Error())
	require.Equal(t, 1, res.Summary.PagesFailed)
	require.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, p.d)
}

func TestScanBatchEmpty(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(Config{}, &stubRunner{}, nil, nil)
	_, err := o.ScanBatch(context.Background(), nil)
	require.ErrorIs(t, err, qa.ErrInvalidRequest)
}

func TestTestForms(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{
		site:    newSite(),
		navFail: map[string]error{"https://acme.example/gone": errors.New("404")},
	}
	o, tester := newTestOrchestrator(Config{}, runner, nil, nil)

	results, err := o.TestForms(context.Background(), FormTestRequest{
		Pages: []qa.FormRef{
			{PageURL: "https://acme.example/contact", Selector: "n"},
			{PageURL: "https://acme.example/gone"},
		},
		Submit: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "n", results[0].Form.ID)
	require.Equal(t, qa.SubmissionSucceeded, results[0].Submission.Outcome)
	require.Equal(t, "https://acme.example/gone", results[1].URL)
	require.Contains(t, results[1].Error, "404")
	require.Equal(t, []string{"form:nth-of-type(2)"}, tester.tests)
}

func TestSameSiteLinks(t *testing.T) {
	t.Parallel()

	got := SameSiteLinks("https://acme.example/", homeHTML, 10)
	require.Equal(t, []string{
		"https://acme.example/about",
		"https://acme.example/pricing",
		"https://acme.example/blog",
	}, got)
	require.Len(t, SameSiteLinks("https://acme.example/", homeHTML, 1), 1)
	require.Nil(t, SameSiteLinks("not a url", homeHTML, 5))
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://ACME.example":           "https://acme.example/",
		"https://acme.example/a/#top":    "https://acme.example/a",
		"HTTPS://acme.example/a?b=1#c":   "https://acme.example/a?b=1",
		"https://acme.example/":          "https://acme.example/",
		"https://acme.example/docs//":    "https://acme.example/docs",
		"https://acme.example/Case/Path": "https://acme.example/Case/Path",
	}
	for in, want := range tests {
		require.Equal(t, want, normalizeURL(in), in)
	}
}

type stepLog struct {
	mu    sync.Mutex
	steps []Step
}

func (l *stepLog) add(_ context.Context, s Step) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, s)
}

func (l *stepLog) byURL() map[string]Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Step, len(l.steps))
	for _, s := range l.steps {
		out[s.URL] = s
	}
	return out
}

func TestScanBatchReportsEachPage(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{
		site:       newSite(),
		acquireErr: map[string]error{"https://acme.example/blog": qa.ErrTimeout},
	}
	o, _ := newTestOrchestrator(Config{ChunkSize: 2}, runner, nil, nil)

	log := &stepLog{}
	ctx := WithProgress(context.Background(), log.add)
	res, err := o.ScanBatch(ctx, []qa.ScanRequest{
		{URL: "https://acme.example/"},
		{URL: "https://acme.example/about"},
		{URL: "https://acme.example/blog"},
	})
	require.NoError(t, err)

	steps := log.byURL()
	require.Len(t, steps, 3)
	issues := 0
	for _, s := range steps {
		require.Equal(t, 1, s.Pages)
		issues += s.Issues
	}
	require.Equal(t, res.Summary.Counts.Total, issues)
	require.True(t, steps["https://acme.example/blog"].Failed)
	require.False(t, steps["https://acme.example/"].Failed)
}

func TestScanMultiPageReportsEntryAndLinks(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(Config{}, &stubRunner{site: newSite()}, nil, nil)

	log := &stepLog{}
	ctx := WithProgress(context.Background(), log.add)
	_, err := o.ScanMultiPage(ctx, qa.MultiPageScanRequest{
		ScanRequest: qa.ScanRequest{URL: "https://acme.example/"},
		MaxPages:    3,
	})
	require.NoError(t, err)

	steps := log.byURL()
	require.Len(t, steps, 3)
	require.Contains(t, steps, "https://acme.example/")
	require.Contains(t, steps, "https://acme.example/pricing")
}

func TestTestFormsReportsEachPage(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{
		site:    newSite(),
		navFail: map[string]error{"https://acme.example/gone": errors.New("404")},
	}
	o, _ := newTestOrchestrator(Config{}, runner, nil, nil)

	log := &stepLog{}
	ctx := WithProgress(context.Background(), log.add)
	_, err := o.TestForms(ctx, FormTestRequest{Pages: []qa.FormRef{
		{PageURL: "https://acme.example/contact"},
		{PageURL: "https://acme.example/gone"},
	}})
	require.NoError(t, err)

	steps := log.byURL()
	require.Len(t, steps, 2)
	require.Equal(t, 2, steps["https://acme.example/contact"].Forms)
	require.False(t, steps["https://acme.example/contact"].Failed)
	require.True(t, steps["https://acme.example/gone"].Failed)
}

func TestWithProgressNilKeepsContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	require.Equal(t, ctx, WithProgress(ctx, nil))
	Report(ctx, Step{URL: "https://acme.example/"})
}
