package forms

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Test case names.
const (
	CaseEmptySubmission = "empty_submission"
	CaseEmailValidation = "email_validation"
	CaseRequiredFields  = "required_fields"
	CaseSubmission      = "submission"
)

// Config controls pacing and retry behavior of real submissions.
type Config struct {
	MinFieldDelay       time.Duration
	MaxFieldDelay       time.Duration
	SubmitWaitTimeout   time.Duration
	PollInterval        time.Duration
	RateLimitCooldown   time.Duration
	MaxRateLimitRetries int
}

func (c Config) withDefaults() Config {
	if c.MinFieldDelay <= 0 {
		c.MinFieldDelay = 50 * time.Millisecond
	}
	if c.MaxFieldDelay < c.MinFieldDelay {
		c.MaxFieldDelay = c.MinFieldDelay + 200*time.Millisecond
	}
	if c.SubmitWaitTimeout <= 0 {
		c.SubmitWaitTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 60 * time.Second
	}
	if c.MaxRateLimitRetries < 0 {
		c.MaxRateLimitRetries = 0
	}
	return c
}

// Options select what a single TestForm call does.
type Options struct {
	// Submit performs a real submission after the validation cases.
	Submit bool
	Values qa.FormValues
	// PageURL is the address the page was loaded from, used when the page cannot report one.
	PageURL string
}

// Tester runs the form battery.
type Tester struct {
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration
	clock  qa.Clock
}

// TesterOption customizes a Tester.
type TesterOption func(*Tester)

// WithSleep replaces the context-aware sleep used for field pacing, polling and cooldowns.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) TesterOption {
	return func(t *Tester) { t.sleep = fn }
}

// WithClock replaces the clock used for durations.
func WithClock(clock qa.Clock) TesterOption {
	return func(t *Tester) { t.clock = clock }
}

// NewTester builds a Tester. MaxRateLimitRetries of zero means a 429 is final.
func NewTester(cfg Config, logger *zap.Logger, opts ...TesterOption) *Tester {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tester{
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
		jitter: randomBetween,
		clock:  qa.SystemClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TestForm runs every applicable case against form on page. Failures are reported in the
// result; only an exhausted rate limit leaves Error set to qa.ErrRateLimited.
func (t *Tester) TestForm(ctx context.Context, page qa.Page, form qa.FormDescriptor, opts Options) qa.FormTestResult {
	start := t.clock.Now()
	res := qa.FormTestResult{Form: form, CanSubmitEmpty: !hasRequired(form), URL: opts.PageURL}
	if current, err := page.URL(ctx); err != nil {
		t.logger.Warn("read page url", zap.String("form", form.Selector), zap.Error(err))
	} else if current != "" {
		res.URL = current
	}
	defer func() { res.Duration = t.clock.Now().Sub(start) }()

	for i, run := range []func(context.Context, qa.Page, qa.FormDescriptor) (qa.FormTestCase, *qa.Issue, error){
		t.emptySubmission,
		t.emailValidation,
		t.requiredFields,
	} {
		tc, issue, err := run(ctx, page, form)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if i == 0 {
			// What the browser did with a blank form wins over the declared required marks.
			res.CanSubmitEmpty = !tc.Passed
		}
		res.Cases = append(res.Cases, tc)
		if issue != nil {
			res.Issues = append(res.Issues, *issue)
		}
	}

	if !opts.Submit {
		res.Submission = qa.SubmissionResult{Outcome: qa.SubmissionSkipped}
		return res
	}
	sub, err := t.submit(ctx, page, form, opts.Values, submitTarget(res.URL, form.Action))
	res.Submission = sub
	metrics.ObserveFormSubmission(string(sub.Outcome))
	tc := qa.FormTestCase{Name: CaseSubmission, Passed: sub.Outcome == qa.SubmissionSucceeded, Details: sub.Message}
	res.Cases = append(res.Cases, tc)
	switch {
	case err != nil:
		res.Error = err.Error()
	case sub.Outcome == qa.SubmissionFailed:
		res.Issues = append(res.Issues, *formIssue(form, qa.SeverityHigh, "submission_failed",
			"Form submission failed", sub.Message))
	case sub.Outcome == qa.SubmissionUnknown:
		res.Issues = append(res.Issues, *formIssue(form, qa.SeverityLow, "submission_unconfirmed",
			"Form submission was not confirmed", "No success message or response was observed after submitting."))
	}
	return res
}

func hasRequired(form qa.FormDescriptor) bool {
	for _, f := range form.Fields {
		if f.Required {
			return true
		}
	}
	return false
}

func (t *Tester) emptySubmission(ctx context.Context, page qa.Page, form qa.FormDescriptor) (qa.FormTestCase, *qa.Issue, error) {
	tc := qa.FormTestCase{Name: CaseEmptySubmission}
	script := fmt.Sprintf(`(() => {
  const f = document.querySelector(%s);
  if (!f) return null;
  f.reset();
  return f.checkValidity();
})()`, jsString(form.Selector))
	var valid *bool
	if err := page.Evaluate(ctx, script, &valid); err != nil {
		return tc, nil, fmt.Errorf("check empty validity: %w", err)
	}
	if valid == nil {
		return tc, nil, fmt.Errorf("form %s not found", form.Selector)
	}
	if *valid {
		tc.Details = "empty form passes browser validation"
		description := "No field is required, so blank submissions reach the server."
		if hasRequired(form) {
			description = "Fields are marked required but the browser does not enforce them, so blank submissions reach the server."
		}
		return tc, formIssue(form, qa.SeverityMedium, "accepts_empty_submission",
			"Form accepts an empty submission", description), nil
	}
	tc.Passed = true
	tc.Details = "browser blocks empty submission"
	return tc, nil, nil
}

func (t *Tester) emailValidation(ctx context.Context, page qa.Page, form qa.FormDescriptor) (qa.FormTestCase, *qa.Issue, error) {
	tc := qa.FormTestCase{Name: CaseEmailValidation}
	var email *qa.FormField
	for i := range form.Fields {
		if form.Fields[i].Kind == qa.FieldEmail {
			email = &form.Fields[i]
			break
		}
	}
	if email == nil {
		tc.Passed = true
		tc.Details = "no email field"
		return tc, nil, nil
	}
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return null;
  const prev = el.value;
  el.value = 'not-an-email';
  const ok = el.checkValidity();
  el.value = prev;
  return ok;
})()`, jsString(email.Selector))
	var accepted *bool
	if err := page.Evaluate(ctx, script, &accepted); err != nil {
		return tc, nil, fmt.Errorf("check email validity: %w", err)
	}
	if accepted == nil {
		return tc, nil, fmt.Errorf("email field %s not found", email.Selector)
	}
	if *accepted {
		tc.Details = "malformed address accepted"
		issue := formIssue(form, qa.SeverityMedium, "weak_email_validation",
			"Email field accepts malformed addresses", `Use type="email" or a pattern attribute.`)
		issue.Element = email.Selector
		return tc, issue, nil
	}
	tc.Passed = true
	tc.Details = "malformed address rejected"
	return tc, nil, nil
}

func (t *Tester) requiredFields(ctx context.Context, page qa.Page, form qa.FormDescriptor) (qa.FormTestCase, *qa.Issue, error) {
	tc := qa.FormTestCase{Name: CaseRequiredFields}
	var selectors []string
	for _, f := range form.Fields {
		if f.Required {
			selectors = append(selectors, f.Selector)
		}
	}
	if len(selectors) == 0 {
		tc.Passed = true
		tc.Details = "no required fields"
		return tc, nil, nil
	}
	raw, err := json.Marshal(selectors)
	if err != nil {
		return tc, nil, fmt.Errorf("encode selectors: %w", err)
	}
	script := fmt.Sprintf(`(() => {
  const out = [];
  for (const sel of %s) {
    const el = document.querySelector(sel);
    if (!el) continue;
    const prev = el.value;
    el.value = '';
    if (!el.validity.valueMissing) out.push(sel);
    el.value = prev;
  }
  return out;
})()`, raw)
	var unenforced []string
	if err := page.Evaluate(ctx, script, &unenforced); err != nil {
		return tc, nil, fmt.Errorf("check required fields: %w", err)
	}
	if len(unenforced) > 0 {
		tc.Details = fmt.Sprintf("%d required field(s) not enforced", len(unenforced))
		issue := formIssue(form, qa.SeverityMedium, "required_not_enforced",
			"Required fields are not enforced", "Fields marked required accept empty values.")
		issue.Element = unenforced[0]
		return tc, issue, nil
	}
	tc.Passed = true
	tc.Details = fmt.Sprintf("%d required field(s) enforced", len(selectors))
	return tc, nil, nil
}

// bannerScript reports visible success or failure messaging.
const bannerScript = `(() => {
  const visible = (el) => !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
  const text = (sel) => Array.from(document.querySelectorAll(sel))
    .filter(visible)
    .map((e) => e.textContent.trim())
    .filter(Boolean)
    .join(' | ')
    .slice(0, 200);
  const success = text('.success, .alert-success, .form-success, .thank-you, [role="status"]');
  const failure = text('.error, .alert-danger, .form-error, [role="alert"]');
  const body = document.body ? document.body.innerText.toLowerCase() : '';
  const thanks = /thank you|thanks for|message (has been )?sent|we will be in touch/.test(body);
  return { success: !!success, failure: !!failure, thanks: thanks, text: success || failure };
})()`

type banner struct {
	Success bool   `json:"success"`
	Failure bool   `json:"failure"`
	Thanks  bool   `json:"thanks"`
	Text    string `json:"text"`
}

// submit fills and submits the form, retrying after a fixed cooldown when the server
// answers 429.
func (t *Tester) submit(
	ctx context.Context,
	page qa.Page,
	form qa.FormDescriptor,
	values qa.FormValues,
	to target,
) (qa.SubmissionResult, error) {
	res := qa.SubmissionResult{}
	for attempt := 0; attempt <= t.cfg.MaxRateLimitRetries; attempt++ {
		if attempt > 0 {
			t.logger.Info("rate limited, cooling down",
				zap.String("form", form.Selector),
				zap.Duration("cooldown", t.cfg.RateLimitCooldown),
				zap.Int("attempt", attempt+1),
			)
			if err := t.sleep(ctx, t.cfg.RateLimitCooldown); err != nil {
				return res, fmt.Errorf("rate limit cooldown: %w", err)
			}
			if err := t.reload(ctx, page); err != nil {
				res.Outcome = qa.SubmissionFailed
				res.Message = err.Error()
				return res, nil
			}
		}
		res.Attempts = attempt + 1

		outcome, status, msg, err := t.attempt(ctx, page, form, values, to)
		if err != nil {
			res.Outcome = qa.SubmissionFailed
			res.Message = err.Error()
			return res, nil
		}
		res.HTTPStatus = status
		res.Message = msg
		if outcome != qa.SubmissionRateLimited {
			res.Outcome = outcome
			return res, nil
		}
	}
	res.Outcome = qa.SubmissionRateLimited
	res.Message = fmt.Sprintf("still rate limited after %d attempts", res.Attempts)
	return res, fmt.Errorf("submit %s: %w", form.Selector, qa.ErrRateLimited)
}

func (t *Tester) reload(ctx context.Context, page qa.Page) error {
	current, err := page.URL(ctx)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := page.Navigate(ctx, current); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	var n int
	if err := page.Evaluate(ctx, tagScript, &n); err != nil {
		return fmt.Errorf("retag forms: %w", err)
	}
	return nil
}

func (t *Tester) attempt(
	ctx context.Context,
	page qa.Page,
	form qa.FormDescriptor,
	values qa.FormValues,
	to target,
) (qa.SubmissionOutcome, int, string, error) {
	for _, f := range form.Fields {
		v, ok := ValueFor(f, values)
		if !ok {
			continue
		}
		if err := t.sleep(ctx, t.jitter(t.cfg.MinFieldDelay, t.cfg.MaxFieldDelay)); err != nil {
			return "", 0, "", err
		}
		if err := page.Type(ctx, f.Selector, v); err != nil {
			return "", 0, "", fmt.Errorf("fill %s: %w", f.Selector, err)
		}
	}

	var before banner
	_ = page.Evaluate(ctx, bannerScript, &before)
	seen := len(page.Responses())

	if form.SubmitSelector != "" {
		if err := page.Click(ctx, form.SubmitSelector); err != nil {
			return "", 0, "", fmt.Errorf("click submit: %w", err)
		}
	} else {
		script := fmt.Sprintf(`(() => { const f = document.querySelector(%s); if (f) f.requestSubmit(); return !!f; })()`,
			jsString(form.Selector))
		var ok bool
		if err := page.Evaluate(ctx, script, &ok); err != nil {
			return "", 0, "", fmt.Errorf("request submit: %w", err)
		}
	}

	polls := max(1, int(t.cfg.SubmitWaitTimeout/t.cfg.PollInterval))
	for range polls {
		if err := t.sleep(ctx, t.cfg.PollInterval); err != nil {
			return "", 0, "", err
		}
		if status, found := submissionStatus(page.Responses(), seen, form.Method, to); found {
			switch {
			case status == http.StatusTooManyRequests:
				return qa.SubmissionRateLimited, status, "server answered 429", nil
			case status >= 400:
				return qa.SubmissionFailed, status, fmt.Sprintf("server answered %d", status), nil
			default:
				return qa.SubmissionSucceeded, status, fmt.Sprintf("server answered %d", status), nil
			}
		}
		var after banner
		if err := page.Evaluate(ctx, bannerScript, &after); err != nil {
			// The page may be mid-navigation; try again next poll.
			continue
		}
		switch {
		case after.Failure && !before.Failure:
			return qa.SubmissionFailed, 0, after.Text, nil
		case (after.Success && !before.Success) || (after.Thanks && !before.Thanks):
			return qa.SubmissionSucceeded, 0, after.Text, nil
		}
	}
	return qa.SubmissionUnknown, 0, "no response observed", nil
}

// target is the endpoint a form submits to.
type target struct {
	url *url.URL
	// implicit is set when the form has no action, so scripts often post elsewhere on the site.
	implicit bool
}

// submitTarget resolves the form's action against the page URL. A nil url means the
// endpoint is unknown and any form-like request counts.
func submitTarget(pageURL, action string) target {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return target{implicit: strings.TrimSpace(action) == ""}
	}
	if strings.TrimSpace(action) == "" {
		return target{url: base, implicit: true}
	}
	ref, err := url.Parse(strings.TrimSpace(action))
	if err != nil {
		return target{}
	}
	return target{url: base.ResolveReference(ref)}
}

// submissionStatus finds the status of the request the form produced among responses
// observed after index seen. Beacons and requests to other endpoints are skipped.
func submissionStatus(responses []qa.ObservedResponse, seen int, method string, to target) (int, bool) {
	if seen > len(responses) {
		// A navigation reset the log; everything is new.
		seen = 0
	}
	for _, r := range responses[seen:] {
		if r.ResourceType == "Ping" || r.ResourceType == "Beacon" {
			continue
		}
		if method == http.MethodGet {
			if r.ResourceType == "Document" && to.matches(r.URL, false) {
				return r.Status, true
			}
			continue
		}
		if r.Method == http.MethodPost && to.matches(r.URL, r.ResourceType == "XHR" || r.ResourceType == "Fetch") {
			return r.Status, true
		}
	}
	return 0, false
}

func (t target) matches(raw string, scripted bool) bool {
	if t.url == nil {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Host, t.url.Host) {
		return false
	}
	if t.implicit && scripted {
		return true
	}
	return strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(t.url.Path, "/")
}

func formIssue(form qa.FormDescriptor, sev qa.Severity, category, title, description string) *qa.Issue {
	return &qa.Issue{
		Severity:    sev,
		Category:    category,
		Title:       title,
		Description: description,
		Element:     form.Selector,
	}
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)))
	if err != nil {
		return lo
	}
	return lo + time.Duration(n.Int64())
}

// IsRateLimited reports whether err came from an exhausted rate limit.
func IsRateLimited(err error) bool {
	return errors.Is(err, qa.ErrRateLimited)
}
