// Package qa holds the domain types and interfaces shared by the scanner components.
package qa

import "time"

// Severity ranks how serious an Issue is.
type Severity string

// Severity values, lowest to highest.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every Severity in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// CheckKind discriminates the checker that produced a result.
type CheckKind string

// Checker kinds.
const (
	CheckLinks         CheckKind = "links"
	CheckSEO           CheckKind = "seo"
	CheckPerformance   CheckKind = "performance"
	CheckAccessibility CheckKind = "accessibility"
)

// AllChecks is the default enabled set, in reporting order.
var AllChecks = []CheckKind{CheckLinks, CheckSEO, CheckPerformance, CheckAccessibility}

// CheckStatus is the outcome of one checker pass or of a whole pipeline run.
type CheckStatus string

// Check statuses.
const (
	StatusSuccess CheckStatus = "success"
	StatusWarning CheckStatus = "warning"
	StatusError   CheckStatus = "error"
)

// Issue is a single finding.
type Issue struct {
	Kind        CheckKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Element     string    `json:"element,omitempty"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// CheckMetadata describes how a checker pass ran.
type CheckMetadata struct {
	URL             string        `json:"url"`
	Duration        time.Duration `json:"duration"`
	ElementsChecked int           `json:"elements_checked"`
}

// CheckResult is the output of one checker pass.
type CheckResult struct {
	Kind     CheckKind      `json:"kind"`
	Status   CheckStatus    `json:"status"`
	Issues   []Issue        `json:"issues"`
	Metadata CheckMetadata  `json:"metadata"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// IssueCounts tallies issues by severity and by checker kind.
type IssueCounts struct {
	Total      int               `json:"total"`
	BySeverity map[Severity]int  `json:"by_severity"`
	ByKind     map[CheckKind]int `json:"by_kind"`
}

// NewIssueCounts returns zeroed counters.
func NewIssueCounts() IssueCounts {
	return IssueCounts{
		BySeverity: make(map[Severity]int, len(Severities)),
		ByKind:     make(map[CheckKind]int, len(AllChecks)),
	}
}

// Add folds one issue into the counters.
func (c *IssueCounts) Add(issue Issue) {
	if c.BySeverity == nil {
		c.BySeverity = make(map[Severity]int, len(Severities))
	}
	if c.ByKind == nil {
		c.ByKind = make(map[CheckKind]int, len(AllChecks))
	}
	c.Total++
	c.BySeverity[issue.Severity]++
	c.ByKind[issue.Kind]++
}

// Merge folds other into c.
func (c *IssueCounts) Merge(other IssueCounts) {
	*c = mergeCounts(*c, other)
}

func mergeCounts(dst, src IssueCounts) IssueCounts {
	if dst.BySeverity == nil {
		dst.BySeverity = make(map[Severity]int, len(Severities))
	}
	if dst.ByKind == nil {
		dst.ByKind = make(map[CheckKind]int, len(AllChecks))
	}
	dst.Total += src.Total
	for k, v := range src.BySeverity {
		dst.BySeverity[k] += v
	}
	for k, v := range src.ByKind {
		dst.ByKind[k] += v
	}
	return dst
}

// PipelineResult is the aggregate of every enabled checker against one page.
type PipelineResult struct {
	URL      string        `json:"url"`
	Status   CheckStatus   `json:"status"`
	Results  []CheckResult `json:"results"`
	Issues   []Issue       `json:"issues"`
	Counts   IssueCounts   `json:"counts"`
	Duration time.Duration `json:"duration"`
}

// ScanRequest is one page to scan.
type ScanRequest struct {
	URL       string      `json:"url"`
	SiteID    string      `json:"site_id,omitempty"`
	Checks    []CheckKind `json:"checks,omitempty"`
	TestForms bool        `json:"test_forms,omitempty"`
	// SubmitForms enables real submissions when TestForms is set.
	SubmitForms bool              `json:"submit_forms,omitempty"`
	FormValues  FormValues        `json:"form_values,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// ScanResult is the outcome of scanning one page.
type ScanResult struct {
	ID          string           `json:"id"`
	URL         string           `json:"url"`
	SiteID      string           `json:"site_id,omitempty"`
	Success     bool             `json:"success"`
	Status      CheckStatus      `json:"status"`
	Checks      []CheckResult    `json:"checks"`
	Counts      IssueCounts      `json:"counts"`
	Forms       []FormTestResult `json:"forms,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	Errors      []string         `json:"errors,omitempty"`
	WorkerID    string           `json:"worker_id,omitempty"`
	RenderedURL string           `json:"rendered_url,omitempty"`
}

// MultiPageScanRequest crawls same-site pages from an entry URL.
type MultiPageScanRequest struct {
	ScanRequest
	MaxPages int `json:"max_pages"`
}

// ScanSummary rolls up a multi-page or batch scan.
type ScanSummary struct {
	TotalPages      int           `json:"total_pages"`
	PagesFailed     int           `json:"pages_failed"`
	TotalForms      int           `json:"total_forms"`
	FormsWithIssues int           `json:"forms_with_issues"`
	TotalDuration   time.Duration `json:"total_duration"`
	Counts          IssueCounts   `json:"counts"`
}

// MultiPageScanResult is the outcome of a same-site crawl or a batch.
type MultiPageScanResult struct {
	ID         string       `json:"id"`
	EntryURL   string       `json:"entry_url"`
	SiteID     string       `json:"site_id,omitempty"`
	Discovered []string     `json:"discovered"`
	Pages      []ScanResult `json:"pages"`
	Summary    ScanSummary  `json:"summary"`
	StartedAt  time.Time    `json:"started_at"`
	Errors     []string     `json:"errors,omitempty"`
}

// FieldKind is the semantic classification of a form field.
type FieldKind string

// Field kinds recognized by the form tester.
const (
	FieldEmail   FieldKind = "email"
	FieldPhone   FieldKind = "phone"
	FieldName    FieldKind = "name"
	FieldCompany FieldKind = "company"
	FieldMessage FieldKind = "message"
	FieldCustom  FieldKind = "custom"
	FieldUnknown FieldKind = "unknown"
)

// FormValues are operator-supplied values for real submissions.
type FormValues struct {
	Email   string            `json:"email,omitempty"`
	Phone   string            `json:"phone,omitempty"`
	Name    string            `json:"name,omitempty"`
	Company string            `json:"company,omitempty"`
	Message string            `json:"message,omitempty"`
	Custom  map[string]string `json:"custom,omitempty"`
}

// FormField describes one input of a discovered form.
type FormField struct {
	Name        string    `json:"name,omitempty"`
	ID          string    `json:"id,omitempty"`
	Type        string    `json:"type"`
	Tag         string    `json:"tag"`
	Placeholder string    `json:"placeholder,omitempty"`
	Label       string    `json:"label,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Required    bool      `json:"required"`
	Selector    string    `json:"selector"`
	Kind        FieldKind `json:"kind"`
}

// FormDescriptor identifies one form on a page.
type FormDescriptor struct {
	Index          int         `json:"index"`
	Selector       string      `json:"selector"`
	ID             string      `json:"id,omitempty"`
	Name           string      `json:"name,omitempty"`
	Action         string      `json:"action,omitempty"`
	Method         string      `json:"method"`
	Fields         []FormField `json:"fields"`
	SubmitSelector string      `json:"submit_selector,omitempty"`
}

// FormTestCase is one test in the form battery.
type FormTestCase struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// SubmissionOutcome classifies a real form submission.
type SubmissionOutcome string

// Submission outcomes.
const (
	SubmissionSkipped     SubmissionOutcome = "skipped"
	SubmissionSucceeded   SubmissionOutcome = "succeeded"
	SubmissionFailed      SubmissionOutcome = "failed"
	SubmissionUnknown     SubmissionOutcome = "unknown"
	SubmissionRateLimited SubmissionOutcome = "rate_limited"
)

// SubmissionResult records a real submission attempt.
type SubmissionResult struct {
	Outcome    SubmissionOutcome `json:"outcome"`
	HTTPStatus int               `json:"http_status,omitempty"`
	Attempts   int               `json:"attempts"`
	Message    string            `json:"message,omitempty"`
}

// FormTestResult is the outcome of testing one form.
type FormTestResult struct {
	URL            string           `json:"url"`
	Form           FormDescriptor   `json:"form"`
	CanSubmitEmpty bool             `json:"can_submit_empty"`
	Cases          []FormTestCase   `json:"cases"`
	Submission     SubmissionResult `json:"submission"`
	Issues         []Issue          `json:"issues,omitempty"`
	Duration       time.Duration    `json:"duration"`
	Error          string           `json:"error,omitempty"`
}

// HasIssues reports whether the test surfaced any finding or failed case.
func (r FormTestResult) HasIssues() bool {
	if len(r.Issues) > 0 || r.Error != "" {
		return true
	}
	for _, c := range r.Cases {
		if !c.Passed {
			return true
		}
	}
	return false
}

// ObservedResponse is a network response seen by an execution context.
type ObservedResponse struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	Status       int    `json:"status"`
	ResourceType string `json:"resource_type"`
	MimeType     string `json:"mime_type,omitempty"`
	Bytes        int64  `json:"bytes"`
}

// Viewport is the emulated screen size.
type Viewport struct {
	Width  int64 `json:"width" mapstructure:"width"`
	Height int64 `json:"height" mapstructure:"height"`
}

// Site is a catalog entry from the site provider.
type Site struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// PageRef is a page listed for a site.
type PageRef struct {
	SiteID string `json:"site_id"`
	URL    string `json:"url"`
}

// FormRef is a page known to carry a form.
type FormRef struct {
	SiteID   string `json:"site_id"`
	PageURL  string `json:"page_url"`
	Selector string `json:"selector,omitempty"`
}
