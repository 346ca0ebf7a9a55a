// Package queue accepts scan jobs, throttles submissions, tracks job progress and runs jobs
// through a broker with bounded concurrency.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

var (
	// ErrSubmissionThrottled is returned when submissions exceed the configured rate.
	ErrSubmissionThrottled = errors.New("job submission throttled")
	// ErrQueueFull is returned by bounded brokers that cannot take another job.
	ErrQueueFull = errors.New("queue full")
)

// Kind selects what a job does.
type Kind string

// Job kinds.
const (
	KindScan  Kind = "scan"
	KindForms Kind = "forms"
)

// Payload describes the work requested by a job.
type Payload struct {
	Kind   Kind   `json:"kind"`
	SiteID string `json:"site_id,omitempty"`
	// URLs overrides the site provider's page list when set.
	URLs        []string          `json:"urls,omitempty"`
	Checks      []qa.CheckKind    `json:"checks,omitempty"`
	MaxPages    int               `json:"max_pages,omitempty"`
	TestForms   bool              `json:"test_forms,omitempty"`
	SubmitForms bool              `json:"submit_forms,omitempty"`
	FormValues  qa.FormValues     `json:"form_values,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Validate reports payloads that can never run.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindScan, KindForms:
	default:
		return fmt.Errorf("%w: unknown job kind %q", qa.ErrInvalidRequest, p.Kind)
	}
	if p.SiteID == "" && len(p.URLs) == 0 {
		return fmt.Errorf("%w: site_id or urls required", qa.ErrInvalidRequest)
	}
	if p.MaxPages < 0 {
		return fmt.Errorf("%w: max_pages must not be negative", qa.ErrInvalidRequest)
	}
	return nil
}

// SubmitOptions tune one submission.
type SubmitOptions struct {
	// Priority orders jobs in brokers that support it; higher runs first.
	Priority    int
	MaxAttempts int
}

// Job is the unit carried by a Broker.
type Job struct {
	ID          string    `json:"id"`
	Payload     Payload   `json:"payload"`
	Priority    int       `json:"priority"`
	MaxAttempts int       `json:"max_attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Status is a job's position in its lifecycle.
type Status string

// Job statuses in lifecycle order.
const (
	StatusQueued      Status = "queued"
	StatusDiscovering Status = "discovering"
	StatusTesting     Status = "testing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Rank orders statuses. Completed and failed share the terminal rank.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusDiscovering:
		return 1
	case StatusTesting:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is the observable state of a job.
type Progress struct {
	JobID          string     `json:"job_id"`
	Kind           Kind       `json:"kind"`
	SiteID         string     `json:"site_id,omitempty"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	SitesProcessed int        `json:"sites_processed"`
	PagesTotal     int        `json:"pages_total"`
	PagesProcessed int        `json:"pages_processed"`
	FormsProcessed int        `json:"forms_processed"`
	IssuesFound    int        `json:"issues_found"`
	ResultID       string     `json:"result_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Advance merges next into prev without letting status move backwards. A terminal
// record is never changed. FinishedAt is stamped when next first reaches a terminal status.
func Advance(prev, next Progress, now time.Time) (Progress, bool) {
	if prev.Status.Terminal() {
		return prev, false
	}
	if next.Status.Rank() < prev.Status.Rank() {
		next.Status = prev.Status
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = prev.CreatedAt
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	if next.Status.Terminal() && next.FinishedAt == nil {
		finished := now
		next.FinishedAt = &finished
	}
	return next, true
}

// ProgressStore persists job progress.
type ProgressStore interface {
	// Put creates or advances a record; see Advance for the merge rules.
	Put(ctx context.Context, p Progress) error
	// Get returns qa.ErrNotFound for unknown jobs.
	Get(ctx context.Context, jobID string) (Progress, error)
	// Sweep deletes terminal records finished before cutoff and returns how many it removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Delivery is a job handed out by a Broker. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Job Job
	// Attributes carry transport metadata such as trace context.
	Attributes map[string]string
	ack        func()
	nack       func()
}

// NewDelivery wraps a job with its acknowledgement callbacks.
func NewDelivery(job Job, attrs map[string]string, ack, nack func()) Delivery {
	return Delivery{Job: job, Attributes: attrs, ack: ack, nack: nack}
}

// Ack confirms the job was handled.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack returns the job to the broker for redelivery.
func (d Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// Broker moves jobs from submitters to consumers.
type Broker interface {
	Publish(ctx context.Context, job Job) error
	// Receive blocks until a job is available, ctx ends or the broker closes (qa.ErrClosed).
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Tracker lets a Handler report progress on the job it is running.
type Tracker interface {
	Update(ctx context.Context, fn func(p *Progress)) error
}

// Handler runs one job.
type Handler interface {
	Handle(ctx context.Context, job Job, tracker Tracker) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job, tracker Tracker) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job, tracker Tracker) error {
	return f(ctx, job, tracker)
}
