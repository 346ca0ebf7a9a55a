package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/qa-scanner/internal/id/uuid"
	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Config controls consumption, retries, throttling and retention.
type Config struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	SubmitRate      float64       `mapstructure:"submit_rate"`
	SubmitBurst     int           `mapstructure:"submit_burst"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 10
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 24 * time.Hour
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 10 * time.Minute
	}
	return c
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the clock.
func WithClock(clock qa.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithIDGenerator overrides job ID generation.
func WithIDGenerator(ids qa.IDGenerator) Option {
	return func(q *Queue) { q.ids = ids }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.retry = p }
}

// WithSleep overrides the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) { q.sleep = fn }
}

// Queue ties a Broker, a ProgressStore and a Handler together.
type Queue struct {
	cfg     Config
	broker  Broker
	store   ProgressStore
	handler Handler
	limiter *rate.Limiter
	retry   RetryPolicy
	logger  *zap.Logger
	clock   qa.Clock
	ids     qa.IDGenerator
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a Queue. A SubmitRate of zero disables throttling.
func New(cfg Config, broker Broker, store ProgressStore, handler Handler, logger *zap.Logger, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(cfg.SubmitRate)
	if cfg.SubmitRate <= 0 {
		limit = rate.Inf
	}
	q := &Queue{
		cfg:     cfg,
		broker:  broker,
		store:   store,
		handler: handler,
		limiter: rate.NewLimiter(limit, cfg.SubmitBurst),
		retry:   NewExponentialRetryPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		logger:  logger,
		clock:   qa.SystemClock{},
		ids:     uuid.New("job"),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit validates and enqueues a job and returns its ID. Submissions over the rate limit
// fail with ErrSubmissionThrottled.
func (q *Queue) Submit(ctx context.Context, payload Payload, opts SubmitOptions) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	if !q.limiter.Allow() {
		metrics.ObserveSubmissionThrottled()
		return "", ErrSubmissionThrottled
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("job id: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := q.clock.Now()
	job := Job{
		ID:          id,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		SubmittedAt: now,
	}
	if err := q.store.Put(ctx, Progress{
		JobID:     id,
		Kind:      payload.Kind,
		SiteID:    payload.SiteID,
		Status:    StatusQueued,
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("record job: %w", err)
	}
	if err := q.broker.Publish(ctx, job); err != nil {
		q.finish(context.WithoutCancel(ctx), id, fmt.Errorf("publish: %w", err))
		return "", fmt.Errorf("publish job: %w", err)
	}
	metrics.ObserveJob(string(StatusQueued))
	q.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("kind", string(payload.Kind)),
		zap.String("site_id", payload.SiteID),
		zap.Int("priority", opts.Priority),
	)
	return id, nil
}

// PollProgress returns the job's progress or qa.ErrNotFound.
func (q *Queue) PollProgress(ctx context.Context, jobID string) (Progress, error) {
	p, err := q.store.Get(ctx, jobID)
	if err != nil {
		return Progress{}, fmt.Errorf("poll %s: %w", jobID, err)
	}
	return p, nil
}

// Run consumes jobs with Concurrency workers and sweeps expired progress. It returns once
// ctx ends or the broker is closed and every running job has finished.
func (q *Queue) Run(ctx context.Context) error {
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		q.janitor(janitorCtx)
	}()

	var wg sync.WaitGroup
	for i := range q.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consume(ctx, i)
		}()
	}
	wg.Wait()
	stopJanitor()
	<-janitorDone
	return nil
}

func (q *Queue) consume(ctx context.Context, worker int) {
	logger := q.logger.With(zap.Int("consumer", worker))
	for {
		d, err := q.broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, qa.ErrClosed) {
				return
			}
			logger.Error("receive failed", zap.Error(err))
			if q.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		q.process(ctx, d, logger)
	}
}

// process runs one delivery, retrying transient failures in place so the job's status
// never moves backwards.
func (q *Queue) process(ctx context.Context, d Delivery, logger *zap.Logger) {
	job := d.Job
	logger = logger.With(zap.String("job_id", job.ID))
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Attributes))

	existing, err := q.store.Get(ctx, job.ID)
	switch {
	case err == nil && existing.Status.Terminal():
		logger.Info("skipping finished job", zap.String("status", string(existing.Status)))
		d.Ack()
		return
	case errors.Is(err, qa.ErrNotFound):
		// Published by another producer; start tracking it here.
		if err := q.store.Put(ctx, Progress{
			JobID: job.ID, Kind: job.Payload.Kind, SiteID: job.Payload.SiteID, Status: StatusQueued,
		}); err != nil {
			logger.Warn("record job failed", zap.Error(err))
		}
	case err != nil:
		logger.Warn("read progress failed", zap.Error(err))
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	tracker := &tracker{store: q.store, jobID: job.ID, logger: logger}

	var runErr error
	for attempt := 1; ; attempt++ {
		_ = tracker.Update(ctx, func(p *Progress) { p.Attempts = attempt })
		runErr = q.runOnce(ctx, job, tracker)
		if runErr == nil {
			break
		}
		if ctx.Err() != nil {
			logger.Info("job interrupted by shutdown", zap.Error(runErr))
			d.Nack()
			return
		}
		if !q.retry.ShouldRetry(runErr, attempt, maxAttempts) {
			break
		}
		wait := q.retry.Backoff(attempt)
		logger.Warn("job attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(runErr),
		)
		if err := q.sleep(ctx, wait); err != nil {
			d.Nack()
			return
		}
	}
	q.finish(ctx, job.ID, runErr)
	d.Ack()
}

func (q *Queue) runOnce(ctx context.Context, job Job, t Tracker) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.handler.Handle(ctx, job, t)
}

func (q *Queue) finish(ctx context.Context, jobID string, runErr error) {
	t := &tracker{store: q.store, jobID: jobID, logger: q.logger}
	status := StatusCompleted
	if runErr != nil {
		status = StatusFailed
	}
	if err := t.Update(ctx, func(p *Progress) {
		p.Status = status
		if runErr != nil {
			p.Error = runErr.Error()
		}
	}); err != nil {
		q.logger.Error("final progress update failed", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.ObserveJob(string(status))
	if runErr != nil {
		q.logger.Error("job failed", zap.String("job_id", jobID), zap.Error(runErr))
		return
	}
	q.logger.Info("job completed", zap.String("job_id", jobID))
}

func (q *Queue) janitor(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		}
	}
}

// Sweep removes terminal progress older than the retention period.
func (q *Queue) Sweep(ctx context.Context) int {
	n, err := q.store.Sweep(ctx, q.clock.Now().Add(-q.cfg.RetentionPeriod))
	if err != nil {
		q.logger.Warn("progress sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		q.logger.Debug("progress swept", zap.Int("removed", n))
	}
	return n
}

// tracker applies read-modify-write updates to one job's progress.
type tracker struct {
	store  ProgressStore
	jobID  string
	logger *zap.Logger
}

func (t *tracker) Update(ctx context.Context, fn func(p *Progress)) error {
	p, err := t.store.Get(ctx, t.jobID)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	fn(&p)
	if err := t.store.Put(ctx, p); err != nil {
		t.logger.Warn("progress update failed", zap.String("job_id", t.jobID), zap.Error(err))
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
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
