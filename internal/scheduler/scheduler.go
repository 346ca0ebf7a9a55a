// Package scheduler submits recurring scan jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
)

// Entry is one recurring job.
type Entry struct {
	Name        string         `mapstructure:"name"`
	Spec        string         `mapstructure:"spec"`
	Kind        queue.Kind     `mapstructure:"kind"`
	SiteID      string         `mapstructure:"site_id"`
	URLs        []string       `mapstructure:"urls"`
	Checks      []qa.CheckKind `mapstructure:"checks"`
	MaxPages    int            `mapstructure:"max_pages"`
	TestForms   bool           `mapstructure:"test_forms"`
	SubmitForms bool           `mapstructure:"submit_forms"`
	Priority    int            `mapstructure:"priority"`
}

func (e Entry) payload() queue.Payload {
	kind := e.Kind
	if kind == "" {
		kind = queue.KindScan
	}
	return queue.Payload{
		Kind:        kind,
		SiteID:      e.SiteID,
		URLs:        e.URLs,
		Checks:      e.Checks,
		MaxPages:    e.MaxPages,
		TestForms:   e.TestForms,
		SubmitForms: e.SubmitForms,
		Tags:        map[string]string{"schedule": e.Name},
	}
}

// Submitter enqueues jobs.
type Submitter interface {
	Submit(ctx context.Context, payload queue.Payload, opts queue.SubmitOptions) (string, error)
}

// Scheduler owns a cron runner whose entries submit jobs.
type Scheduler struct {
	cron    *cron.Cron
	submit  Submitter
	logger  *zap.Logger
	entries []Entry
	ids     []cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates every entry and registers it. Schedules are evaluated in UTC.
func New(entries []Entry, submit Submitter, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{logger.Sugar()}),
			cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
		),
		submit: submit,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for i, e := range entries {
		if e.Name == "" {
			e.Name = fmt.Sprintf("schedule-%d", i+1)
		}
		if err := e.payload().Validate(); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s: %w", e.Name, err)
		}
		id, err := s.cron.AddFunc(e.Spec, func() { s.fire(e) })
		if err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s: parse %q: %w", e.Name, e.Spec, err)
		}
		s.entries = append(s.entries, e)
		s.ids = append(s.ids, id)
	}
	return s, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", zap.Int("entries", len(s.entries)))
	s.cron.Start()
}

// Stop halts new fires and waits for running ones until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Next reports the next fire time of each entry, keyed by name. Times are zero until Start.
func (s *Scheduler) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(s.entries))
	for i, e := range s.entries {
		out[e.Name] = s.cron.Entry(s.ids[i]).Next
	}
	return out
}

func (s *Scheduler) fire(e Entry) {
	id, err := s.submit.Submit(s.ctx, e.payload(), queue.SubmitOptions{Priority: e.Priority})
	switch {
	case errors.Is(err, queue.ErrSubmissionThrottled):
		s.logger.Warn("scheduled job skipped, submissions throttled", zap.String("schedule", e.Name))
	case err != nil:
		s.logger.Error("scheduled job submit failed", zap.String("schedule", e.Name), zap.Error(err))
	default:
		s.logger.Info("scheduled job submitted", zap.String("schedule", e.Name), zap.String("job_id", id))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
