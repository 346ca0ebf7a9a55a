package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
	"github.com/JakeFAU/qa-scanner/internal/queue/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

// recordingStore remembers every status it was asked to store.
type recordingStore struct {
	*memory.ProgressStore
	mu       sync.Mutex
	statuses []queue.Status
}

func (s *recordingStore) Put(ctx context.Context, p queue.Progress) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, p.Status)
	s.mu.Unlock()
	return s.ProgressStore.Put(ctx, p)
}

type harness struct {
	q      *queue.Queue
	broker *memory.Broker
	store  *recordingStore
	sleeps atomic.Int32
}

func newHarness(cfg queue.Config, h queue.Handler) *harness {
	hs := &harness{
		broker: memory.NewBroker(16),
		store:  &recordingStore{ProgressStore: memory.NewProgressStore(nil)},
	}
	hs.q = queue.New(cfg, hs.broker, hs.store, h, zap.NewNop(),
		queue.WithIDGenerator(&seqIDs{}),
		queue.WithSleep(func(ctx context.Context, _ time.Duration) error {
			hs.sleeps.Add(1)
			return ctx.Err()
		}),
	)
	return hs
}

// run starts the queue and returns a stop func that waits for it to exit.
func (h *harness) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.q.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (h *harness) waitFor(t *testing.T, id string, status queue.Status) queue.Progress {
	t.Helper()
	var p queue.Progress
	require.Eventually(t, func() bool {
		var err error
		p, err = h.q.PollProgress(context.Background(), id)
		return err == nil && p.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return p
}

var scanPayload = queue.Payload{Kind: queue.KindScan, URLs: []string{"https://acme.example/"}}

func TestSubmitValidates(t *testing.T) {
	t.Parallel()

	h := newHarness(queue.Config{}, queue.HandlerFunc(func(context.Context, queue.Job, queue.Tracker) error { return nil }))
	_, err := h.q.Submit(context.Background(), queue.Payload{Kind: "crawl", SiteID: "acme"}, queue.SubmitOptions{})
	require.ErrorIs(t, err, qa.ErrInvalidRequest)
	_, err = h.q.Submit(context.Background(), queue.Payload{Kind: queue.KindScan}, queue.SubmitOptions{})
	require.ErrorIs(t, err, qa.ErrInvalidRequest)
}

func TestSubmitThrottles(t *testing.T) {
	t.Parallel()

	h := newHarness(queue.Config{SubmitRate: 0.001, SubmitBurst: 2}, nil)
	for range 2 {
		_, err := h.q.Submit(context.Background(), scanPayload, queue.SubmitOptions{})
		require.NoError(t, err)
	}
	_, err := h.q.Submit(context.Background(), scanPayload, queue.SubmitOptions{})
	require.ErrorIs(t, err, queue.ErrSubmissionThrottled)
	require.Equal(t, 2, h.broker.Len())
}

func TestSubmitRecordsQueuedProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(queue.Config{}, nil)
	id, err := h.q.Submit(context.Background(), queue.Payload{Kind: queue.KindForms, SiteID: "acme"}, queue.SubmitOptions{Priority: 3})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	p, err := h.q.PollProgress(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, p.Status)
	require.Equal(t, queue.KindForms, p.Kind)
	require.Equal(t, "acme", p.SiteID)

	_, err = h.q.PollProgress(context.Background(), "nope")
	require.ErrorIs(t, err, qa.ErrNotFound)
}

func TestRunCompletesJob(t *testing.T) {
	h := newHarness(queue.Config{Concurrency: 2}, queue.HandlerFunc(func(ctx context.Context, _ queue.Job, tr queue.Tracker) error {
		return tr.Update(ctx, func(p *queue.Progress) {
			p.Status = queue.StatusTesting
			p.PagesProcessed = 1
		})
	}))
	stop := h.run(t)
	defer stop()

	id, err := h.q.Submit(context.Background(), scanPayload, queue.SubmitOptions{})
	require.NoError(t, err)
	p := h.waitFor(t, id, queue.StatusCompleted)
	require.Equal(t, 1, p.PagesProcessed)
	require.Equal(t, 1, p.Attempts)
	require.NotNil(t, p.FinishedAt)
}

func TestRunRetriesTransientFailuresInPlace(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(queue.Config{MaxAttempts: 3}, queue.HandlerFunc(func(ctx context.Context, _ queue.Job, tr queue.Tracker) error {
		_ = tr.Update(ctx, func(p *queue.Progress) { p.Status = queue.StatusTesting })
		if calls.Add(1) < 3 {
			return fmt.Errorf("scan job: %w", qa.ErrCapacity)
		}
		return nil
	}))
	stop := h.run(t)
	defer stop()

	id, err := h.q.Submit(context.Background(), scanPayload, queue.SubmitOptions{})
	require.NoError(t, err)
	p := h.waitFor(t, id, queue.StatusCompleted)
	require.Equal(t, 3, p.Attempts)
	require.EqualValues(t, 2, h.sleeps.Load())

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	rank := -1
	for _, s := range h.store.statuses {
		if s.Rank() > rank {
			rank = s.Rank()
		}
	}
	require.Equal(t, queue.StatusCompleted.Rank(), rank)
}

func TestRunFailsWithoutRetryOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(queue.Config{}, queue.HandlerFunc(func(context.Context, queue.Job, queue.Tracker) error {
		calls.Add(1)
		return fmt.Errorf("list pages for acme: %w", qa.ErrUnauthorized)
	}))
	stop := h.run(t)
	defer stop()

	id, err := h.q.Submit(context.Background(), scanPayload, queue.SubmitOptions{})
	require.NoError(t, err)
	p := h.waitFor(t, id, queue.StatusFailed)
	require.Contains(t, p.Error, qa.ErrUnauthorized.Error())
	require.EqualValues(t, 1, calls.Load())
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(queue.Config{}, queue.HandlerFunc(func(context.Context, queue.Job, queue.Tracker) error {
		return qa.ErrTimeout
	}))
	stop := h.run(t)
	defer stop()

	id, err := h.q.Submit(context.Background(), scanPayload, queue.SubmitOptions{MaxAttempts: 2})
	require.NoError(t, err)
	p := h.waitFor(t, id, queue.StatusFailed)
	require.Equal(t, 2, p.Attempts)
}

func TestRunRecoversHandlerPanic(t *testing.T) {
	h := newHarness(queue.Config{}, queue.HandlerFunc(func(context.Context, queue.Job, queue.Tracker) error {
		panic("boom")
	}))
	stop := h.run(t)
	defer stop()

	id, err := h.q.Submit(context.Background(), scanPayload, queue.SubmitOptions{})
	require.NoError(t, err)
	p := h.waitFor(t, id, queue.StatusFailed)
	require.Contains(t, p.Error, "boom")
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestSweepUsesRetention(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := memory.NewProgressStore(fixedClock{now: start})
	require.NoError(t, store.Put(context.Background(), queue.Progress{JobID: "done", Status: queue.StatusCompleted}))

	later := fixedClock{now: start.Add(90 * time.Minute)}
	q := queue.New(queue.Config{RetentionPeriod: time.Hour}, memory.NewBroker(1), store, nil, nil, queue.WithClock(later))
	require.Equal(t, 1, q.Sweep(context.Background()))
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := queue.NewExponentialRetryPolicy(100*time.Millisecond, time.Second)
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil", nil, 1, false},
		{"capacity", qa.ErrCapacity, 1, true},
		{"wrapped timeout", fmt.Errorf("scan: %w", qa.ErrTimeout), 2, true},
		{"last attempt", qa.ErrCapacity, 3, false},
		{"canceled", context.Canceled, 1, false},
		{"unauthorized", qa.ErrUnauthorized, 1, false},
		{"generic", errors.New("boom"), 1, false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt, 3), tc.name)
	}

	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, time.Second)
	}
	require.GreaterOrEqual(t, p.Backoff(1), 50*time.Millisecond)
	require.Less(t, p.Backoff(1), 100*time.Millisecond)
}

func TestAdvance(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := queue.Progress{JobID: "j", Status: queue.StatusTesting, CreatedAt: now.Add(-time.Hour)}

	next, ok := queue.Advance(prev, queue.Progress{JobID: "j", Status: queue.StatusQueued}, now)
	require.True(t, ok)
	require.Equal(t, queue.StatusTesting, next.Status)
	require.Equal(t, prev.CreatedAt, next.CreatedAt)
	require.Equal(t, now, next.UpdatedAt)
	require.Nil(t, next.FinishedAt)

	done, ok := queue.Advance(prev, queue.Progress{JobID: "j", Status: queue.StatusFailed}, now)
	require.True(t, ok)
	require.Equal(t, now, *done.FinishedAt)

	_, ok = queue.Advance(done, queue.Progress{JobID: "j", Status: queue.StatusCompleted}, now)
	require.False(t, ok)
}

func TestRunReturnsWhenBrokerCloses(t *testing.T) {
	h := newHarness(queue.Config{Concurrency: 2, JanitorInterval: time.Hour}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.q.Run(context.Background())
	}()
	require.NoError(t, h.broker.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the broker closed")
	}
}
