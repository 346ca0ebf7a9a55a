package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
)

// ProgressStore keeps job progress in a map.
type ProgressStore struct {
	mu    sync.RWMutex
	jobs  map[string]queue.Progress
	clock qa.Clock
}

// NewProgressStore constructs a ProgressStore. A nil clock uses the system clock.
func NewProgressStore(clock qa.Clock) *ProgressStore {
	if clock == nil {
		clock = qa.SystemClock{}
	}
	return &ProgressStore{jobs: make(map[string]queue.Progress), clock: clock}
}

// Put creates or advances a record. Updates to finished jobs are ignored.
func (s *ProgressStore) Put(_ context.Context, p queue.Progress) error {
	if p.JobID == "" {
		return fmt.Errorf("%w: progress without job id", qa.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, _ := queue.Advance(s.jobs[p.JobID], p, s.clock.Now())
	s.jobs[p.JobID] = next
	return nil
}

// Get fetches a record by job ID.
func (s *ProgressStore) Get(_ context.Context, jobID string) (queue.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.jobs[jobID]
	if !ok {
		return queue.Progress{}, fmt.Errorf("job %s: %w", jobID, qa.ErrNotFound)
	}
	return p, nil
}

// Sweep drops terminal records finished before cutoff.
func (s *ProgressStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, p := range s.jobs {
		if p.Status.Terminal() && p.FinishedAt != nil && p.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}
