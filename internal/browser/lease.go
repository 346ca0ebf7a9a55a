package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Lease is an exclusive checkout of one Worker. Release must be called exactly once;
// extra calls are no-ops.
type Lease struct {
	pool   *Pool
	worker *Worker
	once   sync.Once
	failed atomic.Bool
}

// WorkerID identifies the leased worker.
func (l *Lease) WorkerID() string {
	return l.worker.id
}

// PID returns the leased worker's process id.
func (l *Lease) PID() int {
	return l.worker.browser.PID()
}

// MarkFailed records a browser-level failure; it counts toward the worker's failure threshold.
func (l *Lease) MarkFailed() {
	l.failed.Store(true)
}

// OpenTab opens an isolated tab on the leased worker. When the worker is at its context cap
// the call waits for a slot until ctx ends.
func (l *Lease) OpenTab(ctx context.Context) (Tab, error) {
	w := l.worker
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for context slot on %s: %w", w.id, qa.ErrTimeout)
	}
	tab, err := w.browser.NewTab(ctx)
	if err != nil {
		<-w.slots
		l.MarkFailed()
		return nil, fmt.Errorf("open tab on %s: %w", w.id, err)
	}
	l.pool.mu.Lock()
	w.pagesServed++
	l.pool.mu.Unlock()
	return &slotTab{Tab: tab, slots: w.slots}, nil
}

// Release returns the worker to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.worker, l.failed.Load())
	})
}

// slotTab gives its context slot back exactly once on Close.
type slotTab struct {
	Tab
	slots chan struct{}
	once  sync.Once
	err   error
}

func (t *slotTab) Close(ctx context.Context) error {
	t.once.Do(func() {
		t.err = t.Tab.Close(ctx)
		<-t.slots
	})
	if t.err != nil {
		return fmt.Errorf("close tab: %w", t.err)
	}
	return nil
}
