package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/id/uuid"
	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Config controls pool sizing and recycling.
type Config struct {
	MinSize              int
	MaxSize              int
	WarmupTarget         int
	MaxContextsPerWorker int
	MaxAge               time.Duration
	MaxPagesPerWorker    int
	MaxIdle              time.Duration
	// MaxConsecutiveFailures is how many failures in a row a worker survives.
	MaxConsecutiveFailures int
	AcquirePollInterval    time.Duration
	MaintenanceInterval    time.Duration
	HealthCheckInterval    time.Duration
	ProbeTimeout           time.Duration
	ResetTimeout           time.Duration
	LaunchTimeout          time.Duration
	DestroyGrace           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 5
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.WarmupTarget < c.MinSize {
		c.WarmupTarget = c.MinSize
	}
	if c.WarmupTarget > c.MaxSize {
		c.WarmupTarget = c.MaxSize
	}
	if c.MaxContextsPerWorker <= 0 {
		c.MaxContextsPerWorker = 3
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.AcquirePollInterval <= 0 {
		c.AcquirePollInterval = 100 * time.Millisecond
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	if c.DestroyGrace <= 0 {
		c.DestroyGrace = 5 * time.Second
	}
	return c
}

// Counters are lifetime pool events.
type Counters struct {
	Created        int64 `json:"created"`
	Destroyed      int64 `json:"destroyed"`
	Acquired       int64 `json:"acquired"`
	Released       int64 `json:"released"`
	Reused         int64 `json:"reused"`
	Timeouts       int64 `json:"timeouts"`
	HealthFailures int64 `json:"health_failures"`
	LaunchFailures int64 `json:"launch_failures"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Available  int      `json:"available"`
	Active     int      `json:"active"`
	Destroying int      `json:"destroying"`
	Pending    int      `json:"pending"`
	Total      int      `json:"total"`
	MinSize    int      `json:"min_size"`
	MaxSize    int      `json:"max_size"`
	Lifetime   Counters `json:"lifetime"`
}

// Pool owns every Worker behind a single mutex.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	clock    qa.Clock
	ids      *uuid.Generator

	mu         sync.Mutex
	available  []*Worker
	active     map[string]*Worker
	destroying map[string]*Worker
	pending    int
	counters   Counters
	started    bool
	closed     bool

	cancel context.CancelFunc
	loops  sync.WaitGroup
	bg     sync.WaitGroup
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithClock replaces the wall clock used for age and idle decisions.
func WithClock(clock qa.Clock) PoolOption {
	return func(p *Pool) { p.clock = clock }
}

// NewPool builds a Pool. Call Start to warm it and launch the background loops.
func NewPool(cfg Config, launcher Launcher, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:        cfg.withDefaults(),
		launcher:   launcher,
		logger:     logger,
		clock:      qa.SystemClock{},
		ids:        uuid.New("worker"),
		active:     make(map[string]*Worker),
		destroying: make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Start launches MinSize workers and the maintenance and health loops.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return qa.ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	p.maintain(ctx)

	p.loops.Add(2)
	go p.every(loopCtx, p.cfg.MaintenanceInterval, p.maintain)
	go p.every(loopCtx, p.cfg.HealthCheckInterval, p.healthCheck)

	stats := p.Stats()
	p.logger.Info("browser pool started",
		zap.Int("available", stats.Available),
		zap.Int("min_size", p.cfg.MinSize),
		zap.Int("max_size", p.cfg.MaxSize),
	)
	return nil
}

// Ready reports whether the pool is started and not shut down.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.closed
}

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer p.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Acquire hands out the least-recently-used healthy worker, launching one when under MaxSize.
// When the pool is saturated it polls until timeout and then fails with qa.ErrTimeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		if ctx.Err() != nil {
			return nil, p.timedOut(timeout)
		}
		w, launch, err := p.claim()
		if err != nil {
			return nil, err
		}
		if w != nil {
			if err := p.probe(ctx, w); err != nil {
				p.logger.Warn("worker failed acquire probe", zap.String("worker_id", w.id), zap.Error(err))
				p.condemn(w, "acquire probe failed")
				continue
			}
			if ctx.Err() != nil {
				// The caller left while the worker was being checked; it is still healthy.
				p.unclaim(w)
				return nil, p.timedOut(timeout)
			}
			return p.grant(w, start), nil
		}
		if launch {
			// The launch outlives an impatient caller; the new worker lands in the available set.
			done := make(chan error, 1)
			go func() {
				defer p.bg.Done()
				w, err := p.launch(ctx)
				if err == nil {
					p.adopt(w)
				}
				done <- err
			}()
			select {
			case <-ctx.Done():
				return nil, p.timedOut(timeout)
			case err := <-done:
				if err != nil {
					p.logger.Error("worker launch failed during acquire", zap.Error(err))
					return nil, fmt.Errorf("launch worker: %w", err)
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, p.timedOut(timeout)
		case <-time.After(p.cfg.AcquirePollInterval):
		}
	}
}

// claim pops the LRU available worker into active, or reserves a launch slot.
func (p *Pool) claim() (*Worker, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, qa.ErrClosed
	}
	if len(p.available) > 0 {
		idx := 0
		for i, w := range p.available {
			if w.lastUsed.Before(p.available[idx].lastUsed) {
				idx = i
			}
		}
		w := p.available[idx]
		p.available = append(p.available[:idx], p.available[idx+1:]...)
		w.state = StateActive
		p.active[w.id] = w
		if w.pagesServed > 0 {
			p.counters.Reused++
		}
		p.publishLocked()
		return w, false, nil
	}
	if p.sizeLocked() < p.cfg.MaxSize {
		p.pending++
		p.bg.Add(1)
		p.publishLocked()
		return nil, true, nil
	}
	return nil, false, nil
}

// unclaim puts a claimed worker back in the available set without touching its usage.
func (p *Pool) unclaim(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// A closing pool collects active workers itself.
	if _, ok := p.active[w.id]; !ok || p.closed {
		return
	}
	delete(p.active, w.id)
	w.state = StateAvailable
	p.available = append(p.available, w)
	p.publishLocked()
}

// adopt registers a launched worker as available, or destroys it when the pool has closed.
func (p *Pool) adopt(w *Worker) bool {
	p.mu.Lock()
	p.pending--
	if p.closed {
		w.state = StateDestroying
		p.destroying[w.id] = w
		p.publishLocked()
		p.mu.Unlock()
		p.destroy(w, "pool closed")
		return false
	}
	w.state = StateAvailable
	p.available = append(p.available, w)
	p.publishLocked()
	p.mu.Unlock()
	return true
}

func (p *Pool) grant(w *Worker, start time.Time) *Lease {
	p.mu.Lock()
	p.counters.Acquired++
	w.lastUsed = p.clock.Now()
	p.mu.Unlock()
	metrics.ObservePoolEvent("acquired")
	metrics.ObserveAcquireWait(time.Since(start))
	return &Lease{pool: p, worker: w}
}

func (p *Pool) timedOut(timeout time.Duration) error {
	p.mu.Lock()
	p.counters.Timeouts++
	p.mu.Unlock()
	metrics.ObservePoolEvent("timeout")
	return fmt.Errorf("acquire browser within %s: %w", timeout, qa.ErrTimeout)
}

// launch starts a browser for a slot already reserved via pending.
func (p *Pool) launch(ctx context.Context) (*Worker, error) {
	launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LaunchTimeout)
	defer cancel()
	b, err := p.launcher.Launch(launchCtx)
	if err != nil {
		p.mu.Lock()
		p.pending--
		p.counters.LaunchFailures++
		p.publishLocked()
		p.mu.Unlock()
		metrics.ObservePoolEvent("launch_failed")
		return nil, err
	}
	w := newWorker(p.ids.MustID(), b, p.clock.Now(), p.cfg.MaxContextsPerWorker)
	p.mu.Lock()
	p.counters.Created++
	p.mu.Unlock()
	metrics.ObservePoolEvent("created")
	p.logger.Debug("worker launched", zap.String("worker_id", w.id), zap.Int("pid", b.PID()))
	return w, nil
}

// probe checks liveness under its own deadline so a departing caller cannot fail a healthy worker.
func (p *Pool) probe(ctx context.Context, w *Worker) error {
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ProbeTimeout)
	defer cancel()
	if err := w.browser.Probe(probeCtx); err != nil {
		return fmt.Errorf("%w: %v", qa.ErrWorkerHealth, err)
	}
	return nil
}

// release returns a leased worker, retiring or resetting it.
func (p *Pool) release(w *Worker, failed bool) {
	p.mu.Lock()
	if _, ok := p.active[w.id]; !ok {
		// Already condemned by the health loop or pool shutdown.
		p.counters.Released++
		p.mu.Unlock()
		return
	}
	p.counters.Released++
	w.lastUsed = p.clock.Now()
	if failed {
		w.failures++
	} else {
		w.failures = 0
		w.healthy = true
	}
	reason := p.retireReasonLocked(w)
	if p.closed {
		reason = "pool closed"
	}
	if reason != "" {
		p.moveToDestroyingLocked(w)
		p.mu.Unlock()
		p.destroy(w, reason)
		return
	}
	p.mu.Unlock()

	resetCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	err := w.browser.Reset(resetCtx)
	cancel()

	p.mu.Lock()
	if _, ok := p.active[w.id]; !ok {
		p.mu.Unlock()
		return
	}
	if err != nil || p.closed {
		p.moveToDestroyingLocked(w)
		p.mu.Unlock()
		if err != nil {
			p.logger.Warn("worker reset failed", zap.String("worker_id", w.id), zap.Error(err))
		}
		p.destroy(w, "reset failed")
		return
	}
	delete(p.active, w.id)
	w.state = StateAvailable
	p.available = append(p.available, w)
	p.publishLocked()
	p.mu.Unlock()
	metrics.ObservePoolEvent("released")
}

func (p *Pool) retireReasonLocked(w *Worker) string {
	now := p.clock.Now()
	switch {
	case p.cfg.MaxAge > 0 && now.Sub(w.createdAt) >= p.cfg.MaxAge:
		return "max age"
	case p.cfg.MaxPagesPerWorker > 0 && w.pagesServed >= p.cfg.MaxPagesPerWorker:
		return "max pages"
	case w.failures > p.cfg.MaxConsecutiveFailures:
		return "consecutive failures"
	default:
		return ""
	}
}

// condemn removes a worker from whichever set holds it and destroys it.
func (p *Pool) condemn(w *Worker, reason string) {
	p.mu.Lock()
	if !p.moveToDestroyingLocked(w) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.destroy(w, reason)
}

// moveToDestroyingLocked atomically removes w from available and active. It reports false
// when w was in neither, so concurrent condemnations destroy it only once.
func (p *Pool) moveToDestroyingLocked(w *Worker) bool {
	found := false
	if _, ok := p.active[w.id]; ok {
		delete(p.active, w.id)
		found = true
	}
	for i, cand := range p.available {
		if cand == w {
			p.available = append(p.available[:i], p.available[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	w.state = StateDestroying
	p.destroying[w.id] = w
	p.publishLocked()
	return true
}

// destroy closes the process with a bounded grace period before force-killing it.
func (p *Pool) destroy(w *Worker, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DestroyGrace)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.browser.Close(ctx) }()

	var closeErr error
	select {
	case closeErr = <-done:
	case <-ctx.Done():
		closeErr = ctx.Err()
	}
	if closeErr != nil {
		if err := w.browser.Kill(); err != nil {
			p.logger.Warn("worker kill failed", zap.String("worker_id", w.id), zap.Error(err))
		}
	}

	p.mu.Lock()
	delete(p.destroying, w.id)
	p.counters.Destroyed++
	p.publishLocked()
	p.mu.Unlock()
	metrics.ObservePoolEvent("destroyed")
	p.logger.Info("worker destroyed",
		zap.String("worker_id", w.id),
		zap.String("reason", reason),
		zap.Int("pages_served", w.pagesServed),
		zap.NamedError("close_error", closeErr),
	)
}

// maintain retires idle and aged workers, then tops up toward MinSize and WarmupTarget.
func (p *Pool) maintain(ctx context.Context) {
	now := p.clock.Now()
	var retire []*Worker

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for _, w := range append([]*Worker(nil), p.available...) {
		aged := p.cfg.MaxAge > 0 && now.Sub(w.createdAt) >= p.cfg.MaxAge
		idle := p.cfg.MaxIdle > 0 && now.Sub(w.lastUsed) >= p.cfg.MaxIdle &&
			len(p.available)+len(p.active) > p.cfg.MinSize
		if aged || idle {
			p.moveToDestroyingLocked(w)
			retire = append(retire, w)
		}
	}
	size := p.sizeLocked()
	need := 0
	if size < p.cfg.MinSize {
		need = p.cfg.MinSize - size
	}
	if size+need < p.cfg.WarmupTarget {
		need++
	}
	if size+need > p.cfg.MaxSize {
		need = p.cfg.MaxSize - size
	}
	if need < 0 {
		need = 0
	}
	p.pending += need
	p.publishLocked()
	p.mu.Unlock()

	for _, w := range retire {
		p.destroy(w, "idle or aged out")
	}

	var wg sync.WaitGroup
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := p.launch(ctx)
			if err != nil {
				p.logger.Error("worker launch failed during maintenance", zap.Error(err))
				return
			}
			p.adopt(w)
		}()
	}
	wg.Wait()
}

// healthCheck probes every available and active worker.
func (p *Pool) healthCheck(ctx context.Context) {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.available)+len(p.active))
	workers = append(workers, p.available...)
	for _, w := range p.active {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			p.recordProbe(w, p.probe(ctx, w))
		}(w)
	}
	wg.Wait()
}

func (p *Pool) recordProbe(w *Worker, probeErr error) {
	p.mu.Lock()
	if w.state == StateDestroying {
		p.mu.Unlock()
		return
	}
	if probeErr == nil {
		w.failures = 0
		w.healthy = true
		p.mu.Unlock()
		return
	}
	w.failures++
	w.healthy = false
	p.counters.HealthFailures++
	failures := w.failures
	condemned := failures > p.cfg.MaxConsecutiveFailures && p.moveToDestroyingLocked(w)
	p.mu.Unlock()

	metrics.ObservePoolEvent("health_failure")
	p.logger.Warn("worker health probe failed",
		zap.String("worker_id", w.id),
		zap.Int("consecutive_failures", failures),
		zap.Error(probeErr),
	)
	if condemned {
		p.destroy(w, "health check failures")
	}
}

// Shrink retires available workers above MinSize, used under memory pressure.
func (p *Pool) Shrink() int {
	var retire []*Worker
	p.mu.Lock()
	for len(p.available) > 0 && p.sizeLocked() > p.cfg.MinSize {
		w := p.available[0]
		p.moveToDestroyingLocked(w)
		retire = append(retire, w)
	}
	p.mu.Unlock()
	for _, w := range retire {
		p.destroy(w, "memory pressure")
	}
	return len(retire)
}

// Stats returns occupancy and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available:  len(p.available),
		Active:     len(p.active),
		Destroying: len(p.destroying),
		Pending:    p.pending,
		Total:      len(p.available) + len(p.active),
		MinSize:    p.cfg.MinSize,
		MaxSize:    p.cfg.MaxSize,
		Lifetime:   p.counters,
	}
}

// Workers returns snapshots of every live worker.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.available)+len(p.active)+len(p.destroying))
	for _, w := range p.available {
		out = append(out, w.info())
	}
	for _, w := range p.active {
		out = append(out, w.info())
	}
	for _, w := range p.destroying {
		out = append(out, w.info())
	}
	return out
}

// PIDs returns the OS process ids of live workers.
func (p *Pool) PIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pids []int
	collect := func(w *Worker) {
		if pid := w.browser.PID(); pid > 0 {
			pids = append(pids, pid)
		}
	}
	for _, w := range p.available {
		collect(w)
	}
	for _, w := range p.active {
		collect(w)
	}
	return pids
}

// Destroy stops the loops and closes every worker. Outstanding leases become no-ops on release.
func (p *Pool) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.loops.Wait()

	p.mu.Lock()
	var all []*Worker
	for _, w := range append([]*Worker(nil), p.available...) {
		p.moveToDestroyingLocked(w)
		all = append(all, w)
	}
	for _, w := range p.active {
		all = append(all, w)
	}
	for _, w := range all {
		p.moveToDestroyingLocked(w)
	}
	p.mu.Unlock()

	for _, w := range all {
		p.bg.Add(1)
		go func(w *Worker) {
			defer p.bg.Done()
			p.destroy(w, "pool shutdown")
		}(w)
	}

	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("browser pool destroyed", zap.Int("workers", len(all)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("destroy browser pool: %w", errors.Join(qa.ErrTimeout, ctx.Err()))
	}
}

func (p *Pool) sizeLocked() int {
	return len(p.available) + len(p.active) + p.pending
}

func (p *Pool) publishLocked() {
	metrics.SetPoolWorkers(len(p.available), len(p.active), p.pending)
}
