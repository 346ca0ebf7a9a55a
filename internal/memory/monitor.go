// Package memory samples process memory, classifies pressure and dispatches threshold handlers.
package memory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Level is the pressure classification of a sample.
type Level int

// Pressure levels in ascending order.
const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelRestart
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelRestart:
		return "restart"
	default:
		return "normal"
	}
}

// MarshalText renders the level name in JSON reports.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Measurement is one memory sample. Sizes are bytes.
type Measurement struct {
	Timestamp time.Time `json:"timestamp"`
	RSS       uint64    `json:"rss"`
	HeapUsed  uint64    `json:"heap_used"`
	HeapTotal uint64    `json:"heap_total"`
	External  uint64    `json:"external"`
}

// Thresholds are heap-used ceilings in bytes. Zero disables a level.
type Thresholds struct {
	Warning  uint64 `json:"warning"`
	Critical uint64 `json:"critical"`
	Restart  uint64 `json:"restart"`
}

// Classify maps a heap-used value onto a pressure level.
func (t Thresholds) Classify(heapUsed uint64) Level {
	switch {
	case t.Restart > 0 && heapUsed >= t.Restart:
		return LevelRestart
	case t.Critical > 0 && heapUsed >= t.Critical:
		return LevelCritical
	case t.Warning > 0 && heapUsed >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Handler reacts to a threshold crossing.
type Handler func(ctx context.Context, m Measurement)

// Config controls the monitor.
type Config struct {
	Interval     time.Duration
	Thresholds   Thresholds
	HistorySize  int
	RestartGrace time.Duration
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithHeapSampler replaces the runtime heap reader.
func WithHeapSampler(fn func() (used, total uint64)) Option {
	return func(m *Monitor) { m.heap = fn }
}

// WithRSSSampler replaces the procfs resident-set reader.
func WithRSSSampler(fn func() (uint64, error)) Option {
	return func(m *Monitor) { m.rss = fn }
}

// WithExternalSampler reports memory held outside the Go heap, such as browser processes.
func WithExternalSampler(fn func() (uint64, error)) Option {
	return func(m *Monitor) { m.external = fn }
}

// WithWarningHandler overrides the warning handler.
func WithWarningHandler(h Handler) Option {
	return func(m *Monitor) { m.onWarning = h }
}

// WithCriticalHandler overrides the critical handler.
func WithCriticalHandler(h Handler) Option {
	return func(m *Monitor) { m.onCritical = h }
}

// WithRestartHandler overrides the restart handler.
func WithRestartHandler(h Handler) Option {
	return func(m *Monitor) { m.onRestart = h }
}

// WithInFlight tells the default restart handler how much work is still running.
func WithInFlight(fn func() int) Option {
	return func(m *Monitor) { m.inFlight = fn }
}

// WithExit replaces os.Exit for the default restart handler.
func WithExit(fn func(code int)) Option {
	return func(m *Monitor) { m.exit = fn }
}

// WithClock replaces the wall clock.
func WithClock(clock qa.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

// Monitor samples memory on a fixed interval.
type Monitor struct {
	cfg    Config
	logger *zap.Logger
	clock  qa.Clock

	heap     func() (uint64, uint64)
	rss      func() (uint64, error)
	external func() (uint64, error)
	inFlight func() int
	exit     func(int)

	onWarning  Handler
	onCritical Handler
	onRestart  Handler

	mu        sync.Mutex
	history   *ring
	lastLevel Level

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	stopping  atomic.Bool
	done      chan struct{}
}

// New builds a Monitor. Handlers default to log, force-reclaim and drain-then-exit.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:      cfg,
		logger:   logger,
		clock:    qa.SystemClock{},
		heap:     runtimeHeap,
		rss:      selfRSS,
		inFlight: func() int { return 0 },
		exit:     os.Exit,
		history:  newRing(cfg.HistorySize),
		done:     make(chan struct{}),
	}
	m.onWarning = m.logWarning
	m.onCritical = m.reclaimOnCritical
	m.onRestart = m.drainAndExit
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sampling loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		go m.loop(loopCtx)
	})
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			close(m.done)
			return
		}
		m.stopping.Store(true)
		m.cancel()
		<-m.done
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// CheckMemory takes a sample, records it and returns it without dispatching handlers.
func (m *Monitor) CheckMemory() Measurement {
	meas := m.measure()
	m.mu.Lock()
	m.history.push(meas)
	m.mu.Unlock()
	return meas
}

// Observe records an externally produced sample and dispatches handlers for any level crossing.
func (m *Monitor) Observe(ctx context.Context, meas Measurement) Level {
	level := m.cfg.Thresholds.Classify(meas.HeapUsed)

	m.mu.Lock()
	m.history.push(meas)
	prev := m.lastLevel
	m.lastLevel = level
	m.mu.Unlock()

	metrics.SetMemory(meas.RSS, meas.HeapUsed, meas.HeapTotal, meas.External, int(level))

	if level <= prev {
		return level
	}
	switch level {
	case LevelWarning:
		m.dispatch(ctx, m.onWarning, meas)
	case LevelCritical:
		m.dispatch(ctx, m.onCritical, meas)
	case LevelRestart:
		m.logger.Error("memory restart threshold crossed",
			zap.Error(qa.ErrFatalMemory),
			zap.Uint64("heap_used", meas.HeapUsed),
			zap.Uint64("restart_threshold", m.cfg.Thresholds.Restart),
		)
		m.dispatch(ctx, m.onRestart, meas)
	}
	return level
}

func (m *Monitor) sample(ctx context.Context) {
	m.Observe(ctx, m.measure())
}

func (m *Monitor) dispatch(ctx context.Context, h Handler, meas Measurement) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("memory handler panicked", zap.Any("panic", r))
		}
	}()
	h(ctx, meas)
}

func (m *Monitor) measure() Measurement {
	used, total := m.heap()
	meas := Measurement{
		Timestamp: m.clock.Now(),
		HeapUsed:  used,
		HeapTotal: total,
	}
	if m.rss != nil {
		rss, err := m.rss()
		if err != nil {
			m.logger.Debug("rss sample failed", zap.Error(err))
		}
		meas.RSS = rss
	}
	if m.external != nil {
		ext, err := m.external()
		if err != nil {
			m.logger.Debug("external memory sample failed", zap.Error(err))
		}
		meas.External = ext
	}
	return meas
}

// ForceReclaim runs a collection and returns freed pages to the OS.
func (m *Monitor) ForceReclaim() {
	before, _ := m.heap()
	runtime.GC()
	debug.FreeOSMemory()
	after, _ := m.heap()
	m.logger.Info("forced memory reclaim",
		zap.Uint64("heap_before", before),
		zap.Uint64("heap_after", after),
	)
}

// Report summarizes the monitor state.
type Report struct {
	Current    *Measurement `json:"current,omitempty"`
	Level      Level        `json:"level"`
	Trend      Trend        `json:"trend"`
	Thresholds Thresholds   `json:"thresholds"`
	Samples    int          `json:"samples"`
}

// Report returns the latest sample, level, trend and thresholds.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	samples := m.history.values()
	rep := Report{
		Level:      m.lastLevel,
		Trend:      classifyTrend(samples),
		Thresholds: m.cfg.Thresholds,
		Samples:    len(samples),
	}
	if len(samples) > 0 {
		last := samples[len(samples)-1]
		rep.Current = &last
	}
	return rep
}

// History returns a copy of the buffered samples, oldest first.
func (m *Monitor) History() []Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.values()
}

func (m *Monitor) logWarning(_ context.Context, meas Measurement) {
	m.logger.Warn("memory warning threshold crossed",
		zap.Uint64("heap_used", meas.HeapUsed),
		zap.Uint64("warning_threshold", m.cfg.Thresholds.Warning),
	)
}

func (m *Monitor) reclaimOnCritical(_ context.Context, meas Measurement) {
	m.logger.Warn("memory critical threshold crossed",
		zap.Uint64("heap_used", meas.HeapUsed),
		zap.Uint64("critical_threshold", m.cfg.Thresholds.Critical),
	)
	m.ForceReclaim()
}

// drainAndExit waits for in-flight work up to the grace period, then terminates the process.
func (m *Monitor) drainAndExit(ctx context.Context, _ Measurement) {
	deadline := time.NewTimer(m.cfg.RestartGrace)
	defer deadline.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for m.inFlight() > 0 {
		select {
		case <-ctx.Done():
			// The owner is shutting down; exiting here would cut that shutdown short.
			m.logger.Info("restart drain abandoned",
				zap.Bool("monitor_stopped", m.stopping.Load()),
				zap.Int("in_flight", m.inFlight()),
				zap.Error(ctx.Err()),
			)
			return
		case <-deadline.C:
			m.logger.Warn("restart grace elapsed with work in flight", zap.Int("in_flight", m.inFlight()))
			m.exit(1)
			return
		case <-poll.C:
		}
	}
	m.logger.Error("exiting for memory restart")
	m.exit(1)
}

func runtimeHeap() (uint64, uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapSys
}

func selfRSS() (uint64, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("open self proc: %w", err)
	}
	return procRSS(proc)
}

// ProcessRSS sums the resident set of the given process IDs, skipping processes that have exited.
func ProcessRSS(pids []int) (uint64, error) {
	var total uint64
	var firstErr error
	for _, pid := range pids {
		proc, err := procfs.NewProc(pid)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("open proc %d: %w", pid, err)
			}
			continue
		}
		rss, err := procRSS(proc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += rss
	}
	return total, firstErr
}

func procRSS(proc procfs.Proc) (uint64, error) {
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("read proc stat: %w", err)
	}
	rss := stat.ResidentMemory()
	if rss < 0 {
		return 0, nil
	}
	return uint64(rss), nil
}
