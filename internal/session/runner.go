package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/browser"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Acquirer hands out worker leases; *browser.Pool satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, timeout time.Duration) (*browser.Lease, error)
}

// Info describes where a task ran.
type Info struct {
	WorkerID string
}

// Task is the unit of browser work executed by Runner.Run.
type Task func(ctx context.Context, page qa.Page, info Info) error

// Runner is the only place leases and contexts are acquired, so every path releases both.
type Runner struct {
	pool           Acquirer
	acquireTimeout time.Duration
	opts           Options
	logger         *zap.Logger
}

// NewRunner builds a Runner.
func NewRunner(pool Acquirer, acquireTimeout time.Duration, opts Options, logger *zap.Logger) *Runner {
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{pool: pool, acquireTimeout: acquireTimeout, opts: opts, logger: logger}
}

// Run acquires a worker, opens a context on it and runs task. The context is closed and
// the lease released on every path, including panics in task.
func (r *Runner) Run(ctx context.Context, task Task) (err error) {
	lease, err := r.pool.Acquire(ctx, r.acquireTimeout)
	if err != nil {
		return fmt.Errorf("acquire worker: %w", err)
	}
	defer lease.Release()

	sess, err := Open(ctx, lease, r.opts)
	if err != nil {
		if !errors.Is(err, qa.ErrTimeout) {
			lease.MarkFailed()
		}
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.withDefaults().Timeout)
		defer cancel()
		if closeErr := sess.Close(closeCtx); closeErr != nil {
			lease.MarkFailed()
			r.logger.Warn("context close failed", zap.String("worker_id", lease.WorkerID()), zap.Error(closeErr))
		}
	}()

	err = task(ctx, sess, Info{WorkerID: lease.WorkerID()})
	if errors.Is(err, qa.ErrWorkerHealth) {
		lease.MarkFailed()
	}
	return err
}
