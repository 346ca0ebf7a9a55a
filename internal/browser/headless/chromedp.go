// Package headless implements browser.Launcher on top of chromedp and headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/browser"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Config controls how Chrome processes are started.
type Config struct {
	// ExecPath overrides Chrome discovery when set.
	ExecPath  string
	Headless  bool
	NoSandbox bool
	UserAgent string
}

// Launcher starts one Chrome process per call.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher builds a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	return opts
}

// Launch starts Chrome and attaches to its initial target. The process outlives ctx;
// ctx only bounds startup.
func (l *Launcher) Launch(ctx context.Context) (browser.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := startWithin(ctx, browserCtx, browserCancel); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	b := &Browser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
	}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Browser != nil {
		if proc := c.Browser.Process(); proc != nil {
			b.pid = proc.Pid
		}
	}
	l.logger.Debug("chrome started", zap.Int("pid", b.pid))
	return b, nil
}

// Browser is one running Chrome process.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	pid         int
	logger      *zap.Logger

	closeOnce sync.Once
}

// NewTab opens a tab in a fresh browser context so cookies, storage and cache stay private to it.
func (b *Browser) NewTab(ctx context.Context) (browser.Tab, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	t := newTab(tabCtx, cancel)
	chromedp.ListenTarget(tabCtx, t.onEvent)
	if err := startWithin(ctx, tabCtx, cancel, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("new tab: %w", err)
	}
	return t, nil
}

// Probe evaluates a trivial expression on the default target.
func (b *Browser) Probe(ctx context.Context) error {
	var n int
	if err := runWithin(ctx, b.ctx, chromedp.Evaluate(`1 + 1`, &n)); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if n != 2 {
		return fmt.Errorf("probe: unexpected result %d", n)
	}
	return nil
}

// Reset blanks the default target and clears cookies and cache.
func (b *Browser) Reset(ctx context.Context) error {
	err := runWithin(ctx, b.ctx,
		chromedp.Navigate("about:blank"),
		network.ClearBrowserCookies(),
		network.ClearBrowserCache(),
	)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close asks Chrome to exit and waits until ctx ends.
func (b *Browser) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(b.ctx) }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		b.allocCancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

// Kill tears the process down without waiting.
func (b *Browser) Kill() error {
	b.logger.Warn("killing chrome", zap.Int("pid", b.pid))
	b.cancel()
	b.allocCancel()
	if b.pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(b.pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill chrome %d: %w", b.pid, err)
	}
	return nil
}

// PID returns the Chrome process id.
func (b *Browser) PID() int {
	return b.pid
}

// startWithin performs the first Run on target, which allocates it. The first Run must use the
// target context itself; cancel tears the target down if ctx ends first.
func startWithin(ctx, target context.Context, cancel context.CancelFunc, actions ...chromedp.Action) error {
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(target, actions...) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		cancel()
		<-errCh
		return ctx.Err()
	}
}

// runWithin runs actions on an allocated target, aborting them when ctx ends. Errors from a
// target that is already gone are reported as worker health failures.
func runWithin(ctx, target context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(target)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		if target.Err() != nil || errors.Is(err, chromedp.ErrInvalidContext) {
			return fmt.Errorf("%w: %w", qa.ErrWorkerHealth, err)
		}
		return err
	}
	return nil
}
