package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/browser"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

type stubTab struct {
	mu          sync.Mutex
	configured  []browser.TabOptions
	configErr   error
	navigateErr error
	blockNav    bool
	closes      atomic.Int32
	navigated   []string
}

func (t *stubTab) Configure(_ context.Context, opts browser.TabOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.configured = append(t.configured, opts)
	return t.configErr
}

func (t *stubTab) Navigate(ctx context.Context, url string) error {
	if t.blockNav {
		<-ctx.Done()
		return ctx.Err()
	}
	t.mu.Lock()
	t.navigated = append(t.navigated, url)
	t.mu.Unlock()
	return t.navigateErr
}

func (t *stubTab) URL(context.Context) (string, error)     { return "https://example.com/", nil }
func (t *stubTab) Content(context.Context) (string, error) { return "<html></html>", nil }
func (t *stubTab) Evaluate(context.Context, string, any) error {
	return nil
}
func (t *stubTab) Type(context.Context, string, string) error { return nil }
func (t *stubTab) Click(context.Context, string) error        { return nil }
func (t *stubTab) Responses() []qa.ObservedResponse {
	return []qa.ObservedResponse{{URL: "https://example.com/", Status: 200}}
}

func (t *stubTab) Close(context.Context) error {
	t.closes.Add(1)
	return nil
}

type stubOpener struct {
	tab *stubTab
	err error
}

func (o stubOpener) OpenTab(context.Context) (browser.Tab, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.tab, nil
}

func TestOpenAppliesDefaults(t *testing.T) {
	t.Parallel()

	tab := &stubTab{}
	sess, err := Open(context.Background(), stubOpener{tab: tab}, Options{UserAgent: "qa"})
	require.NoError(t, err)
	require.Len(t, tab.configured, 1)
	got := tab.configured[0]
	require.Equal(t, qa.Viewport{Width: 1920, Height: 1080}, got.Viewport)
	require.Equal(t, "qa", got.UserAgent)
	require.Equal(t, DefaultBlockedResourceTypes, got.BlockedResourceTypes)

	require.NoError(t, sess.Navigate(context.Background(), "https://example.com/"))
	require.Equal(t, []string{"https://example.com/"}, tab.navigated)
	require.Len(t, sess.Responses(), 1)
}

func TestOpenEmptyBlockListBlocksNothing(t *testing.T) {
	t.Parallel()

	tab := &stubTab{}
	_, err := Open(context.Background(), stubOpener{tab: tab}, Options{BlockedResourceTypes: []string{}})
	require.NoError(t, err)
	require.Empty(t, tab.configured[0].BlockedResourceTypes)
}

func TestOpenClosesTabWhenConfigureFails(t *testing.T) {
	t.Parallel()

	tab := &stubTab{configErr: errors.New("cdp gone")}
	_, err := Open(context.Background(), stubOpener{tab: tab}, Options{})
	require.ErrorContains(t, err, "cdp gone")
	require.EqualValues(t, 1, tab.closes.Load())
}

func TestOpenPropagatesSlotTimeout(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), stubOpener{err: qa.ErrTimeout}, Options{})
	require.ErrorIs(t, err, qa.ErrTimeout)
}

func TestOperationTimeoutIsReportedAsErrTimeout(t *testing.T) {
	t.Parallel()

	tab := &stubTab{blockNav: true}
	sess, err := Open(context.Background(), stubOpener{tab: tab}, Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	err = sess.Navigate(context.Background(), "https://slow.example.com/")
	require.ErrorIs(t, err, qa.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	tab := &stubTab{}
	sess, err := Open(context.Background(), stubOpener{tab: tab}, Options{})
	require.NoError(t, err)
	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()))
	require.EqualValues(t, 1, tab.closes.Load())
}

// pool-backed fakes for Runner.

type runnerBrowser struct {
	tabs    atomic.Int32
	tabErr  error
	tabImpl *stubTab
}

func (b *runnerBrowser) NewTab(context.Context) (browser.Tab, error) {
	if b.tabErr != nil {
		return nil, b.tabErr
	}
	b.tabs.Add(1)
	return b.tabImpl, nil
}
func (b *runnerBrowser) Probe(context.Context) error { return nil }
func (b *runnerBrowser) Reset(context.Context) error { return nil }
func (b *runnerBrowser) Close(context.Context) error { return nil }
func (b *runnerBrowser) Kill() error                 { return nil }
func (b *runnerBrowser) PID() int                    { return 0 }

type runnerLauncher struct{ b *runnerBrowser }

func (l runnerLauncher) Launch(context.Context) (browser.Browser, error) { return l.b, nil }

func newRunnerPool(t *testing.T, b *runnerBrowser) *browser.Pool {
	t.Helper()
	pool, err := browser.NewPool(browser.Config{
		MinSize:                1,
		MaxSize:                1,
		MaxConsecutiveFailures: 1,
		MaintenanceInterval:    time.Hour,
		HealthCheckInterval:    time.Hour,
		AcquirePollInterval:    5 * time.Millisecond,
	}, runnerLauncher{b: b}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Destroy(context.Background()) })
	return pool
}

func TestRunnerReleasesOnEveryPath(t *testing.T) {
	t.Parallel()

	tab := &stubTab{}
	b := &runnerBrowser{tabImpl: tab}
	pool := newRunnerPool(t, b)
	runner := NewRunner(pool, time.Second, Options{}, zap.NewNop())

	var seenWorker string
	err := runner.Run(context.Background(), func(ctx context.Context, page qa.Page, info Info) error {
		seenWorker = info.WorkerID
		return page.Navigate(ctx, "https://example.com/")
	})
	require.NoError(t, err)
	require.NotEmpty(t, seenWorker)

	boom := errors.New("checker blew up")
	err = runner.Run(context.Background(), func(context.Context, qa.Page, Info) error { return boom })
	require.ErrorIs(t, err, boom)

	require.Equal(t, 1, pool.Stats().Available)
	require.Equal(t, 0, pool.Stats().Active)
	require.EqualValues(t, 2, tab.closes.Load())
}

func TestRunnerMarksWorkerFailedOnHealthError(t *testing.T) {
	t.Parallel()

	b := &runnerBrowser{tabImpl: &stubTab{}}
	pool := newRunnerPool(t, b)
	runner := NewRunner(pool, time.Second, Options{}, zap.NewNop())

	for range 2 {
		err := runner.Run(context.Background(), func(context.Context, qa.Page, Info) error {
			return qa.ErrWorkerHealth
		})
		require.ErrorIs(t, err, qa.ErrWorkerHealth)
	}
	// Two consecutive failures exceed the threshold of one, so the worker is retired.
	require.Equal(t, int64(1), pool.Stats().Lifetime.Destroyed)
}

func TestRunnerSurfacesAcquireTimeout(t *testing.T) {
	t.Parallel()

	b := &runnerBrowser{tabImpl: &stubTab{}}
	pool := newRunnerPool(t, b)
	held, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer held.Release()

	runner := NewRunner(pool, 30*time.Millisecond, Options{}, zap.NewNop())
	err = runner.Run(context.Background(), func(context.Context, qa.Page, Info) error {
		t.Fatal("task must not run without a worker")
		return nil
	})
	require.ErrorIs(t, err, qa.ErrTimeout)
}

func TestRunnerMarksFailedWhenTabCannotOpen(t *testing.T) {
	t.Parallel()

	b := &runnerBrowser{tabErr: errors.New("target crashed")}
	pool := newRunnerPool(t, b)
	runner := NewRunner(pool, time.Second, Options{}, zap.NewNop())

	err := runner.Run(context.Background(), func(context.Context, qa.Page, Info) error { return nil })
	require.ErrorContains(t, err, "target crashed")
	require.Equal(t, 0, pool.Stats().Active)
}
